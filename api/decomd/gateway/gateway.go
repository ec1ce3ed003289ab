package gateway

import (
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	gincors "github.com/rs/cors/wrapper/gin"
)

var log = logging.Logger("decom.gateway")

const (
	handlerTimeout  = time.Minute
	requestIDHeader = "X-Request-Id"
)

func init() {
	gin.SetMode(gin.ReleaseMode)
}

// Gateway serves the decommission HTTP API.
type Gateway struct {
	addr     ma.Multiaddr
	server   *http.Server
	orch     *decommission.Orchestrator
	scanner  *decommission.Scanner
	settings decommission.SettingsLoader
	debug    bool
}

// Config defines the gateway configuration.
type Config struct {
	Addr     ma.Multiaddr
	Orch     *decommission.Orchestrator
	Scanner  *decommission.Scanner
	Settings decommission.SettingsLoader
	Debug    bool
}

// NewGateway returns a new gateway.
func NewGateway(conf Config) (*Gateway, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"decom.gateway": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}
	return &Gateway{
		addr:     conf.Addr,
		orch:     conf.Orch,
		scanner:  conf.Scanner,
		settings: conf.Settings,
		debug:    conf.Debug,
	}, nil
}

// Handler returns the gateway's router.
func (g *Gateway) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(gincors.New(cors.Options{}))
	if g.debug {
		pprof.Register(router)
	}

	router.GET("/health", func(c *gin.Context) {
		c.Writer.WriteHeader(http.StatusNoContent)
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	decom := router.Group("/decommission")
	decom.GET("", g.listHandler)
	decom.POST("/start", g.startHandler)
	decom.POST("/banned", g.banHandler)
	decom.GET("/candidates", g.candidatesHandler)
	decom.GET("/:id", g.getHandler)
	decom.POST("/:id/execute", g.executeHandler)
	decom.POST("/:id/cancel", g.cancelHandler)
	decom.POST("/:id/retry", g.retryHandler)
	return router
}

// Start the gateway.
func (g *Gateway) Start() {
	addr, err := util.TCPAddrFromMultiAddr(g.addr)
	if err != nil {
		log.Fatal(err)
	}
	g.server = &http.Server{
		Addr:    addr,
		Handler: g.Handler(),
	}
	go func() {
		if err := g.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway error: %s", err)
		}
		log.Info("gateway was shutdown")
	}()
	log.Infof("gateway listening at %s", g.server.Addr)
}

// Addr returns the gateway's address.
func (g *Gateway) Addr() string {
	return g.server.Addr
}

// Stop the gateway.
func (g *Gateway) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return g.server.Shutdown(ctx)
}

// StartRequest is the body of POST /decommission/start.
type StartRequest struct {
	IdentityID   string     `json:"identityId"`
	TriggerType  string     `json:"triggerType,omitempty"`
	TriggeredBy  string     `json:"triggeredBy,omitempty"`
	JobType      string     `json:"jobType,omitempty"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty"`
}

// BanRequest is the body of POST /decommission/banned.
type BanRequest struct {
	IdentityID  string `json:"identityId"`
	TriggeredBy string `json:"triggeredBy,omitempty"`
}

// ListResponse is the body returned by GET /decommission.
type ListResponse struct {
	Jobs []*decommission.Job `json:"jobs"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (g *Gateway) listHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()
	jobs, err := g.orch.List(ctx, decommission.ListOptions{
		Status: decommission.Status(c.Query("status")),
	})
	if err != nil {
		renderError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*decommission.Job{}
	}
	c.JSON(http.StatusOK, ListResponse{Jobs: jobs})
}

func (g *Gateway) startHandler(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalid(err))
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		renderError(c, invalid(errors.New("identityId is required")))
		return
	}
	orch, ctx, cancel, err := g.bind(c)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()
	job, err := orch.Start(ctx, req.IdentityID, decommission.StartOptions{
		TriggerType:  decommission.TriggerType(req.TriggerType),
		TriggeredBy:  req.TriggeredBy,
		JobType:      decommission.JobType(req.JobType),
		ScheduledFor: req.ScheduledFor,
	})
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (g *Gateway) banHandler(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		renderError(c, invalid(err))
		return
	}
	if strings.TrimSpace(req.IdentityID) == "" {
		renderError(c, invalid(errors.New("identityId is required")))
		return
	}
	orch, ctx, cancel, err := g.bind(c)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()
	job, err := orch.HandleBan(ctx, req.IdentityID, req.TriggeredBy)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (g *Gateway) candidatesHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()
	conf, err := g.settings.LoadSettings(ctx)
	if err != nil {
		renderError(c, err)
		return
	}
	candidates, err := g.scanner.Scan(ctx, conf)
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, candidates)
}

func (g *Gateway) getHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	defer cancel()
	job, err := g.orch.Get(ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (g *Gateway) executeHandler(c *gin.Context) {
	g.jobAction(c, (*decommission.Orchestrator).Execute)
}

func (g *Gateway) cancelHandler(c *gin.Context) {
	g.jobAction(c, (*decommission.Orchestrator).Cancel)
}

func (g *Gateway) retryHandler(c *gin.Context) {
	g.jobAction(c, (*decommission.Orchestrator).Retry)
}

type jobFunc func(*decommission.Orchestrator, context.Context, string) (*decommission.Job, error)

func (g *Gateway) jobAction(c *gin.Context, fn jobFunc) {
	orch, ctx, cancel, err := g.bind(c)
	if err != nil {
		renderError(c, err)
		return
	}
	defer cancel()
	job, err := fn(orch, ctx, c.Param("id"))
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// bind returns the orchestrator bound to the current settings. Execution
// runs handlers sequentially, so the request gets a generous deadline.
func (g *Gateway) bind(c *gin.Context) (*decommission.Orchestrator, context.Context, context.CancelFunc, error) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), handlerTimeout)
	conf, err := g.settings.LoadSettings(ctx)
	cancel()
	if err != nil {
		return nil, nil, nil, err
	}
	timeout := handlerTimeout + time.Duration(len(decommission.Kinds))*conf.HandlerTimeout
	ctx, cancel = context.WithTimeout(c.Request.Context(), timeout)
	return g.orch.WithConfig(conf), ctx, cancel, nil
}

type invalidError struct {
	err error
}

func (e invalidError) Error() string { return e.err.Error() }

func invalid(err error) error {
	return invalidError{err: err}
}

// statusCode maps domain errors to HTTP status codes.
func statusCode(err error) int {
	var ie invalidError
	switch {
	case errors.As(err, &ie):
		return http.StatusBadRequest
	case errors.Is(err, decommission.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, decommission.ErrInvalidState),
		errors.Is(err, decommission.ErrAlreadyActive),
		errors.Is(err, decommission.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func renderError(c *gin.Context, err error) {
	code := statusCode(err)
	if code == http.StatusInternalServerError {
		log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	} else {
		log.Debugf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.AbortWithStatusJSON(code, ErrorResponse{Error: err.Error()})
}

// requestID tags every request with a ulid, reusing the caller's if set.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = ulid.MustNew(ulid.Now(), rand.Reader).String()
		}
		c.Set("requestID", id)
		c.Header(requestIDHeader, id)
		start := time.Now()
		c.Next()
		log.Debugf("%s %s %s %d %s", id, c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
