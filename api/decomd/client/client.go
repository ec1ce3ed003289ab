package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/idfleet/idfleet/api/decomd/gateway"
	"github.com/idfleet/idfleet/decommission"
)

// Client provides the client api.
type Client struct {
	base string
	c    *http.Client
}

// Error is a non-2xx API response.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

// Is matches a 404 against decommission.ErrNotFound.
func (e *Error) Is(target error) bool {
	return e.Code == http.StatusNotFound && target == decommission.ErrNotFound
}

// NewClient returns a client for the API served at target, a host:port
// or base URL.
func NewClient(target string) (*Client, error) {
	if !strings.Contains(target, "://") {
		target = "http://" + target
	}
	u, err := url.Parse(target)
	if err != nil {
		return nil, err
	}
	return &Client{
		base: strings.TrimSuffix(u.String(), "/"),
		c:    &http.Client{Timeout: time.Minute * 30},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.c.CloseIdleConnections()
	return nil
}

func (c *Client) CheckHealth(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// List returns jobs, newest first, optionally filtered by status.
func (c *Client) List(ctx context.Context, status decommission.Status) ([]*decommission.Job, error) {
	path := "/decommission"
	if status != "" {
		path += "?" + url.Values{"status": {string(status)}}.Encode()
	}
	var res gateway.ListResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &res); err != nil {
		return nil, err
	}
	return res.Jobs, nil
}

func (c *Client) Get(ctx context.Context, id string) (*decommission.Job, error) {
	return c.job(ctx, http.MethodGet, "/decommission/"+url.PathEscape(id), nil)
}

func (c *Client) Start(ctx context.Context, req gateway.StartRequest) (*decommission.Job, error) {
	return c.job(ctx, http.MethodPost, "/decommission/start", req)
}

func (c *Client) Execute(ctx context.Context, id string) (*decommission.Job, error) {
	return c.job(ctx, http.MethodPost, "/decommission/"+url.PathEscape(id)+"/execute", nil)
}

func (c *Client) Cancel(ctx context.Context, id string) (*decommission.Job, error) {
	return c.job(ctx, http.MethodPost, "/decommission/"+url.PathEscape(id)+"/cancel", nil)
}

func (c *Client) Retry(ctx context.Context, id string) (*decommission.Job, error) {
	return c.job(ctx, http.MethodPost, "/decommission/"+url.PathEscape(id)+"/retry", nil)
}

// Ban reports a ban for the identity, which is decommissioned right away.
func (c *Client) Ban(ctx context.Context, identityID, triggeredBy string) (*decommission.Job, error) {
	return c.job(ctx, http.MethodPost, "/decommission/banned", gateway.BanRequest{
		IdentityID:  identityID,
		TriggeredBy: triggeredBy,
	})
}

func (c *Client) Candidates(ctx context.Context) (*decommission.Candidates, error) {
	var res decommission.Candidates
	if err := c.do(ctx, http.MethodGet, "/decommission/candidates", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) job(ctx context.Context, method, path string, body interface{}) (*decommission.Job, error) {
	var job decommission.Job
	if err := c.do(ctx, method, path, body, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.c.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode >= 300 {
		var e gateway.ErrorResponse
		if err := json.NewDecoder(res.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(res.StatusCode)
		}
		return &Error{Code: res.StatusCode, Message: e.Error}
	}
	if out == nil || res.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}
