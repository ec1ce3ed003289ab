// Package fingerprint talks to the browser-fingerprint profile provider.
package fingerprint

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/time/rate"
)

var log = logging.Logger("fingerprint")

// Config defines the client configuration.
type Config struct {
	URL    string
	APIKey string
	// RequestsPerSecond caps calls to the provider.
	RequestsPerSecond float64
	Timeout           time.Duration
	Debug             bool
}

// Client implements cleanup.ProfileProvider over the provider's REST API.
type Client struct {
	base    string
	key     string
	client  *http.Client
	limiter *rate.Limiter
}

var _ cleanup.ProfileProvider = (*Client)(nil)

func NewClient(conf Config) (*Client, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"fingerprint": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := url.Parse(conf.URL); err != nil {
		return nil, fmt.Errorf("parsing provider url: %v", err)
	}
	if conf.RequestsPerSecond == 0 {
		conf.RequestsPerSecond = 2
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Second * 30
	}
	return &Client{
		base:    strings.TrimSuffix(conf.URL, "/"),
		key:     conf.APIKey,
		client:  &http.Client{Timeout: conf.Timeout},
		limiter: rate.NewLimiter(rate.Limit(conf.RequestsPerSecond), 1),
	}, nil
}

// DeleteProfile deletes the profile at the provider.
func (c *Client) DeleteProfile(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, id)
}

// ProfileExists reports whether the provider still has the profile.
func (c *Client) ProfileExists(ctx context.Context, id string) (bool, error) {
	if err := c.do(ctx, http.MethodGet, id); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Client) do(ctx context.Context, method, id string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+"/profiles/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	if c.key != "" {
		req.Header.Set("Authorization", "Bearer "+c.key)
	}
	res, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	log.Debugf("%s profile %s: %d", method, id, res.StatusCode)
	switch {
	case res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusGone:
		return cleanup.ErrNotFound
	case res.StatusCode >= 300:
		return fmt.Errorf("provider returned %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	default:
		return nil
	}
}
