// Package cloud deletes identity servers on Hetzner Cloud.
package cloud

import (
	"context"
	"fmt"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"
	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("cloud")

// Config defines the client configuration.
type Config struct {
	Token string
	// Endpoint overrides the Hetzner Cloud API endpoint.
	Endpoint string
	Debug    bool
}

// Client implements cleanup.ComputeProvider.
type Client struct {
	api *hcloud.Client
}

var _ cleanup.ComputeProvider = (*Client)(nil)

func NewClient(conf Config) (*Client, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"cloud": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}
	opts := []hcloud.ClientOption{
		hcloud.WithToken(conf.Token),
		hcloud.WithApplication("decomd", ""),
	}
	if conf.Endpoint != "" {
		opts = append(opts, hcloud.WithEndpoint(conf.Endpoint))
	}
	return &Client{api: hcloud.NewClient(opts...)}, nil
}

// DeleteServer requests deletion of the server. The deletion action is
// not awaited; callers verify through ServerExists.
func (c *Client) DeleteServer(ctx context.Context, id string) error {
	server, err := c.get(ctx, id)
	if err != nil {
		return err
	}
	res, _, err := c.api.Server.DeleteWithResult(ctx, server)
	if err != nil {
		if hcloud.IsError(err, hcloud.ErrorCodeNotFound) {
			return cleanup.ErrNotFound
		}
		return err
	}
	if res != nil && res.Action != nil {
		log.Debugf("server %s deletion started (action %d)", id, res.Action.ID)
	}
	return nil
}

// ServerExists reports whether the server is still listed. A server in
// the deleting state still exists.
func (c *Client) ServerExists(ctx context.Context, id string) (bool, error) {
	server, err := c.get(ctx, id)
	if err != nil {
		return false, err
	}
	log.Debugf("server %s is %s", id, server.Status)
	return true, nil
}

func (c *Client) get(ctx context.Context, id string) (*hcloud.Server, error) {
	sid, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid server id %q", id)
	}
	server, _, err := c.api.Server.GetByID(ctx, sid)
	if err != nil {
		return nil, err
	}
	if server == nil {
		return nil, cleanup.ErrNotFound
	}
	return server, nil
}
