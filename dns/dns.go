package dns

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudflare/cloudflare-go"
	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
)

var (
	log = logging.Logger("dns")
)

// Client wraps a Cloudflare client for registrar and DNS cleanup.
type Client struct {
	api       *cloudflare.API
	accountID string
}

var (
	_ cleanup.Registrar     = (*Client)(nil)
	_ cleanup.RecordCleaner = (*Client)(nil)
)

// Config defines the client configuration.
type Config struct {
	APIKey    string
	Email     string
	AccountID string
	// BaseURL overrides the Cloudflare API endpoint.
	BaseURL string
	Debug   bool
}

// NewClient return a cloudflare-backed registrar and dns client.
func NewClient(conf Config) (*Client, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"dns": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}
	api, err := cloudflare.New(conf.APIKey, conf.Email)
	if err != nil {
		return nil, err
	}
	if conf.BaseURL != "" {
		api.BaseURL = conf.BaseURL
	}
	return &Client{api: api, accountID: conf.AccountID}, nil
}

// DisableAutoRenew turns off auto-renewal for a domain registered with
// Cloudflare Registrar.
func (c *Client) DisableAutoRenew(_ context.Context, domain string) error {
	_, err := c.api.UpdateRegistrarDomain(c.accountID, domain, cloudflare.RegistrarDomainConfiguration{
		AutoRenew: false,
	})
	if err != nil {
		return mapErr(err)
	}
	log.Debugf("disabled auto-renew for %s", domain)
	return nil
}

// AutoRenew reads back the domain's auto-renew flag.
func (c *Client) AutoRenew(_ context.Context, domain string) (cleanup.AutoRenewState, error) {
	raw, err := c.api.Raw("GET", fmt.Sprintf("/accounts/%s/registrar/domains/%s", c.accountID, domain), nil)
	if err != nil {
		return cleanup.AutoRenewUnknown, mapErr(err)
	}
	var res struct {
		AutoRenew *bool `json:"auto_renew"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return cleanup.AutoRenewUnknown, fmt.Errorf("decoding registrar domain: %v", err)
	}
	switch {
	case res.AutoRenew == nil:
		return cleanup.AutoRenewUnknown, nil
	case *res.AutoRenew:
		return cleanup.AutoRenewOn, nil
	default:
		return cleanup.AutoRenewOff, nil
	}
}

// DeleteRecords removes the records in the domain's zone whose content is
// target. A domain without a zone has nothing to remove.
func (c *Client) DeleteRecords(_ context.Context, domain, target string) (int, error) {
	zoneID, err := c.api.ZoneIDByName(domain)
	if err != nil {
		if err := mapErr(err); err == cleanup.ErrNotFound {
			return 0, nil
		}
		return 0, fmt.Errorf("looking up zone: %v", err)
	}
	records, err := c.api.DNSRecords(zoneID, cloudflare.DNSRecord{Content: target})
	if err != nil {
		return 0, fmt.Errorf("listing records: %v", err)
	}
	var n int
	for _, r := range records {
		if r.Content != target {
			continue
		}
		if err := c.api.DeleteDNSRecord(zoneID, r.ID); err != nil {
			return n, fmt.Errorf("deleting %s record %s: %v", r.Type, r.Name, err)
		}
		log.Debugf("deleted %s record %s -> %s", r.Type, r.Name, r.Content)
		n++
	}
	return n, nil
}

// mapErr turns Cloudflare's not-found responses into cleanup.ErrNotFound.
func mapErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "HTTP status 404") || strings.Contains(msg, "could not be found") {
		return cleanup.ErrNotFound
	}
	return err
}
