package email

import (
	"context"
	"strings"

	"github.com/customerio/go-customerio"
	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
	"github.com/russross/blackfriday/v2"
)

var (
	log = logging.Logger("email")
)

// Client service.
type Client struct {
	digestTmpl string
	recipients []string
	client     *customerio.APIClient
}

// Config defines the client configuration.
type Config struct {
	DigestTmpl string
	// Recipients is a comma-separated list of digest recipients.
	Recipients string
	APIKey     string
	// URL overrides the customer.io API endpoint.
	URL   string
	Debug bool
}

// NewClient return a email api client.
func NewClient(conf Config) (*Client, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"email": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}

	var client *customerio.APIClient
	if conf.APIKey != "" {
		client = customerio.NewAPIClient(conf.APIKey)
		if conf.URL != "" {
			client.URL = conf.URL
		}
	}

	var recipients []string
	for _, r := range strings.Split(conf.Recipients, ",") {
		if r = strings.TrimSpace(r); r != "" {
			recipients = append(recipients, r)
		}
	}

	api := &Client{
		digestTmpl: conf.DigestTmpl,
		recipients: recipients,
		client:     client,
	}

	return api, nil
}

// SendDigest mails the digest to every recipient. body is the rendered
// plain-text digest used by the transactional template.
func (c *Client) SendDigest(ctx context.Context, d *decommission.Digest, body string) error {
	if c.client == nil || len(c.recipients) == 0 {
		log.Debug("Skipping email send")
		return nil
	}
	failed := make([]map[string]interface{}, len(d.Failed))
	for i, f := range d.Failed {
		failed[i] = map[string]interface{}{
			"identity": f.IdentityName,
			"error":    f.Error,
		}
	}
	html := bodyHTML(body)
	for _, to := range c.recipients {
		request := customerio.SendEmailRequest{
			To:                     to,
			TransactionalMessageID: c.digestTmpl,
			Identifiers: map[string]string{
				"email": to,
			},
			MessageData: map[string]interface{}{
				"date":                d.GeneratedAt.Format("Jan 2 2006"),
				"completed":           d.Completed,
				"pending":             d.Pending,
				"executing_today":     d.ExecutingToday,
				"scheduled_this_week": d.ScheduledThisWeek,
				"failed_total":        d.FailedTotal,
				"failed":              failed,
				"body":                body,
				"body_html":           html,
			},
		}
		if _, err := c.client.SendEmail(ctx, &request); err != nil {
			log.Errorf("sending digest to %s: %v", to, err)
			return err
		}
	}
	return nil
}

// bodyHTML renders the plain-text digest for HTML templates, keeping its
// line breaks.
func bodyHTML(body string) string {
	out := blackfriday.Run([]byte(body), blackfriday.WithExtensions(
		blackfriday.CommonExtensions|blackfriday.HardLineBreak,
	))
	return strings.TrimSpace(string(out))
}
