package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/idfleet/idfleet/util"
	logging "github.com/ipfs/go-log/v2"
)

var (
	log = logging.Logger("messaging")
)

const chatMessage = `*{{.Title}}*
{{.Body}}`

var chatTmpl = template.Must(template.New("chat").Parse(chatMessage))

// Config defines the chat webhook configuration.
type Config struct {
	WebhookURL string
	Timeout    time.Duration
	MaxRetries uint64
	Debug      bool
}

// Chat posts messages to an incoming chat webhook.
type Chat struct {
	url        string
	client     *http.Client
	maxRetries uint64
	backoff    func() backoff.BackOff
}

// NewChat returns a chat webhook client. An empty WebhookURL yields a
// client that skips every send.
func NewChat(conf Config) (*Chat, error) {
	if conf.Debug {
		if err := util.SetLogLevels(map[string]logging.LogLevel{
			"messaging": logging.LevelDebug,
		}); err != nil {
			return nil, err
		}
	}
	if conf.Timeout == 0 {
		conf.Timeout = time.Second * 10
	}
	if conf.MaxRetries == 0 {
		conf.MaxRetries = 3
	}
	return &Chat{
		url:        conf.WebhookURL,
		client:     &http.Client{Timeout: conf.Timeout},
		maxRetries: conf.MaxRetries,
		backoff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}, nil
}

// SendChat renders title and body into a webhook message and posts it,
// retrying transient failures.
func (c *Chat) SendChat(ctx context.Context, title, body string) error {
	// Non-erroring skip if chat is not configured
	if c.url == "" {
		log.Debug("Skipping chat send")
		return nil
	}

	var text bytes.Buffer
	if err := chatTmpl.Execute(&text, struct {
		Title string
		Body  string
	}{
		Title: title,
		Body:  body,
	}); err != nil {
		return err
	}
	payload, err := json.Marshal(map[string]string{"text": text.String()})
	if err != nil {
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(c.backoff(), c.maxRetries), ctx)
	return backoff.Retry(func() error {
		return c.post(ctx, payload)
	}, b)
}

func (c *Chat) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := c.client.Do(req)
	if err != nil {
		log.Debugf("posting chat message: %v", err)
		return err
	}
	defer res.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	switch {
	case res.StatusCode < 300:
		return nil
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return fmt.Errorf("chat webhook returned %d: %s", res.StatusCode, msg)
	default:
		return backoff.Permanent(fmt.Errorf("chat webhook returned %d: %s", res.StatusCode, msg))
	}
}
