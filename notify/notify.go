// Package notify renders decommission notifications and fans them out to
// the in-app feed, an external chat channel and the digest mailer.
package notify

import (
	"context"
	"time"

	"github.com/idfleet/idfleet/decommission"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("decom.notify")

// Kind identifies a notification.
type Kind string

const (
	KindScheduled Kind = "decommission.scheduled"
	KindReminder  Kind = "decommission.reminder"
	KindCompleted Kind = "decommission.completed"
	KindFailed    Kind = "decommission.failed"
	KindDigest    Kind = "decommission.digest"
)

// FeedItem is an entry in the in-app notification feed.
type FeedItem struct {
	Kind       Kind
	Title      string
	Body       string
	JobID      string
	IdentityID string
	CreatedAt  time.Time
}

// FeedStore persists in-app notifications.
type FeedStore interface {
	AddNotification(ctx context.Context, item FeedItem) error
}

// ChatSender posts a message to the operators' chat channel.
type ChatSender interface {
	SendChat(ctx context.Context, title, body string) error
}

// DigestMailer e-mails the periodic digest.
type DigestMailer interface {
	SendDigest(ctx context.Context, d *decommission.Digest, body string) error
}

// Dispatcher implements decommission.Notifier. Nil sinks are skipped, and
// each sink is further toggled per call by the NotifyConfig.
type Dispatcher struct {
	feed FeedStore
	chat ChatSender
	mail DigestMailer
	now  func() time.Time
}

var _ decommission.Notifier = (*Dispatcher)(nil)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock overrides the time source used for relative dates.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		d.now = now
	}
}

func NewDispatcher(feed FeedStore, chat ChatSender, mail DigestMailer, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		feed: feed,
		chat: chat,
		mail: mail,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) JobScheduled(ctx context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	d.deliver(ctx, conf, job, ScheduledMessage(job, identity, d.now()))
}

func (d *Dispatcher) JobReminder(ctx context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	d.deliver(ctx, conf, job, ReminderMessage(job, identity, d.now()))
}

func (d *Dispatcher) JobFinished(ctx context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	d.deliver(ctx, conf, job, FinishedMessage(job, identity))
}

func (d *Dispatcher) Digest(ctx context.Context, conf decommission.NotifyConfig, digest *decommission.Digest) {
	msg := DigestMessage(digest)
	d.deliver(ctx, conf, nil, msg)
	if conf.Email && d.mail != nil {
		if err := d.mail.SendDigest(ctx, digest, msg.Body); err != nil {
			log.Errorf("mailing digest: %v", err)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, conf decommission.NotifyConfig, job *decommission.Job, msg Message) {
	if conf.InApp && d.feed != nil {
		item := FeedItem{
			Kind:      msg.Kind,
			Title:     msg.Title,
			Body:      msg.Body,
			CreatedAt: d.now(),
		}
		if job != nil {
			item.JobID = job.ID
			item.IdentityID = job.IdentityID
		}
		if err := d.feed.AddNotification(ctx, item); err != nil {
			log.Errorf("adding %s to feed: %v", msg.Kind, err)
		}
	}
	if conf.Chat && d.chat != nil {
		if err := d.chat.SendChat(ctx, msg.Title, msg.Body); err != nil {
			log.Errorf("sending %s to chat: %v", msg.Kind, err)
		}
	}
	log.Debugf("dispatched %s", msg.Kind)
}
