package decommission

import (
	"context"
	"time"

	"github.com/idfleet/idfleet/decommission/cleanup"
)

// Query filters a job listing. Zero fields are ignored.
type Query struct {
	Status          Status
	ScheduledBefore *time.Time
	StartedBefore   *time.Time
	CompletedSince  *time.Time
	ReminderUnsent  bool
	Limit           int
}

// Finish is the terminal write for a running job.
type Finish struct {
	Status         Status
	ResourceStatus ResourceStatus
	ErrorMessage   string
	CompletedAt    time.Time
}

// JobStore persists jobs. Implementations must make Upsert, Claim, Cancel
// and Finish atomic with respect to the job's status.
type JobStore interface {
	// Upsert inserts the identity's job, or resets a cancelled or failed one
	// in place keeping its id. Any other existing job yields ErrAlreadyActive.
	Upsert(ctx context.Context, job *Job) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	GetByIdentity(ctx context.Context, identityID string) (*Job, error)
	// List returns matching jobs, newest trigger first.
	List(ctx context.Context, q Query) ([]*Job, error)
	// Claim moves a pending job to in_progress.
	Claim(ctx context.Context, id string, at time.Time) (*Job, error)
	// Cancel moves a pending job to cancelled.
	Cancel(ctx context.Context, id string) (*Job, error)
	SetResourceState(ctx context.Context, id string, kind ResourceKind, state ResourceState) error
	// Finish moves an in_progress job to a terminal status.
	Finish(ctx context.Context, id string, f Finish) (*Job, error)
	MarkReminderSent(ctx context.Context, id string, at time.Time) error
}

// Identity is the orchestrator's view of a managed identity.
type Identity struct {
	ID               string
	Name             string
	Archived         bool
	DecommissionedAt *time.Time
	Resources        cleanup.Resources
}

// IdentityStore reads identities and records their decommission.
type IdentityStore interface {
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	// MarkDecommissioned sets decommissionedAt and archived, and archivedAt when archive is true.
	MarkDecommissioned(ctx context.Context, id string, at time.Time, archive bool) error
}

// Notifier delivers job notifications. Delivery failures are handled by the
// implementation and never reach the caller.
type Notifier interface {
	JobScheduled(ctx context.Context, conf NotifyConfig, job *Job, identity *Identity)
	JobReminder(ctx context.Context, conf NotifyConfig, job *Job, identity *Identity)
	JobFinished(ctx context.Context, conf NotifyConfig, job *Job, identity *Identity)
	Digest(ctx context.Context, conf NotifyConfig, d *Digest)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) JobScheduled(context.Context, NotifyConfig, *Job, *Identity) {}
func (NopNotifier) JobReminder(context.Context, NotifyConfig, *Job, *Identity)  {}
func (NopNotifier) JobFinished(context.Context, NotifyConfig, *Job, *Identity)  {}
func (NopNotifier) Digest(context.Context, NotifyConfig, *Digest)               {}
