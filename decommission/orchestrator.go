// Package decommission tears down every external resource owned by a managed
// identity, exactly once per job, with per-resource failure visibility.
//
// A job moves pending -> in_progress -> completed|failed, or pending ->
// cancelled. There is at most one job per identity; a new Start may only
// replace a cancelled or failed job.
package decommission

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/idfleet/idfleet/decommission/cleanup"
	logging "github.com/ipfs/go-log/v2"
	"github.com/oklog/ulid/v2"
)

var log = logging.Logger("decom")

// Handlers are the cleanup handlers, one per resource kind.
type Handlers struct {
	Compute cleanup.Handler
	Domain  cleanup.Handler
	Profile cleanup.Handler
	Account cleanup.Handler
}

func (h Handlers) get(kind ResourceKind) cleanup.Handler {
	switch kind {
	case KindCompute:
		return h.Compute
	case KindDomain:
		return h.Domain
	case KindProfile:
		return h.Profile
	case KindAccount:
		return h.Account
	default:
		panic(fmt.Sprintf("unknown resource kind %q", kind))
	}
}

// Option configures an Orchestrator or Scheduler.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Orchestrator drives jobs through their lifecycle.
type Orchestrator struct {
	jobs       JobStore
	identities IdentityStore
	handlers   Handlers
	notifier   Notifier
	conf       Config
	now        func() time.Time
}

// NewOrchestrator returns a new orchestrator. A nil notifier drops notifications.
func NewOrchestrator(jobs JobStore, identities IdentityStore, handlers Handlers, notifier Notifier, conf Config, opts ...Option) *Orchestrator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	o := applyOptions(opts)
	return &Orchestrator{
		jobs:       jobs,
		identities: identities,
		handlers:   handlers,
		notifier:   notifier,
		conf:       conf,
		now:        o.now,
	}
}

// WithConfig returns a copy of the orchestrator bound to conf.
func (o *Orchestrator) WithConfig(conf Config) *Orchestrator {
	cp := *o
	cp.conf = conf
	return &cp
}

// Config returns the settings the orchestrator is bound to.
func (o *Orchestrator) Config() Config {
	return o.conf
}

// StartOptions describe a new job.
type StartOptions struct {
	TriggerType  TriggerType
	TriggeredBy  string
	JobType      JobType
	ScheduledFor *time.Time
}

// InitialResourceStatus marks every kind the identity owns as pending and
// the rest as skipped.
func InitialResourceStatus(res cleanup.Resources) ResourceStatus {
	state := func(owned bool) ResourceState {
		if owned {
			return StatePending
		}
		return StateSkipped
	}
	return ResourceStatus{
		Compute: state(res.ServerID != ""),
		Domain:  state(res.Domain != ""),
		Profile: state(res.ProfileID != ""),
		Account: state(len(res.AccountIDs) > 0),
	}
}

// Start creates a pending job for the identity, or resets its cancelled or
// failed job.
func (o *Orchestrator) Start(ctx context.Context, identityID string, opts StartOptions) (*Job, error) {
	if identityID == "" {
		return nil, fmt.Errorf("identity id is required: %w", ErrInvalidArgument)
	}
	if opts.TriggerType == "" {
		opts.TriggerType = TriggerManual
	}
	if !opts.TriggerType.Valid() {
		return nil, fmt.Errorf("unknown trigger type %q: %w", opts.TriggerType, ErrInvalidArgument)
	}
	if opts.JobType == "" {
		opts.JobType = JobTypeArchive
	}
	if !opts.JobType.Valid() {
		return nil, fmt.Errorf("unknown job type %q: %w", opts.JobType, ErrInvalidArgument)
	}

	identity, err := o.identities.GetIdentity(ctx, identityID)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("identity %s does not exist: %w", identityID, ErrInvalidArgument)
	} else if err != nil {
		return nil, storeErr("getting identity", err)
	}
	existing, err := o.jobs.GetByIdentity(ctx, identityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr("getting identity job", err)
	}
	if existing != nil && existing.Status.Active() {
		return nil, fmt.Errorf("job %s is %s: %w", existing.ID, existing.Status, ErrAlreadyActive)
	}

	job := &Job{
		ID:             ulid.MustNew(ulid.Now(), rand.Reader).String(),
		IdentityID:     identityID,
		TriggerType:    opts.TriggerType,
		TriggeredBy:    opts.TriggeredBy,
		TriggeredAt:    o.now(),
		JobType:        opts.JobType,
		Status:         StatusPending,
		ResourceStatus: InitialResourceStatus(identity.Resources),
		ScheduledFor:   opts.ScheduledFor,
	}
	job, err = o.jobs.Upsert(ctx, job)
	if err != nil {
		return nil, storeErr("saving job", err)
	}
	jobsStarted.WithLabelValues(string(job.TriggerType)).Inc()
	log.Infof("started %s job %s for identity %s (trigger %s)", job.JobType, job.ID, identityID, job.TriggerType)

	if job.ScheduledFor != nil {
		o.notifier.JobScheduled(ctx, o.conf.Notify, job, identity)
	}
	return job, nil
}

// Cancel cancels a pending job.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.jobs.Cancel(ctx, jobID)
	if err != nil {
		return nil, storeErr("cancelling job", err)
	}
	log.Infof("cancelled job %s for identity %s", job.ID, job.IdentityID)
	return job, nil
}

// Get returns a job by id.
func (o *Orchestrator) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, storeErr("getting job", err)
	}
	return job, nil
}

// ListOptions filter List.
type ListOptions struct {
	Status Status
}

// List returns jobs, newest first.
func (o *Orchestrator) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, fmt.Errorf("unknown status %q: %w", opts.Status, ErrInvalidArgument)
	}
	jobs, err := o.jobs.List(ctx, Query{Status: opts.Status})
	if err != nil {
		return nil, storeErr("listing jobs", err)
	}
	return jobs, nil
}

// Execute claims a pending job and runs the cleanup handlers for every
// resource still pending, in fixed order. The job always ends completed or
// failed, even if the caller's context is cancelled.
func (o *Orchestrator) Execute(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.jobs.Claim(ctx, jobID, o.now())
	if err != nil {
		return nil, storeErr("claiming job", err)
	}
	ctx = context.WithoutCancel(ctx)
	log.Infof("executing job %s for identity %s", job.ID, job.IdentityID)

	rs, msg, identity := o.run(ctx, job)
	status := rs.Outcome()
	if msg != "" && status == StatusCompleted {
		status = StatusFailed
	}
	now := o.now()
	if status == StatusCompleted {
		if err := o.identities.MarkDecommissioned(ctx, job.IdentityID, now, job.JobType == JobTypeArchive); err != nil {
			log.Errorf("marking identity %s decommissioned: %s", job.IdentityID, err)
			status = StatusFailed
			msg = fmt.Sprintf("identity: %s", err)
		}
	}

	done, err := o.jobs.Finish(ctx, job.ID, Finish{
		Status:         status,
		ResourceStatus: rs,
		ErrorMessage:   msg,
		CompletedAt:    now,
	})
	if err != nil {
		return nil, storeErr("finishing job", err)
	}
	jobsFinished.WithLabelValues(string(status)).Inc()
	if status == StatusCompleted {
		log.Infof("job %s completed", job.ID)
	} else {
		log.Warnf("job %s failed: %s", job.ID, strings.ReplaceAll(msg, "\n", "; "))
	}

	if identity == nil {
		identity = &Identity{ID: job.IdentityID}
	}
	o.notifier.JobFinished(ctx, o.conf.Notify, done, identity)
	return done, nil
}

// run executes the handlers and returns the resulting resource map and the
// newline-joined per-resource errors. A panic outside the handlers fails
// every kind still pending.
func (o *Orchestrator) run(ctx context.Context, job *Job) (rs ResourceStatus, msg string, identity *Identity) {
	rs = job.ResourceStatus
	var errs *multierror.Error
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("job %s panicked: %v", job.ID, r)
			errs = multierror.Append(errs, fmt.Errorf("panic: %v", r))
			for _, k := range Kinds {
				if rs.Get(k) == StatePending {
					rs.Set(k, StateFailed)
				}
			}
		}
		msg = joinErrors(errs)
	}()

	identity, err := o.identities.GetIdentity(ctx, job.IdentityID)
	if err != nil {
		errs = multierror.Append(errs, fmt.Errorf("identity: %w", err))
		for _, k := range Kinds {
			if rs.Get(k) == StatePending {
				rs.Set(k, StateFailed)
			}
		}
		return rs, "", nil
	}

	for _, kind := range Kinds {
		if rs.Get(kind) != StatePending {
			continue
		}
		r := o.cleanup(ctx, kind, identity.Resources)
		state := StateCompleted
		if !r.Done() {
			state = StateFailed
			reason := r.Error
			if reason == "" {
				reason = "cleanup not verified"
			}
			errs = multierror.Append(errs, fmt.Errorf("%s: %s", kind, reason))
		}
		for _, d := range r.Details {
			log.Debugf("job %s %s: %s", job.ID, kind, d)
		}
		rs.Set(kind, state)
		resourceOutcomes.WithLabelValues(string(kind), string(state)).Inc()
		if err := o.jobs.SetResourceState(ctx, job.ID, kind, state); err != nil {
			log.Errorf("recording %s state for job %s: %s", kind, job.ID, err)
		}
	}
	return rs, "", identity
}

func (o *Orchestrator) cleanup(ctx context.Context, kind ResourceKind, res cleanup.Resources) cleanup.Result {
	h := o.handlers.get(kind)
	if h == nil {
		return cleanup.Result{Error: "no handler configured"}
	}
	start := time.Now()
	defer func() {
		handlerDuration.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
	}()
	return cleanup.Run(ctx, h, res, o.conf.HandlerTimeout)
}

// Retry resets a failed job and executes it again. Every owned resource is
// attempted again; handlers are idempotent.
func (o *Orchestrator) Retry(ctx context.Context, jobID string) (*Job, error) {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, storeErr("getting job", err)
	}
	if job.Status != StatusFailed {
		return nil, invalidState(job.ID, job.Status, string(StatusFailed))
	}
	reset, err := o.Start(ctx, job.IdentityID, StartOptions{
		TriggerType: job.TriggerType,
		TriggeredBy: job.TriggeredBy,
		JobType:     job.JobType,
	})
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, reset.ID)
}

// HandleBan reacts to a ban signal by decommissioning the identity right
// away. A pending job is executed immediately instead of waiting for its
// schedule.
func (o *Orchestrator) HandleBan(ctx context.Context, identityID, triggeredBy string) (*Job, error) {
	existing, err := o.jobs.GetByIdentity(ctx, identityID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, storeErr("getting identity job", err)
	}
	if existing != nil && existing.Status == StatusPending {
		log.Infof("ban for identity %s: executing pending job %s now", identityID, existing.ID)
		return o.Execute(ctx, existing.ID)
	}
	job, err := o.Start(ctx, identityID, StartOptions{
		TriggerType: TriggerBanned,
		TriggeredBy: triggeredBy,
		JobType:     JobTypeArchive,
	})
	if err != nil {
		return nil, err
	}
	return o.Execute(ctx, job.ID)
}

// RecoverStale fails jobs left in_progress since before cutoff, which only
// happens when a process died mid-run.
func (o *Orchestrator) RecoverStale(ctx context.Context, cutoff time.Time) (int, error) {
	stale, err := o.jobs.List(ctx, Query{Status: StatusInProgress, StartedBefore: &cutoff})
	if err != nil {
		return 0, storeErr("listing stale jobs", err)
	}
	var n int
	for _, job := range stale {
		rs := job.ResourceStatus
		for _, k := range Kinds {
			if rs.Get(k) == StatePending {
				rs.Set(k, StateFailed)
			}
		}
		msg := job.ErrorMessage
		if msg != "" {
			msg += "\n"
		}
		msg += "interrupted before completion"
		if _, err := o.jobs.Finish(ctx, job.ID, Finish{
			Status:         StatusFailed,
			ResourceStatus: rs,
			ErrorMessage:   msg,
			CompletedAt:    o.now(),
		}); err != nil {
			if errors.Is(err, ErrInvalidState) {
				continue
			}
			return n, storeErr("finishing stale job", err)
		}
		log.Warnf("recovered stale job %s for identity %s", job.ID, job.IdentityID)
		jobsFinished.WithLabelValues(string(StatusFailed)).Inc()
		n++
	}
	return n, nil
}

// joinErrors renders per-resource errors one per line.
func joinErrors(errs *multierror.Error) string {
	if errs == nil {
		return ""
	}
	errs.ErrorFormat = func(es []error) string {
		lines := make([]string, len(es))
		for i, e := range es {
			lines[i] = e.Error()
		}
		return strings.Join(lines, "\n")
	}
	return errs.Error()
}
