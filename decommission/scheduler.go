package decommission

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultTickSchedule   = "@every 5m"
	defaultDigestSchedule = "0 9 * * *"
	digestFailedLimit     = 5
)

// SchedulerConfig configures the background loop.
type SchedulerConfig struct {
	// TickSchedule is a cron spec for the schedule/remind/execute pass.
	TickSchedule string
	// DigestSchedule is a cron spec for the daily digest.
	DigestSchedule string
	// StaleAfter fails in_progress jobs older than this. Zero derives it
	// from the handler timeout.
	StaleAfter time.Duration
}

// Scheduler runs auto-scheduling, due execution, reminders and the digest.
// Settings are loaded once per pass and threaded through explicitly.
type Scheduler struct {
	orch       *Orchestrator
	scanner    *Scanner
	jobs       JobStore
	identities IdentityStore
	settings   SettingsLoader
	notifier   Notifier
	conf       SchedulerConfig
	now        func() time.Time

	lk   sync.Mutex
	cron *cron.Cron
}

// NewScheduler returns a scheduler. It does not run until Start.
func NewScheduler(
	orch *Orchestrator,
	scanner *Scanner,
	jobs JobStore,
	identities IdentityStore,
	settings SettingsLoader,
	notifier Notifier,
	conf SchedulerConfig,
	opts ...Option,
) *Scheduler {
	if conf.TickSchedule == "" {
		conf.TickSchedule = defaultTickSchedule
	}
	if conf.DigestSchedule == "" {
		conf.DigestSchedule = defaultDigestSchedule
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	o := applyOptions(opts)
	return &Scheduler{
		orch:       orch,
		scanner:    scanner,
		jobs:       jobs,
		identities: identities,
		settings:   settings,
		notifier:   notifier,
		conf:       conf,
		now:        o.now,
	}
}

// Start registers the cron entries and starts the loop.
func (s *Scheduler) Start() error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.cron != nil {
		return errors.New("scheduler already started")
	}
	c := cron.New(cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(s.conf.TickSchedule, func() {
		if err := s.Tick(context.Background()); err != nil {
			log.Errorf("scheduler tick: %s", err)
		}
	}); err != nil {
		return fmt.Errorf("adding tick schedule %q: %w", s.conf.TickSchedule, err)
	}
	if _, err := c.AddFunc(s.conf.DigestSchedule, func() {
		conf, err := s.settings.LoadSettings(context.Background())
		if err != nil {
			log.Errorf("loading settings for digest: %s", err)
			return
		}
		if _, err := s.SendDigest(context.Background(), conf); err != nil {
			log.Errorf("sending digest: %s", err)
		}
	}); err != nil {
		return fmt.Errorf("adding digest schedule %q: %w", s.conf.DigestSchedule, err)
	}
	c.Start()
	s.cron = c
	log.Infof("scheduler started (tick %q, digest %q)", s.conf.TickSchedule, s.conf.DigestSchedule)
	return nil
}

// Stop stops the loop and waits for running passes to return.
func (s *Scheduler) Stop() {
	s.lk.Lock()
	c := s.cron
	s.cron = nil
	s.lk.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	log.Info("scheduler stopped")
}

// Tick runs one full pass with freshly loaded settings.
func (s *Scheduler) Tick(ctx context.Context) error {
	conf, err := s.settings.LoadSettings(ctx)
	if err != nil {
		schedulerRuns.WithLabelValues("tick", "error").Inc()
		return fmt.Errorf("loading settings: %w", err)
	}

	staleAfter := s.conf.StaleAfter
	if staleAfter == 0 {
		staleAfter = time.Duration(len(Kinds)+1) * conf.HandlerTimeout
	}
	if staleAfter > 0 {
		if n, err := s.orch.WithConfig(conf).RecoverStale(ctx, s.now().Add(-staleAfter)); err != nil {
			log.Errorf("recovering stale jobs: %s", err)
		} else if n > 0 {
			log.Warnf("recovered %d stale jobs", n)
		}
	}
	if _, err := s.ScheduleAutoDecommissions(ctx, conf); err != nil {
		log.Errorf("scheduling auto decommissions: %s", err)
	}
	if _, err := s.SendReminders(ctx, conf); err != nil {
		log.Errorf("sending reminders: %s", err)
	}
	if _, err := s.ExecuteScheduledJobs(ctx, conf); err != nil {
		schedulerRuns.WithLabelValues("tick", "error").Inc()
		return fmt.Errorf("executing scheduled jobs: %w", err)
	}
	schedulerRuns.WithLabelValues("tick", "ok").Inc()
	return nil
}

// ScheduleAutoDecommissions creates a scheduled archive job for every
// candidate that has no active job. It returns the number of jobs created.
func (s *Scheduler) ScheduleAutoDecommissions(ctx context.Context, conf Config) (int, error) {
	if !conf.AutoDecommission {
		log.Debug("auto decommission disabled")
		return 0, nil
	}
	cands, err := s.scanner.Scan(ctx, conf)
	if err != nil {
		return 0, err
	}
	orch := s.orch.WithConfig(conf)
	scheduledFor := s.now().Add(time.Duration(conf.ReminderDays) * 24 * time.Hour)
	seen := make(map[string]struct{})
	var n int
	cands.Each(func(cat Category, c Candidate) {
		if _, ok := seen[c.IdentityID]; ok {
			return
		}
		seen[c.IdentityID] = struct{}{}
		at := scheduledFor
		_, err := orch.Start(ctx, c.IdentityID, StartOptions{
			TriggerType:  cat.Trigger(),
			TriggeredBy:  "scheduler",
			JobType:      JobTypeArchive,
			ScheduledFor: &at,
		})
		if errors.Is(err, ErrAlreadyActive) {
			return
		}
		if err != nil {
			log.Errorf("scheduling decommission for identity %s: %s", c.IdentityID, err)
			return
		}
		n++
	})
	if n > 0 {
		log.Infof("scheduled %d auto decommissions", n)
	}
	schedulerRuns.WithLabelValues("schedule", "ok").Inc()
	return n, nil
}

// ExecuteScheduledJobs executes every pending job whose schedule is due,
// one at a time. Failures are logged and do not stop the pass. It returns
// the number of jobs executed.
func (s *Scheduler) ExecuteScheduledJobs(ctx context.Context, conf Config) (int, error) {
	now := s.now()
	due, err := s.jobs.List(ctx, Query{Status: StatusPending, ScheduledBefore: &now})
	if err != nil {
		return 0, storeErr("listing due jobs", err)
	}
	// Oldest schedule first.
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].ScheduledFor.Before(*due[j].ScheduledFor)
	})
	orch := s.orch.WithConfig(conf)
	var n int
	for _, job := range due {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if _, err := orch.Execute(ctx, job.ID); err != nil {
			log.Errorf("executing scheduled job %s: %s", job.ID, err)
			continue
		}
		n++
	}
	schedulerRuns.WithLabelValues("execute", "ok").Inc()
	return n, nil
}

// SendReminders notifies once for each pending job whose execution is
// within the reminder lead time.
func (s *Scheduler) SendReminders(ctx context.Context, conf Config) (int, error) {
	if conf.ReminderLeadHours <= 0 {
		return 0, nil
	}
	now := s.now()
	horizon := now.Add(time.Duration(conf.ReminderLeadHours) * time.Hour)
	jobs, err := s.jobs.List(ctx, Query{Status: StatusPending, ScheduledBefore: &horizon, ReminderUnsent: true})
	if err != nil {
		return 0, storeErr("listing reminder jobs", err)
	}
	var n int
	for _, job := range jobs {
		if !job.ScheduledFor.After(now) {
			// Due now; the execute pass reports it.
			continue
		}
		identity, err := s.identities.GetIdentity(ctx, job.IdentityID)
		if err != nil {
			log.Errorf("loading identity %s for reminder: %s", job.IdentityID, err)
			continue
		}
		s.notifier.JobReminder(ctx, conf.Notify, job, identity)
		if err := s.jobs.MarkReminderSent(ctx, job.ID, now); err != nil {
			log.Errorf("marking reminder sent for job %s: %s", job.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// FailedJob is a failed job summary in a digest.
type FailedJob struct {
	JobID        string `json:"jobId"`
	IdentityID   string `json:"identityId"`
	IdentityName string `json:"identityName"`
	Error        string `json:"error"`
}

// Digest summarizes decommission activity.
type Digest struct {
	GeneratedAt       time.Time   `json:"generatedAt"`
	Completed         int         `json:"completed"`
	Pending           int         `json:"pending"`
	ExecutingToday    int         `json:"executingToday"`
	ScheduledThisWeek int         `json:"scheduledThisWeek"`
	FailedTotal       int         `json:"failedTotal"`
	Failed            []FailedJob `json:"failed"`
}

// Empty reports whether there is nothing to tell.
func (d *Digest) Empty() bool {
	return d.Completed == 0 && d.Pending == 0 && d.FailedTotal == 0
}

// BuildDigest summarizes the last day of activity and the upcoming week.
func (s *Scheduler) BuildDigest(ctx context.Context) (*Digest, error) {
	now := s.now()
	d := &Digest{GeneratedAt: now}

	yesterday := now.Add(-24 * time.Hour)
	completed, err := s.jobs.List(ctx, Query{Status: StatusCompleted, CompletedSince: &yesterday})
	if err != nil {
		return nil, storeErr("listing completed jobs", err)
	}
	d.Completed = len(completed)

	pending, err := s.jobs.List(ctx, Query{Status: StatusPending})
	if err != nil {
		return nil, storeErr("listing pending jobs", err)
	}
	d.Pending = len(pending)
	y, m, day := now.Date()
	endOfDay := time.Date(y, m, day+1, 0, 0, 0, 0, now.Location())
	endOfWeek := now.Add(7 * 24 * time.Hour)
	for _, j := range pending {
		if j.ScheduledFor == nil {
			continue
		}
		if j.ScheduledFor.Before(endOfDay) {
			d.ExecutingToday++
		}
		if j.ScheduledFor.Before(endOfWeek) {
			d.ScheduledThisWeek++
		}
	}

	failed, err := s.jobs.List(ctx, Query{Status: StatusFailed})
	if err != nil {
		return nil, storeErr("listing failed jobs", err)
	}
	d.FailedTotal = len(failed)
	sort.SliceStable(failed, func(i, j int) bool {
		return completedAt(failed[i]).After(completedAt(failed[j]))
	})
	for i, j := range failed {
		if i == digestFailedLimit {
			break
		}
		fj := FailedJob{JobID: j.ID, IdentityID: j.IdentityID, Error: j.FirstError()}
		if identity, err := s.identities.GetIdentity(ctx, j.IdentityID); err == nil {
			fj.IdentityName = identity.Name
		}
		d.Failed = append(d.Failed, fj)
	}
	return d, nil
}

// SendDigest builds and dispatches the digest when enabled.
func (s *Scheduler) SendDigest(ctx context.Context, conf Config) (*Digest, error) {
	if !conf.Notify.Digest {
		return nil, nil
	}
	d, err := s.BuildDigest(ctx)
	if err != nil {
		schedulerRuns.WithLabelValues("digest", "error").Inc()
		return nil, err
	}
	s.notifier.Digest(ctx, conf.Notify, d)
	schedulerRuns.WithLabelValues("digest", "ok").Inc()
	return d, nil
}

func completedAt(j *Job) time.Time {
	if j.CompletedAt == nil {
		return time.Time{}
	}
	return *j.CompletedAt
}
