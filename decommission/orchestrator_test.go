package decommission_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	. "github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/idfleet/idfleet/decommission/decomtest"
	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	logging.SetAllLoggers(logging.LevelError)
	os.Exit(m.Run())
}

type env struct {
	jobs     *decomtest.JobStore
	fleet    *decomtest.Fleet
	notifier *decomtest.Notifier
	orch     *Orchestrator
	calls    map[ResourceKind]*int32
	results  map[ResourceKind]cleanup.Result
	now      time.Time
}

func (e *env) handler(kind ResourceKind) cleanup.Handler {
	var n int32
	e.calls[kind] = &n
	return cleanup.HandlerFunc(func(ctx context.Context, res cleanup.Resources) cleanup.Result {
		atomic.AddInt32(&n, 1)
		if r, ok := e.results[kind]; ok {
			return r
		}
		return cleanup.Result{Success: true, Verified: true}
	})
}

func (e *env) count(kind ResourceKind) int {
	return int(atomic.LoadInt32(e.calls[kind]))
}

func newEnv(t *testing.T) *env {
	e := &env{
		jobs:     decomtest.NewJobStore(),
		fleet:    decomtest.NewFleet(),
		notifier: &decomtest.Notifier{},
		calls:    make(map[ResourceKind]*int32),
		results:  make(map[ResourceKind]cleanup.Result),
		now:      time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	conf := DefaultConfig()
	conf.HandlerTimeout = time.Second
	e.orch = NewOrchestrator(e.jobs, e.fleet, Handlers{
		Compute: e.handler(KindCompute),
		Domain:  e.handler(KindDomain),
		Profile: e.handler(KindProfile),
		Account: e.handler(KindAccount),
	}, e.notifier, conf, WithClock(func() time.Time { return e.now }))
	return e
}

var allResources = cleanup.Resources{
	ServerID:   "101",
	Domain:     "persona-one.com",
	ProfileID:  "prof-1",
	AccountIDs: []string{"act-1", "act-2"},
}

func TestStart(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{ServerID: "101", AccountIDs: []string{"a"}})

	job, err := e.orch.Start(ctx, "id1", StartOptions{TriggeredBy: "ops@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, TriggerManual, job.TriggerType)
	assert.Equal(t, JobTypeArchive, job.JobType)
	assert.Equal(t, e.now, job.TriggeredAt)
	want := ResourceStatus{Compute: StatePending, Domain: StateSkipped, Profile: StateSkipped, Account: StatePending}
	if diff := cmp.Diff(want, job.ResourceStatus); diff != "" {
		t.Fatalf("resource status mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, e.notifier.Events("scheduled"))

	_, err = e.orch.Start(ctx, "missing", StartOptions{})
	require.True(t, errors.Is(err, ErrInvalidArgument))
	require.False(t, errors.Is(err, ErrNotFound))

	_, err = e.orch.Start(ctx, "", StartOptions{})
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = e.orch.Start(ctx, "id1", StartOptions{TriggerType: "bogus"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestStart_Scheduled(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	at := e.now.Add(72 * time.Hour)
	job, err := e.orch.Start(ctx, "id1", StartOptions{ScheduledFor: &at})
	require.NoError(t, err)
	require.NotNil(t, job.ScheduledFor)
	assert.Equal(t, at, *job.ScheduledFor)

	events := e.notifier.Events("scheduled")
	require.Len(t, events, 1)
	assert.Equal(t, "Persona One", events[0].Name)
	assert.Equal(t, job.ID, events[0].Job.ID)
}

func TestStart_AlreadyActive(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)

	first, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	_, err = e.orch.Start(ctx, "id1", StartOptions{})
	require.True(t, errors.Is(err, ErrAlreadyActive))

	_, err = e.orch.Execute(ctx, first.ID)
	require.NoError(t, err)
	_, err = e.orch.Start(ctx, "id1", StartOptions{})
	require.True(t, errors.Is(err, ErrAlreadyActive), "completed jobs are not superseded")
}

func TestStart_ResetsFailedJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	e.results[KindCompute] = cleanup.Result{Error: "api down"}

	job, err := e.orch.Start(ctx, "id1", StartOptions{TriggerType: TriggerBanned})
	require.NoError(t, err)
	failed, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	reset, err := e.orch.Start(ctx, "id1", StartOptions{JobType: JobTypeDelete})
	require.NoError(t, err)
	assert.Equal(t, job.ID, reset.ID)
	assert.Equal(t, StatusPending, reset.Status)
	assert.Equal(t, TriggerManual, reset.TriggerType)
	assert.Equal(t, JobTypeDelete, reset.JobType)
	assert.Empty(t, reset.ErrorMessage)
	assert.Nil(t, reset.CompletedAt)
	assert.Equal(t, InitialResourceStatus(allResources), reset.ResourceStatus)
}

func TestStart_ResetsCancelledJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	_, err = e.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	reset, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, job.ID, reset.ID)
	assert.Equal(t, StatusPending, reset.Status)
}

func TestExecute_NoResources(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Empty", cleanup.Resources{})

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	want := ResourceStatus{Compute: StateSkipped, Domain: StateSkipped, Profile: StateSkipped, Account: StateSkipped}
	assert.Equal(t, want, done.ResourceStatus)
	for _, k := range Kinds {
		assert.Equal(t, 0, e.count(k), "handler %s should not run", k)
	}
}

func TestExecute_Completed(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Empty(t, done.ErrorMessage)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, e.now, *done.CompletedAt)
	for _, k := range Kinds {
		assert.Equal(t, StateCompleted, done.ResourceStatus.Get(k))
		assert.Equal(t, 1, e.count(k))
	}

	identity, err := e.fleet.GetIdentity(ctx, "id1")
	require.NoError(t, err)
	assert.True(t, identity.Archived)
	require.NotNil(t, identity.DecommissionedAt)
	assert.Equal(t, e.now, *identity.DecommissionedAt)
	archivedAt, ok := e.fleet.ArchivedAt("id1")
	assert.True(t, ok)
	assert.Equal(t, e.now, archivedAt)

	events := e.notifier.Events(string(StatusCompleted))
	require.Len(t, events, 1)
	assert.Equal(t, "Persona One", events[0].Name)
}

func TestExecute_DeleteJobDoesNotSetArchivedAt(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	job, err := e.orch.Start(ctx, "id1", StartOptions{JobType: JobTypeDelete})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)

	identity, err := e.fleet.GetIdentity(ctx, "id1")
	require.NoError(t, err)
	assert.True(t, identity.Archived)
	_, ok := e.fleet.ArchivedAt("id1")
	assert.False(t, ok)
}

func TestExecute_PartialFailure(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{ServerID: "101", Domain: "persona-one.com"})
	e.results[KindCompute] = cleanup.Result{Error: "api down"}

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	want := ResourceStatus{Compute: StateFailed, Domain: StateCompleted, Profile: StateSkipped, Account: StateSkipped}
	assert.Equal(t, want, done.ResourceStatus)
	assert.Equal(t, "compute: api down", done.ErrorMessage)
	assert.Equal(t, 1, e.count(KindDomain), "later handlers still run")

	identity, err := e.fleet.GetIdentity(ctx, "id1")
	require.NoError(t, err)
	assert.False(t, identity.Archived)
	assert.Nil(t, identity.DecommissionedAt)
	assert.Len(t, e.notifier.Events(string(StatusFailed)), 1)
}

func TestExecute_ErrorsAreNewlineJoined(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	e.results[KindCompute] = cleanup.Result{Error: "api down"}
	e.results[KindDomain] = cleanup.Result{Success: true, Error: "auto-renew still enabled"}
	e.results[KindProfile] = cleanup.Result{Success: true}

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "compute: api down\ndomain: auto-renew still enabled\nprofile: cleanup not verified", done.ErrorMessage)
	assert.Equal(t, "compute: api down", done.FirstError())
	assert.Equal(t, StateCompleted, done.ResourceStatus.Account)
}

func TestExecute_HandlerTimeout(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{ServerID: "101"})
	conf := DefaultConfig()
	conf.HandlerTimeout = 20 * time.Millisecond
	orch := NewOrchestrator(e.jobs, e.fleet, Handlers{
		Compute: cleanup.HandlerFunc(func(ctx context.Context, _ cleanup.Resources) cleanup.Result {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return cleanup.Result{Success: true, Verified: true}
		}),
	}, nil, conf)

	job, err := orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, StateFailed, done.ResourceStatus.Compute)
	assert.Equal(t, "compute: timeout", done.ErrorMessage)
}

func TestExecute_HandlerPanicFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{ServerID: "101", ProfileID: "p"})
	orch := NewOrchestrator(e.jobs, e.fleet, Handlers{
		Compute: cleanup.HandlerFunc(func(context.Context, cleanup.Resources) cleanup.Result {
			panic("nil map")
		}),
		Profile: e.handler(KindProfile),
	}, nil, e.orch.Config())

	job, err := orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, StateFailed, done.ResourceStatus.Compute)
	assert.Equal(t, StateCompleted, done.ResourceStatus.Profile)
	assert.Contains(t, done.ErrorMessage, "compute: panic: nil map")
}

func TestExecute_MissingHandler(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{Domain: "persona-one.com"})
	orch := NewOrchestrator(e.jobs, e.fleet, Handlers{}, nil, e.orch.Config())
	job, err := orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "domain: no handler configured", done.ErrorMessage)
}

func TestExecute_InvalidState(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)

	_, err := e.orch.Execute(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	_, err = e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	_, err = e.orch.Execute(ctx, job.ID)
	require.True(t, errors.Is(err, ErrInvalidState))
}

func TestExecute_MarkFailureFailsJob(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	e.fleet.FailMarking(errors.New("write conflict"))

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	done, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, done.Status)
	assert.Equal(t, "identity: write conflict", done.ErrorMessage)
}

func TestExecute_IdempotentRerun(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)

	for i := 0; i < 2; i++ {
		// A fresh orchestrator models a process restart between runs.
		orch := e.orch.WithConfig(e.orch.Config())
		job, err := e.jobs.GetByIdentity(ctx, "id1")
		if errors.Is(err, ErrNotFound) {
			job, err = orch.Start(ctx, "id1", StartOptions{})
		} else {
			job.Status = StatusPending
			job.ResourceStatus = InitialResourceStatus(allResources)
			e.jobs.Put(job)
		}
		require.NoError(t, err)
		done, err := orch.Execute(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, done.Status)
	}
}

func TestExecute_ConcurrentClaim(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)

	const n = 8
	var wg sync.WaitGroup
	var ok, invalid int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.orch.Execute(ctx, job.ID)
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.Is(err, ErrInvalidState):
				atomic.AddInt32(&invalid, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok)
	assert.Equal(t, int32(n-1), invalid)
	for _, k := range Kinds {
		assert.Equal(t, 1, e.count(k))
	}
}

func TestExecute_CallerCancellationStillFinishes(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", cleanup.Resources{ServerID: "1"})
	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	done, err := e.orch.Execute(cctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
}

func TestCancel(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)

	job, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	cancelled, err := e.orch.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = e.orch.Cancel(ctx, job.ID)
	require.True(t, errors.Is(err, ErrInvalidState))
	_, err = e.orch.Execute(ctx, job.ID)
	require.True(t, errors.Is(err, ErrInvalidState))
	_, err = e.orch.Cancel(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestRetry(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	e.results[KindProfile] = cleanup.Result{Error: "503"}

	job, err := e.orch.Start(ctx, "id1", StartOptions{TriggerType: TriggerAppealTimeout, TriggeredBy: "scheduler"})
	require.NoError(t, err)

	_, err = e.orch.Retry(ctx, job.ID)
	require.True(t, errors.Is(err, ErrInvalidState), "pending jobs cannot be retried")

	failed, err := e.orch.Execute(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)

	delete(e.results, KindProfile)
	done, err := e.orch.Retry(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, done.ID)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, TriggerAppealTimeout, done.TriggerType)
	assert.Equal(t, "scheduler", done.TriggeredBy)
	assert.Equal(t, 2, e.count(KindCompute), "every kind is attempted again")

	_, err = e.orch.Retry(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestHandleBan(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "Persona One", allResources)
	e.fleet.AddIdentity("id2", "Persona Two", allResources)

	done, err := e.orch.HandleBan(ctx, "id1", "platform-webhook")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, TriggerBanned, done.TriggerType)
	assert.Nil(t, done.ScheduledFor)

	// A scheduled job runs right away.
	at := e.now.Add(72 * time.Hour)
	job, err := e.orch.Start(ctx, "id2", StartOptions{TriggerType: TriggerSuspendedTimeout, ScheduledFor: &at})
	require.NoError(t, err)
	done, err = e.orch.HandleBan(ctx, "id2", "platform-webhook")
	require.NoError(t, err)
	assert.Equal(t, job.ID, done.ID)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = e.orch.HandleBan(ctx, "id1", "platform-webhook")
	require.True(t, errors.Is(err, ErrAlreadyActive))
}

func TestList(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	e.fleet.AddIdentity("id1", "One", allResources)
	e.fleet.AddIdentity("id2", "Two", allResources)
	j1, err := e.orch.Start(ctx, "id1", StartOptions{})
	require.NoError(t, err)
	e.now = e.now.Add(time.Minute)
	_, err = e.orch.Start(ctx, "id2", StartOptions{})
	require.NoError(t, err)
	_, err = e.orch.Cancel(ctx, j1.ID)
	require.NoError(t, err)

	all, err := e.orch.List(ctx, ListOptions{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "id2", all[0].IdentityID)

	cancelled, err := e.orch.List(ctx, ListOptions{Status: StatusCancelled})
	require.NoError(t, err)
	require.Len(t, cancelled, 1)
	assert.Equal(t, j1.ID, cancelled[0].ID)

	_, err = e.orch.List(ctx, ListOptions{Status: "nope"})
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestRecoverStale(t *testing.T) {
	t.Parallel()
	e := newEnv(t)
	started := e.now.Add(-time.Hour)
	e.jobs.Put(&Job{
		ID:             "stale",
		IdentityID:     "id1",
		Status:         StatusInProgress,
		StartedAt:      &started,
		ResourceStatus: ResourceStatus{Compute: StateCompleted, Domain: StatePending, Profile: StateSkipped, Account: StatePending},
	})

	n, err := e.orch.RecoverStale(ctx, e.now.Add(-30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, err := e.orch.Get(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, ResourceStatus{Compute: StateCompleted, Domain: StateFailed, Profile: StateSkipped, Account: StateFailed}, job.ResourceStatus)
	assert.Equal(t, "interrupted before completion", job.ErrorMessage)

	n, err = e.orch.RecoverStale(ctx, e.now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
