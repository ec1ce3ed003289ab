// Package decomtest provides in-memory stores and a recording notifier for
// exercising the decommission orchestrator without external services.
package decomtest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/decommission/cleanup"
)

// JobStore is an in-memory decommission.JobStore.
type JobStore struct {
	lk         sync.Mutex
	byID       map[string]*decommission.Job
	byIdentity map[string]string
}

var _ decommission.JobStore = (*JobStore)(nil)

func NewJobStore() *JobStore {
	return &JobStore{
		byID:       make(map[string]*decommission.Job),
		byIdentity: make(map[string]string),
	}
}

func (s *JobStore) Upsert(_ context.Context, job *decommission.Job) (*decommission.Job, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	if id, ok := s.byIdentity[job.IdentityID]; ok {
		existing := s.byID[id]
		if existing.Status.Active() {
			return nil, fmt.Errorf("job %s is %s: %w", existing.ID, existing.Status, decommission.ErrAlreadyActive)
		}
		reset := copyJob(job)
		reset.ID = existing.ID
		s.byID[existing.ID] = reset
		return copyJob(reset), nil
	}
	s.byID[job.ID] = copyJob(job)
	s.byIdentity[job.IdentityID] = job.ID
	return copyJob(job), nil
}

func (s *JobStore) Get(_ context.Context, id string) (*decommission.Job, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, decommission.ErrNotFound
	}
	return copyJob(j), nil
}

func (s *JobStore) GetByIdentity(_ context.Context, identityID string) (*decommission.Job, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	id, ok := s.byIdentity[identityID]
	if !ok {
		return nil, decommission.ErrNotFound
	}
	return copyJob(s.byID[id]), nil
}

func (s *JobStore) List(_ context.Context, q decommission.Query) ([]*decommission.Job, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	var out []*decommission.Job
	for _, j := range s.byID {
		if q.Status != "" && j.Status != q.Status {
			continue
		}
		if q.ScheduledBefore != nil && (j.ScheduledFor == nil || j.ScheduledFor.After(*q.ScheduledBefore)) {
			continue
		}
		if q.StartedBefore != nil && (j.StartedAt == nil || !j.StartedAt.Before(*q.StartedBefore)) {
			continue
		}
		if q.CompletedSince != nil && (j.CompletedAt == nil || j.CompletedAt.Before(*q.CompletedSince)) {
			continue
		}
		if q.ReminderUnsent && j.ReminderSentAt != nil {
			continue
		}
		out = append(out, copyJob(j))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].TriggeredAt.After(out[j].TriggeredAt)
		}
		return out[i].ID > out[j].ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *JobStore) transition(id string, from, to decommission.Status, fn func(*decommission.Job)) (*decommission.Job, error) {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return nil, decommission.ErrNotFound
	}
	if j.Status != from {
		return nil, fmt.Errorf("job %s is %s, must be %s: %w", id, j.Status, from, decommission.ErrInvalidState)
	}
	j.Status = to
	if fn != nil {
		fn(j)
	}
	return copyJob(j), nil
}

func (s *JobStore) Claim(_ context.Context, id string, at time.Time) (*decommission.Job, error) {
	return s.transition(id, decommission.StatusPending, decommission.StatusInProgress, func(j *decommission.Job) {
		j.StartedAt = &at
	})
}

func (s *JobStore) Cancel(_ context.Context, id string) (*decommission.Job, error) {
	return s.transition(id, decommission.StatusPending, decommission.StatusCancelled, nil)
}

func (s *JobStore) SetResourceState(_ context.Context, id string, kind decommission.ResourceKind, state decommission.ResourceState) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return decommission.ErrNotFound
	}
	j.ResourceStatus.Set(kind, state)
	return nil
}

func (s *JobStore) Finish(_ context.Context, id string, f decommission.Finish) (*decommission.Job, error) {
	return s.transition(id, decommission.StatusInProgress, f.Status, func(j *decommission.Job) {
		at := f.CompletedAt
		j.ResourceStatus = f.ResourceStatus
		j.ErrorMessage = f.ErrorMessage
		j.CompletedAt = &at
	})
}

func (s *JobStore) MarkReminderSent(_ context.Context, id string, at time.Time) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	j, ok := s.byID[id]
	if !ok {
		return decommission.ErrNotFound
	}
	j.ReminderSentAt = &at
	return nil
}

// Put stores a job as is, for setting up fixtures.
func (s *JobStore) Put(job *decommission.Job) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.byID[job.ID] = copyJob(job)
	s.byIdentity[job.IdentityID] = job.ID
}

func copyJob(j *decommission.Job) *decommission.Job {
	cp := *j
	cp.ScheduledFor = copyTime(j.ScheduledFor)
	cp.StartedAt = copyTime(j.StartedAt)
	cp.ReminderSentAt = copyTime(j.ReminderSentAt)
	cp.CompletedAt = copyTime(j.CompletedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Fleet is an in-memory identity store and candidate source.
type Fleet struct {
	lk         sync.Mutex
	identities map[string]*decommission.Identity
	archivedAt map[string]time.Time
	suspended  []decommission.StateRecord
	appealing  []decommission.StateRecord
	inactive   []decommission.StateRecord
	markErr    error
}

var (
	_ decommission.IdentityStore   = (*Fleet)(nil)
	_ decommission.CandidateSource = (*Fleet)(nil)
)

func NewFleet() *Fleet {
	return &Fleet{
		identities: make(map[string]*decommission.Identity),
		archivedAt: make(map[string]time.Time),
	}
}

// AddIdentity registers an identity owning res.
func (f *Fleet) AddIdentity(id, name string, res cleanup.Resources) {
	f.lk.Lock()
	defer f.lk.Unlock()
	res.IdentityID = id
	f.identities[id] = &decommission.Identity{ID: id, Name: name, Resources: res}
}

// AddSuspended records an account suspended since t for identity id.
func (f *Fleet) AddSuspended(id string, since time.Time) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.suspended = append(f.suspended, f.record(id, since))
}

// AddAppealing records an account in appeal since t for identity id.
func (f *Fleet) AddAppealing(id string, since time.Time) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.appealing = append(f.appealing, f.record(id, since))
}

// AddInactive records identity id as inactive since t.
func (f *Fleet) AddInactive(id string, since time.Time) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.inactive = append(f.inactive, f.record(id, since))
}

// FailMarking makes MarkDecommissioned return err.
func (f *Fleet) FailMarking(err error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.markErr = err
}

// ArchivedAt returns when id was archived, if it was.
func (f *Fleet) ArchivedAt(id string) (time.Time, bool) {
	f.lk.Lock()
	defer f.lk.Unlock()
	t, ok := f.archivedAt[id]
	return t, ok
}

func (f *Fleet) record(id string, since time.Time) decommission.StateRecord {
	r := decommission.StateRecord{IdentityID: id, Since: since}
	if i, ok := f.identities[id]; ok {
		r.Name = i.Name
	}
	return r
}

func (f *Fleet) GetIdentity(_ context.Context, id string) (*decommission.Identity, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	i, ok := f.identities[id]
	if !ok {
		return nil, decommission.ErrNotFound
	}
	cp := *i
	cp.DecommissionedAt = copyTime(i.DecommissionedAt)
	return &cp, nil
}

func (f *Fleet) MarkDecommissioned(_ context.Context, id string, at time.Time, archive bool) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	i, ok := f.identities[id]
	if !ok {
		return decommission.ErrNotFound
	}
	i.DecommissionedAt = &at
	i.Archived = true
	if archive {
		f.archivedAt[id] = at
	}
	return nil
}

func (f *Fleet) filter(recs []decommission.StateRecord, cutoff time.Time) []decommission.StateRecord {
	f.lk.Lock()
	defer f.lk.Unlock()
	var out []decommission.StateRecord
	for _, r := range recs {
		if !r.Since.Before(cutoff) {
			continue
		}
		if i, ok := f.identities[r.IdentityID]; ok {
			r.Retired = i.Archived || i.DecommissionedAt != nil
		}
		out = append(out, r)
	}
	return out
}

func (f *Fleet) SuspendedBefore(_ context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	return f.filter(f.suspended, cutoff), nil
}

func (f *Fleet) AppealingBefore(_ context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	return f.filter(f.appealing, cutoff), nil
}

func (f *Fleet) InactiveBefore(_ context.Context, cutoff time.Time) ([]decommission.StateRecord, error) {
	return f.filter(f.inactive, cutoff), nil
}

// Event is a recorded notification.
type Event struct {
	Kind  string
	Job   *decommission.Job
	Name  string
	Conf  decommission.NotifyConfig
	Extra *decommission.Digest
}

// Notifier records notifications.
type Notifier struct {
	lk     sync.Mutex
	events []Event
}

var _ decommission.Notifier = (*Notifier)(nil)

func (n *Notifier) add(e Event) {
	n.lk.Lock()
	defer n.lk.Unlock()
	n.events = append(n.events, e)
}

func (n *Notifier) JobScheduled(_ context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	n.add(Event{Kind: "scheduled", Job: copyJob(job), Name: identity.Name, Conf: conf})
}

func (n *Notifier) JobReminder(_ context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	n.add(Event{Kind: "reminder", Job: copyJob(job), Name: identity.Name, Conf: conf})
}

func (n *Notifier) JobFinished(_ context.Context, conf decommission.NotifyConfig, job *decommission.Job, identity *decommission.Identity) {
	n.add(Event{Kind: string(job.Status), Job: copyJob(job), Name: identity.Name, Conf: conf})
}

func (n *Notifier) Digest(_ context.Context, conf decommission.NotifyConfig, d *decommission.Digest) {
	n.add(Event{Kind: "digest", Extra: d, Conf: conf})
}

// Events returns recorded events of kind, or all events if kind is empty.
func (n *Notifier) Events(kind string) []Event {
	n.lk.Lock()
	defer n.lk.Unlock()
	var out []Event
	for _, e := range n.events {
		if kind == "" || e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
