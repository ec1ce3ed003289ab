package cleanup

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func TestRun_Timeout(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, res Resources) Result {
		<-ctx.Done()
		time.Sleep(10 * time.Millisecond)
		return Result{Success: true, Verified: true}
	})
	r := Run(ctx, h, Resources{}, 20*time.Millisecond)
	assert.False(t, r.Success)
	assert.False(t, r.Verified)
	assert.Equal(t, "timeout", r.Error)
}

func TestRun_Panic(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, res Resources) Result {
		panic("boom")
	})
	r := Run(ctx, h, Resources{}, time.Second)
	assert.False(t, r.Done())
	assert.Equal(t, "panic: boom", r.Error)
}

func TestRun_Passthrough(t *testing.T) {
	t.Parallel()
	h := HandlerFunc(func(ctx context.Context, res Resources) Result {
		return Result{Success: true, Verified: true, Details: []string{res.IdentityID}}
	})
	r := Run(ctx, h, Resources{IdentityID: "id1"}, time.Second)
	assert.True(t, r.Done())
	assert.Equal(t, []string{"id1"}, r.Details)
}

type fakeCompute struct {
	lk         sync.Mutex
	servers    map[string]int // remaining polls before the server disappears
	deleteErr  error
	deleteHits int
}

func (f *fakeCompute) DeleteServer(_ context.Context, id string) error {
	f.lk.Lock()
	defer f.lk.Unlock()
	f.deleteHits++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if _, ok := f.servers[id]; !ok {
		return ErrNotFound
	}
	return nil
}

func (f *fakeCompute) ServerExists(_ context.Context, id string) (bool, error) {
	f.lk.Lock()
	defer f.lk.Unlock()
	n, ok := f.servers[id]
	if !ok {
		return false, nil
	}
	if n <= 0 {
		delete(f.servers, id)
		return false, nil
	}
	f.servers[id] = n - 1
	return true, nil
}

func newComputeHandler(p ComputeProvider) *ComputeHandler {
	h := NewComputeHandler(p)
	h.PollInterval = time.Millisecond
	h.VerifyTimeout = 200 * time.Millisecond
	return h
}

func TestCompute(t *testing.T) {
	t.Parallel()

	t.Run("no server", func(t *testing.T) {
		p := &fakeCompute{}
		r := newComputeHandler(p).Cleanup(ctx, Resources{})
		assert.True(t, r.Done())
		assert.Equal(t, 0, p.deleteHits)
	})

	t.Run("deleted after polling", func(t *testing.T) {
		p := &fakeCompute{servers: map[string]int{"42": 3}}
		r := newComputeHandler(p).Cleanup(ctx, Resources{ServerID: "42"})
		require.True(t, r.Done(), r.Error)
	})

	t.Run("already gone", func(t *testing.T) {
		p := &fakeCompute{servers: map[string]int{}}
		h := newComputeHandler(p)
		r := h.Cleanup(ctx, Resources{ServerID: "42"})
		require.True(t, r.Done())
		r = h.Cleanup(ctx, Resources{ServerID: "42"})
		require.True(t, r.Done())
	})

	t.Run("delete error", func(t *testing.T) {
		p := &fakeCompute{deleteErr: errors.New("api down")}
		r := newComputeHandler(p).Cleanup(ctx, Resources{ServerID: "42"})
		assert.False(t, r.Success)
		assert.Contains(t, r.Error, "api down")
	})

	t.Run("never disappears", func(t *testing.T) {
		p := &fakeCompute{servers: map[string]int{"42": 1 << 20}}
		r := newComputeHandler(p).Cleanup(ctx, Resources{ServerID: "42"})
		assert.True(t, r.Success)
		assert.False(t, r.Verified)
		assert.Contains(t, r.Error, "still present")
	})
}

type fakeRegistrar struct {
	disableErr error
	state      AutoRenewState
	readErr    error
}

func (f *fakeRegistrar) DisableAutoRenew(context.Context, string) error {
	return f.disableErr
}

func (f *fakeRegistrar) AutoRenew(context.Context, string) (AutoRenewState, error) {
	return f.state, f.readErr
}

type fakeRecords struct {
	deleted int
	err     error
}

func (f *fakeRecords) DeleteRecords(context.Context, string, string) (int, error) {
	return f.deleted, f.err
}

func TestDomain(t *testing.T) {
	t.Parallel()
	res := Resources{Domain: "example.com", ServerIP: "10.0.0.1"}

	tests := []struct {
		name      string
		registrar *fakeRegistrar
		records   *fakeRecords
		res       Resources
		success   bool
		verified  bool
		manual    bool
		errSubstr string
	}{
		{
			name:      "no domain",
			registrar: &fakeRegistrar{},
			res:       Resources{},
			success:   true,
			verified:  true,
		},
		{
			name:      "confirmed off",
			registrar: &fakeRegistrar{state: AutoRenewOff},
			records:   &fakeRecords{deleted: 2},
			res:       res,
			success:   true,
			verified:  true,
		},
		{
			name:      "still on",
			registrar: &fakeRegistrar{state: AutoRenewOn},
			res:       res,
			success:   true,
			errSubstr: "manual intervention",
		},
		{
			name:      "unreadable",
			registrar: &fakeRegistrar{readErr: errors.New("forbidden")},
			res:       res,
			success:   true,
			manual:    true,
			errSubstr: "manual intervention",
		},
		{
			name:      "not at registrar",
			registrar: &fakeRegistrar{disableErr: ErrNotFound},
			res:       res,
			success:   true,
			verified:  true,
		},
		{
			name:      "disable fails",
			registrar: &fakeRegistrar{disableErr: errors.New("rate limited")},
			res:       res,
			manual:    true,
			errSubstr: "rate limited",
		},
		{
			name:      "disable rejected but already off",
			registrar: &fakeRegistrar{disableErr: errors.New("auto-renew already disabled"), state: AutoRenewOff},
			res:       res,
			success:   true,
			verified:  true,
		},
		{
			name:      "disable rejected and still on",
			registrar: &fakeRegistrar{disableErr: errors.New("no toggle"), state: AutoRenewOn},
			res:       res,
			manual:    true,
			errSubstr: "auto-renew is on, manual intervention",
		},
		{
			name:      "invalid name",
			registrar: &fakeRegistrar{},
			res:       Resources{Domain: "not a domain"},
			errSubstr: "invalid domain",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			var rc RecordCleaner
			if tt.records != nil {
				rc = tt.records
			}
			r := NewDomainHandler(tt.registrar, rc).Cleanup(ctx, tt.res)
			assert.Equal(t, tt.success, r.Success)
			assert.Equal(t, tt.verified, r.Verified)
			assert.Equal(t, tt.manual, r.NeedsManual)
			if tt.errSubstr != "" {
				assert.Contains(t, r.Error, tt.errSubstr)
			} else {
				assert.Empty(t, r.Error)
			}
		})
	}
}

func TestDomain_DisableRejectedKeepsDetail(t *testing.T) {
	t.Parallel()
	h := NewDomainHandler(&fakeRegistrar{disableErr: errors.New("auto-renew already disabled"), state: AutoRenewOff}, nil)
	r := h.Cleanup(ctx, Resources{Domain: "example.com"})
	require.True(t, r.Done(), r.Error)
	require.Len(t, r.Details, 1)
	assert.Contains(t, r.Details[0], "auto-renew already disabled")
}

func TestDomain_RecordFailureIsBestEffort(t *testing.T) {
	t.Parallel()
	h := NewDomainHandler(&fakeRegistrar{state: AutoRenewOff}, &fakeRecords{err: errors.New("zone locked")})
	r := h.Cleanup(ctx, Resources{Domain: "example.com", ServerIP: "10.0.0.1"})
	require.True(t, r.Done())
	require.Len(t, r.Details, 1)
	assert.Contains(t, r.Details[0], "zone locked")
}

type fakeProfiles struct {
	profiles  map[string]bool
	deleteErr error
	records   map[string]bool
}

func (f *fakeProfiles) DeleteProfile(_ context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	if !f.profiles[id] {
		return ErrNotFound
	}
	delete(f.profiles, id)
	return nil
}

func (f *fakeProfiles) ProfileExists(_ context.Context, id string) (bool, error) {
	if !f.profiles[id] {
		return false, ErrNotFound
	}
	return true, nil
}

func (f *fakeProfiles) DeleteProfileRecord(_ context.Context, id string) error {
	if !f.records[id] {
		return ErrNotFound
	}
	delete(f.records, id)
	return nil
}

func TestProfile(t *testing.T) {
	t.Parallel()

	f := &fakeProfiles{
		profiles: map[string]bool{"p1": true},
		records:  map[string]bool{"p1": true},
	}
	h := NewProfileHandler(f, f)
	r := h.Cleanup(ctx, Resources{ProfileID: "p1"})
	require.True(t, r.Done(), r.Error)
	assert.Empty(t, f.profiles)
	assert.Empty(t, f.records)

	// Second run sees 404s everywhere.
	r = h.Cleanup(ctx, Resources{ProfileID: "p1"})
	require.True(t, r.Done(), r.Error)

	r = h.Cleanup(ctx, Resources{})
	require.True(t, r.Done())

	f.deleteErr = errors.New("503")
	r = h.Cleanup(ctx, Resources{ProfileID: "p2"})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "503")
}

type fakeAccounts struct {
	archived map[string]bool
	failOn   string
	audits   []AuditEntry
	auditErr error
}

func (f *fakeAccounts) ArchiveAccount(_ context.Context, id string) (bool, error) {
	if id == f.failOn {
		return false, errors.New("write conflict")
	}
	if f.archived[id] {
		return false, nil
	}
	f.archived[id] = true
	return true, nil
}

func (f *fakeAccounts) RecordAudit(_ context.Context, e AuditEntry) error {
	if f.auditErr != nil {
		return f.auditErr
	}
	for _, a := range f.audits {
		if a.AccountID == e.AccountID && a.Action == e.Action {
			return nil
		}
	}
	f.audits = append(f.audits, e)
	return nil
}

func TestAccount(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	f := &fakeAccounts{archived: map[string]bool{"a2": true}}
	h := NewAccountHandler(f, f, WithAuditClock(func() time.Time { return at }))
	r := h.Cleanup(ctx, Resources{IdentityID: "id1", AccountIDs: []string{"a1", "a2"}})
	require.True(t, r.Done(), r.Error)
	require.Len(t, f.audits, 2)
	assert.Equal(t, "a1", f.audits[0].AccountID)
	assert.Equal(t, "id1", f.audits[0].IdentityID)
	assert.Equal(t, AuditActionArchive, f.audits[0].Action)
	assert.Equal(t, at, f.audits[0].CreatedAt)
	assert.Equal(t, []string{"account a2 already archived"}, r.Details)

	r = h.Cleanup(ctx, Resources{IdentityID: "id1", AccountIDs: []string{"a1", "a2"}})
	require.True(t, r.Done(), r.Error)
	assert.Len(t, f.audits, 2)

	r = h.Cleanup(ctx, Resources{})
	require.True(t, r.Done())

	f.failOn = "a3"
	r = h.Cleanup(ctx, Resources{AccountIDs: []string{"a3", "a4"}})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "archiving account a3")
	assert.True(t, f.archived["a4"])

	f.failOn = ""
	f.auditErr = errors.New("audit down")
	r = h.Cleanup(ctx, Resources{AccountIDs: []string{"a5"}})
	assert.False(t, r.Success)
	assert.Contains(t, r.Error, "audit down")
}

func TestAccount_RetryWritesMissingAudit(t *testing.T) {
	t.Parallel()
	f := &fakeAccounts{archived: map[string]bool{}, auditErr: errors.New("audit down")}
	h := NewAccountHandler(f, f)
	res := Resources{IdentityID: "id1", AccountIDs: []string{"a1"}}

	r := h.Cleanup(ctx, res)
	require.False(t, r.Done())
	assert.Contains(t, r.Error, "auditing account a1: audit down")
	require.True(t, f.archived["a1"])

	f.auditErr = nil
	r = h.Cleanup(ctx, res)
	require.True(t, r.Done(), r.Error)
	require.Len(t, f.audits, 1)
	assert.Equal(t, "a1", f.audits[0].AccountID)
}
