package cloud

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/idfleet/idfleet/decommission/cleanup"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeHetzner serves a single server that disappears after a number of
// lookups following its deletion.
type fakeHetzner struct {
	lk         sync.Mutex
	exists     bool
	deleted    bool
	lingerGets int
}

func (f *fakeHetzner) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.lk.Lock()
	defer f.lk.Unlock()
	w.Header().Set("Content-Type", "application/json")
	if r.URL.Path != "/servers/42" || !f.exists {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"not_found","message":"server not found"}}`)
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := "running"
		if f.deleted {
			status = "deleting"
			f.lingerGets--
			if f.lingerGets < 0 {
				f.exists = false
				w.WriteHeader(http.StatusNotFound)
				fmt.Fprint(w, `{"error":{"code":"not_found","message":"server not found"}}`)
				return
			}
		}
		fmt.Fprintf(w, `{"server":{"id":42,"name":"jane","status":%q,"created":"2026-01-01T00:00:00+00:00","public_net":{},"server_type":{},"datacenter":{"location":{}}}}`, status)
	case http.MethodDelete:
		f.deleted = true
		fmt.Fprint(w, `{"action":{"id":7,"command":"delete_server","status":"running","progress":0,"started":"2026-01-01T00:00:00+00:00","resources":[{"id":42,"type":"server"}]}}`)
	}
}

func newTestClient(t *testing.T, f *fakeHetzner) *Client {
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	c, err := NewClient(Config{Token: "token", Endpoint: srv.URL})
	require.NoError(t, err)
	return c
}

func TestClient_DeleteServer(t *testing.T) {
	ctx := context.Background()
	f := &fakeHetzner{exists: true, lingerGets: 1}
	c := newTestClient(t, f)

	exists, err := c.ServerExists(ctx, "42")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.DeleteServer(ctx, "42"))
	exists, err = c.ServerExists(ctx, "42")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = c.ServerExists(ctx, "42")
	require.ErrorIs(t, err, cleanup.ErrNotFound)
	err = c.DeleteServer(ctx, "42")
	require.ErrorIs(t, err, cleanup.ErrNotFound)
}

func TestClient_InvalidID(t *testing.T) {
	c := newTestClient(t, &fakeHetzner{})
	err := c.DeleteServer(context.Background(), "not-a-number")
	require.Error(t, err)
	assert.NotErrorIs(t, err, cleanup.ErrNotFound)
}

func TestComputeHandler(t *testing.T) {
	f := &fakeHetzner{exists: true, lingerGets: 2}
	h := cleanup.NewComputeHandler(newTestClient(t, f))
	h.PollInterval = time.Millisecond
	h.VerifyTimeout = 5 * time.Second

	res := h.Cleanup(context.Background(), cleanup.Resources{ServerID: "42"})
	assert.True(t, res.Success)
	assert.True(t, res.Verified)
	assert.Empty(t, res.Error)
}
