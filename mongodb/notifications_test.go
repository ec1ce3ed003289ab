package mongodb_test

import (
	"context"
	"testing"
	"time"

	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/decommission/cleanup"
	. "github.com/idfleet/idfleet/mongodb"
	"github.com/idfleet/idfleet/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestNotifications(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	col, err := NewNotifications(ctx, db)
	require.NoError(t, err)

	now := time.Now()
	err = col.AddNotification(ctx, notify.FeedItem{
		Kind:       notify.KindScheduled,
		Title:      "first",
		JobID:      "j1",
		IdentityID: "id1",
		CreatedAt:  now.Add(-time.Minute),
	})
	require.NoError(t, err)
	err = col.AddNotification(ctx, notify.FeedItem{
		Kind:      notify.KindDigest,
		Title:     "second",
		CreatedAt: now,
	})
	require.NoError(t, err)

	list, err := col.List(ctx, false, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "second", list[0].Title)
	assert.Equal(t, "j1", list[1].JobID)

	require.NoError(t, col.MarkRead(ctx, list[0].ID))
	unread, err := col.List(ctx, true, 0)
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, "first", unread[0].Title)

	err = col.MarkRead(ctx, primitive.NewObjectID())
	require.ErrorIs(t, err, decommission.ErrNotFound)
}

func TestAuditLogs(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	col, err := NewAuditLogs(ctx, db)
	require.NoError(t, err)

	now := ms(time.Now())
	for i, acc := range []string{"a1", "a2"} {
		err := col.RecordAudit(ctx, cleanup.AuditEntry{
			IdentityID: "id1",
			AccountID:  acc,
			Action:     cleanup.AuditActionArchive,
			CreatedAt:  now.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	err = col.RecordAudit(ctx, cleanup.AuditEntry{
		IdentityID: "id1",
		AccountID:  "a1",
		Action:     cleanup.AuditActionArchive,
		CreatedAt:  now.Add(time.Hour),
	})
	require.NoError(t, err)

	entries, err := col.ListByIdentity(ctx, "id1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, now, ms(entries[1].CreatedAt))
	assert.Equal(t, "a2", entries[0].AccountID)
	assert.Equal(t, cleanup.AuditActionArchive, entries[0].Action)

	entries, err = col.ListByIdentity(ctx, "id2")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSettings(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	defaults := decommission.DefaultConfig()
	col, err := NewSettings(ctx, db, defaults)
	require.NoError(t, err)

	conf, err := col.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, defaults, conf)

	conf.AutoDecommission = true
	conf.SuspendedDays = 7
	conf.Notify.Email = true
	require.NoError(t, col.SaveSettings(ctx, conf))

	got, err := col.LoadSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, conf, got)
}

func TestCollections(t *testing.T) {
	ctx := context.Background()
	db := newDB(t)
	c, err := NewCollections(ctx, uri, db.Name(), decommission.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	identity, err := c.Identities.Create(ctx, Identity{Name: "jane"})
	require.NoError(t, err)
	got, err := c.Fleet().GetIdentity(ctx, identity.ID)
	require.NoError(t, err)
	assert.Equal(t, "jane", got.Name)
}
