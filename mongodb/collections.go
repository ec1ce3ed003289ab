package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/idfleet/idfleet/decommission"
	"github.com/idfleet/idfleet/mongodb/migrations"
	logging "github.com/ipfs/go-log/v2"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var log = logging.Logger("mongodb")

type Collections struct {
	m *mongo.Client

	Identities    *Identities
	Accounts      *Accounts
	Profiles      *Profiles
	DecomJobs     *DecomJobs
	Notifications *Notifications
	AuditLogs     *AuditLogs
	Settings      *Settings
}

// NewCollections gets or create store instances for active collections.
func NewCollections(ctx context.Context, uri, database string, defaults decommission.Config) (*Collections, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	db := client.Database(database)
	if err = migrations.Migrate(db); err != nil {
		return nil, err
	}
	c := &Collections{m: client}
	c.Identities, err = NewIdentities(ctx, db)
	if err != nil {
		return nil, err
	}
	c.Accounts, err = NewAccounts(ctx, db)
	if err != nil {
		return nil, err
	}
	c.Profiles, err = NewProfiles(ctx, db)
	if err != nil {
		return nil, err
	}
	c.DecomJobs, err = NewDecomJobs(ctx, db)
	if err != nil {
		return nil, err
	}
	c.Notifications, err = NewNotifications(ctx, db)
	if err != nil {
		return nil, err
	}
	c.AuditLogs, err = NewAuditLogs(ctx, db)
	if err != nil {
		return nil, err
	}
	c.Settings, err = NewSettings(ctx, db, defaults)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Fleet returns the identity view joining identities, accounts and profiles.
func (c *Collections) Fleet() *Fleet {
	return NewFleet(c.Identities, c.Accounts, c.Profiles)
}

func (c *Collections) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return c.m.Disconnect(ctx)
}

// notFound maps a missing document to the domain sentinel.
func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return decommission.ErrNotFound
	}
	return err
}
