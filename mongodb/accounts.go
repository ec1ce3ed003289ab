package mongodb

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// AccountHealth is the ad platform's view of an account.
type AccountHealth string

const (
	HealthActive    AccountHealth = "active"
	HealthSuspended AccountHealth = "suspended"
	HealthBanned    AccountHealth = "banned"
	HealthAppeal    AccountHealth = "appeal"
)

// Lifecycle is the local handoff flag of an account.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "active"
	LifecycleArchived Lifecycle = "archived"
)

// Account is a downstream advertising account owned by an identity.
type Account struct {
	ID              string        `bson:"_id"`
	IdentityID      string        `bson:"identity_id"`
	Name            string        `bson:"name"`
	Health          AccountHealth `bson:"health"`
	HealthChangedAt time.Time     `bson:"health_changed_at"`
	AppealStartedAt *time.Time    `bson:"appeal_started_at,omitempty"`
	Lifecycle       Lifecycle     `bson:"lifecycle"`
	ArchivedAt      *time.Time    `bson:"archived_at,omitempty"`
	CreatedAt       time.Time     `bson:"created_at"`
}

type Accounts struct {
	col *mongo.Collection
}

func NewAccounts(ctx context.Context, db *mongo.Database) (*Accounts, error) {
	a := &Accounts{col: db.Collection("accounts")}
	_, err := a.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{primitive.E{Key: "identity_id", Value: 1}},
		},
		{
			Keys: bson.D{
				primitive.E{Key: "health", Value: 1},
				primitive.E{Key: "health_changed_at", Value: 1},
			},
		},
		{
			Keys:    bson.D{primitive.E{Key: "appeal_started_at", Value: 1}},
			Options: options.Index().SetSparse(true),
		},
	})
	return a, err
}

// Create inserts an active, healthy account for identityID.
func (a *Accounts) Create(ctx context.Context, identityID, name string) (*Account, error) {
	now := time.Now()
	doc := &Account{
		ID:              ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		IdentityID:      identityID,
		Name:            name,
		Health:          HealthActive,
		HealthChangedAt: now,
		Lifecycle:       LifecycleActive,
		CreatedAt:       now,
	}
	if _, err := a.col.InsertOne(ctx, doc); err != nil {
		return nil, fmt.Errorf("inserting account: %v", err)
	}
	return doc, nil
}

func (a *Accounts) Get(ctx context.Context, id string) (*Account, error) {
	res := a.col.FindOne(ctx, bson.M{"_id": id})
	if res.Err() != nil {
		return nil, notFound(res.Err())
	}
	var doc Account
	if err := res.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (a *Accounts) ListByIdentity(ctx context.Context, identityID string) ([]*Account, error) {
	opts := options.Find().SetSort(bson.D{primitive.E{Key: "created_at", Value: 1}})
	return a.find(ctx, bson.M{"identity_id": identityID}, opts)
}

// SetHealth records a health change at at. Entering appeal also records
// the appeal start.
func (a *Accounts) SetHealth(ctx context.Context, id string, health AccountHealth, at time.Time) error {
	set := bson.M{
		"health":            health,
		"health_changed_at": at,
	}
	update := bson.M{"$set": set}
	if health == HealthAppeal {
		set["appeal_started_at"] = at
	} else {
		update["$unset"] = bson.M{"appeal_started_at": ""}
	}
	res, err := a.col.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments)
	}
	return nil
}

// ListSuspendedBefore returns active-lifecycle accounts suspended before cutoff.
func (a *Accounts) ListSuspendedBefore(ctx context.Context, cutoff time.Time) ([]*Account, error) {
	return a.find(ctx, bson.M{
		"health":            HealthSuspended,
		"health_changed_at": bson.M{"$lt": cutoff},
		"lifecycle":         bson.M{"$ne": LifecycleArchived},
	})
}

// ListAppealingBefore returns active-lifecycle accounts in appeal since before cutoff.
func (a *Accounts) ListAppealingBefore(ctx context.Context, cutoff time.Time) ([]*Account, error) {
	return a.find(ctx, bson.M{
		"health":            HealthAppeal,
		"appeal_started_at": bson.M{"$lt": cutoff},
		"lifecycle":         bson.M{"$ne": LifecycleArchived},
	})
}

// ArchiveAccount sets the account's lifecycle to archived. It reports false
// if the account was already archived or does not exist.
func (a *Accounts) ArchiveAccount(ctx context.Context, id string) (bool, error) {
	now := time.Now()
	res, err := a.col.UpdateOne(ctx, bson.M{
		"_id":       id,
		"lifecycle": bson.M{"$ne": LifecycleArchived},
	}, bson.M{
		"$set": bson.M{"lifecycle": LifecycleArchived, "archived_at": now},
	})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		log.Debugf("account %s already archived or missing", id)
		return false, nil
	}
	return true, nil
}

func (a *Accounts) find(ctx context.Context, filter bson.M, opts ...*options.FindOptions) ([]*Account, error) {
	cursor, err := a.col.Find(ctx, filter, opts...)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []*Account
	for cursor.Next(ctx) {
		var doc Account
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, cursor.Err()
}
