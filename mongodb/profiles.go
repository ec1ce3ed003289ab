package mongodb

import (
	"context"
	"time"

	"github.com/idfleet/idfleet/decommission/cleanup"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Profile references a browser-fingerprint profile held by the provider.
type Profile struct {
	ID         string    `bson:"_id"`
	IdentityID string    `bson:"identity_id"`
	Provider   string    `bson:"provider"`
	CreatedAt  time.Time `bson:"created_at"`
}

type Profiles struct {
	col *mongo.Collection
}

func NewProfiles(ctx context.Context, db *mongo.Database) (*Profiles, error) {
	p := &Profiles{col: db.Collection("profiles")}
	_, err := p.col.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{primitive.E{Key: "identity_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return p, err
}

// Create links provider profile id to identityID.
func (p *Profiles) Create(ctx context.Context, id, identityID, provider string) (*Profile, error) {
	doc := &Profile{
		ID:         id,
		IdentityID: identityID,
		Provider:   provider,
		CreatedAt:  time.Now(),
	}
	if _, err := p.col.InsertOne(ctx, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (p *Profiles) GetByIdentity(ctx context.Context, identityID string) (*Profile, error) {
	res := p.col.FindOne(ctx, bson.M{"identity_id": identityID})
	if res.Err() != nil {
		return nil, notFound(res.Err())
	}
	var doc Profile
	if err := res.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteProfileRecord removes the local reference. It returns
// cleanup.ErrNotFound if there was none.
func (p *Profiles) DeleteProfileRecord(ctx context.Context, id string) error {
	res, err := p.col.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return cleanup.ErrNotFound
	}
	return nil
}
