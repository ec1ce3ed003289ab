package mongodb

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/idfleet/idfleet/util"
	"github.com/oklog/ulid/v2"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Identity is a managed persona and the compute/domain bundle it owns.
type Identity struct {
	ID               string     `bson:"_id"`
	Name             string     `bson:"name"`
	Handle           string     `bson:"handle"`
	ServerID         string     `bson:"server_id,omitempty"`
	ServerIP         string     `bson:"server_ip,omitempty"`
	Domain           string     `bson:"domain,omitempty"`
	Inactive         bool       `bson:"inactive"`
	Archived         bool       `bson:"archived"`
	ArchivedAt       *time.Time `bson:"archived_at,omitempty"`
	DecommissionedAt *time.Time `bson:"decommissioned_at,omitempty"`
	CreatedAt        time.Time  `bson:"created_at"`
	UpdatedAt        time.Time  `bson:"updated_at"`
}

// Retired reports whether the identity was archived or decommissioned.
func (i *Identity) Retired() bool {
	return i.Archived || i.DecommissionedAt != nil
}

type Identities struct {
	col *mongo.Collection
}

func NewIdentities(ctx context.Context, db *mongo.Database) (*Identities, error) {
	i := &Identities{col: db.Collection("identities")}
	_, err := i.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{primitive.E{Key: "handle", Value: 1}},
			Options: options.Index().
				SetUnique(true).
				SetCollation(&options.Collation{Locale: "en", Strength: 2}),
		},
		{
			Keys: bson.D{
				primitive.E{Key: "inactive", Value: 1},
				primitive.E{Key: "updated_at", Value: 1},
			},
		},
	})
	return i, err
}

// Create inserts a new identity. The handle is derived from the name.
func (i *Identities) Create(ctx context.Context, doc Identity) (*Identity, error) {
	handle, err := util.ToValidName(doc.Name)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if doc.ID == "" {
		doc.ID = ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
	}
	doc.Handle = handle
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if _, err := i.col.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("identity name %q is not available", doc.Name)
		}
		return nil, err
	}
	return &doc, nil
}

func (i *Identities) Get(ctx context.Context, id string) (*Identity, error) {
	res := i.col.FindOne(ctx, bson.M{"_id": id})
	if res.Err() != nil {
		return nil, notFound(res.Err())
	}
	var doc Identity
	if err := res.Decode(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// GetMany returns the identities found for ids, keyed by id.
func (i *Identities) GetMany(ctx context.Context, ids []string) (map[string]*Identity, error) {
	out := make(map[string]*Identity, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cursor, err := i.col.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	for cursor.Next(ctx) {
		var doc Identity
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		out[doc.ID] = &doc
	}
	return out, cursor.Err()
}

// SetInactive flags the identity as (in)active as of at.
func (i *Identities) SetInactive(ctx context.Context, id string, inactive bool, at time.Time) error {
	res, err := i.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"inactive": inactive, "updated_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments)
	}
	return nil
}

// ListInactiveBefore returns inactive identities last updated before cutoff.
func (i *Identities) ListInactiveBefore(ctx context.Context, cutoff time.Time) ([]*Identity, error) {
	cursor, err := i.col.Find(ctx, bson.M{
		"inactive":   true,
		"updated_at": bson.M{"$lt": cutoff},
	})
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)
	var docs []*Identity
	for cursor.Next(ctx) {
		var doc Identity
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	return docs, cursor.Err()
}

// MarkDecommissioned records the end of the identity's life. archivedAt is
// only set for archive jobs.
func (i *Identities) MarkDecommissioned(ctx context.Context, id string, at time.Time, archive bool) error {
	set := bson.M{
		"decommissioned_at": at,
		"archived":          true,
		"updated_at":        at,
	}
	if archive {
		set["archived_at"] = at
	}
	res, err := i.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments)
	}
	return nil
}
