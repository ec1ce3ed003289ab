package mongodb

import (
	"context"
	"fmt"

	"github.com/idfleet/idfleet/decommission/cleanup"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type auditEntry struct {
	ID         primitive.ObjectID `bson:"_id"`
	IdentityID string             `bson:"identity_id"`
	AccountID  string             `bson:"account_id,omitempty"`
	Action     string             `bson:"action"`
	Detail     string             `bson:"detail,omitempty"`
	CreatedAt  primitive.DateTime `bson:"created_at"`
}

// AuditLogs is the audit trail. Account entries are unique per account and
// action, so recording one again is a no-op.
type AuditLogs struct {
	col *mongo.Collection
}

func NewAuditLogs(ctx context.Context, db *mongo.Database) (*AuditLogs, error) {
	a := &AuditLogs{col: db.Collection("auditlogs")}
	_, err := a.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				primitive.E{Key: "identity_id", Value: 1},
				primitive.E{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{
				primitive.E{Key: "account_id", Value: 1},
				primitive.E{Key: "action", Value: 1},
			},
			Options: options.Index().
				SetUnique(true).
				SetPartialFilterExpression(bson.M{"account_id": bson.M{"$exists": true}}),
		},
	})
	return a, err
}

func (a *AuditLogs) RecordAudit(ctx context.Context, e cleanup.AuditEntry) error {
	doc := auditEntry{
		ID:         primitive.NewObjectID(),
		IdentityID: e.IdentityID,
		AccountID:  e.AccountID,
		Action:     e.Action,
		Detail:     e.Detail,
		CreatedAt:  primitive.NewDateTimeFromTime(e.CreatedAt),
	}
	if e.AccountID == "" {
		if _, err := a.col.InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("inserting audit entry: %v", err)
		}
		return nil
	}
	_, err := a.col.UpdateOne(ctx,
		bson.M{"account_id": e.AccountID, "action": e.Action},
		bson.M{"$setOnInsert": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upserting audit entry: %v", err)
	}
	return nil
}

// ListByIdentity returns the identity's audit trail, newest first.
func (a *AuditLogs) ListByIdentity(ctx context.Context, identityID string) ([]cleanup.AuditEntry, error) {
	opts := options.Find().SetSort(bson.D{primitive.E{Key: "created_at", Value: -1}})
	cursor, err := a.col.Find(ctx, bson.M{"identity_id": identityID}, opts)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %v", err)
	}
	defer cursor.Close(ctx)
	var entries []cleanup.AuditEntry
	for cursor.Next(ctx) {
		var doc auditEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		entries = append(entries, cleanup.AuditEntry{
			IdentityID: doc.IdentityID,
			AccountID:  doc.AccountID,
			Action:     doc.Action,
			Detail:     doc.Detail,
			CreatedAt:  doc.CreatedAt.Time(),
		})
	}
	if cursor.Err() != nil {
		return nil, fmt.Errorf("iterating audit cursor: %v", cursor.Err())
	}
	return entries, nil
}
