package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/idfleet/idfleet/notify"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Notification is an in-app feed entry.
type Notification struct {
	ID         primitive.ObjectID `bson:"_id"`
	Kind       notify.Kind        `bson:"kind"`
	Title      string             `bson:"title"`
	Body       string             `bson:"body"`
	JobID      string             `bson:"job_id,omitempty"`
	IdentityID string             `bson:"identity_id,omitempty"`
	Read       bool               `bson:"read"`
	CreatedAt  time.Time          `bson:"created_at"`
}

type Notifications struct {
	col *mongo.Collection
}

var _ notify.FeedStore = (*Notifications)(nil)

func NewNotifications(ctx context.Context, db *mongo.Database) (*Notifications, error) {
	n := &Notifications{col: db.Collection("notifications")}
	_, err := n.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys: bson.D{
				primitive.E{Key: "read", Value: 1},
				primitive.E{Key: "created_at", Value: -1},
			},
		},
		{
			Keys: bson.D{primitive.E{Key: "identity_id", Value: 1}},
		},
	})
	return n, err
}

func (n *Notifications) AddNotification(ctx context.Context, item notify.FeedItem) error {
	doc := &Notification{
		ID:         primitive.NewObjectID(),
		Kind:       item.Kind,
		Title:      item.Title,
		Body:       item.Body,
		JobID:      item.JobID,
		IdentityID: item.IdentityID,
		CreatedAt:  item.CreatedAt,
	}
	if _, err := n.col.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("inserting notification: %v", err)
	}
	return nil
}

// List returns notifications newest first. A limit of zero returns all.
func (n *Notifications) List(ctx context.Context, unreadOnly bool, limit int64) ([]*Notification, error) {
	filter := bson.M{}
	if unreadOnly {
		filter["read"] = false
	}
	opts := options.Find().SetSort(bson.D{primitive.E{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}
	cursor, err := n.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying notifications: %v", err)
	}
	defer cursor.Close(ctx)
	var docs []*Notification
	for cursor.Next(ctx) {
		var doc Notification
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		docs = append(docs, &doc)
	}
	if cursor.Err() != nil {
		return nil, fmt.Errorf("iterating notifications cursor: %v", cursor.Err())
	}
	return docs, nil
}

func (n *Notifications) MarkRead(ctx context.Context, id primitive.ObjectID) error {
	res, err := n.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"read": true}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return notFound(mongo.ErrNoDocuments)
	}
	return nil
}
