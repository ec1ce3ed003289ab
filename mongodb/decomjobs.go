package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/idfleet/idfleet/decommission"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// decomJob is an internal representation for storage.
// Any field modifications should be reflected in the cast() func.
type decomJob struct {
	ID             string                      `bson:"_id"`
	IdentityID     string                      `bson:"identity_id"`
	TriggerType    decommission.TriggerType    `bson:"trigger_type"`
	TriggeredBy    string                      `bson:"triggered_by"`
	TriggeredAt    time.Time                   `bson:"triggered_at"`
	JobType        decommission.JobType        `bson:"job_type"`
	Status         decommission.Status         `bson:"status"`
	ResourceStatus decommission.ResourceStatus `bson:"resource_status"`
	ScheduledFor   *time.Time                  `bson:"scheduled_for"`
	StartedAt      *time.Time                  `bson:"started_at"`
	ReminderSentAt *time.Time                  `bson:"reminder_sent_at"`
	CompletedAt    *time.Time                  `bson:"completed_at"`
	ErrorMessage   string                      `bson:"error_message"`
}

// DecomJobs stores decommission jobs, one per identity.
type DecomJobs struct {
	col *mongo.Collection
}

var _ decommission.JobStore = (*DecomJobs)(nil)

func NewDecomJobs(ctx context.Context, db *mongo.Database) (*DecomJobs, error) {
	d := &DecomJobs{col: db.Collection("decomjobs")}
	_, err := d.col.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{primitive.E{Key: "identity_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{
				primitive.E{Key: "status", Value: 1},
				primitive.E{Key: "scheduled_for", Value: 1},
			},
		},
		{
			Keys: bson.D{primitive.E{Key: "triggered_at", Value: -1}},
		},
	})
	return d, err
}

// Upsert inserts the identity's job, or resets a cancelled or failed one.
// The unique identity index turns a racing or active job into ErrAlreadyActive.
func (d *DecomJobs) Upsert(ctx context.Context, job *decommission.Job) (*decommission.Job, error) {
	filter := bson.M{
		"identity_id": job.IdentityID,
		"status": bson.M{"$in": bson.A{
			decommission.StatusCancelled,
			decommission.StatusFailed,
		}},
	}
	update := bson.M{
		"$set": bson.M{
			"trigger_type":     job.TriggerType,
			"triggered_by":     job.TriggeredBy,
			"triggered_at":     job.TriggeredAt,
			"job_type":         job.JobType,
			"status":           job.Status,
			"resource_status":  job.ResourceStatus,
			"scheduled_for":    job.ScheduledFor,
			"started_at":       nil,
			"reminder_sent_at": nil,
			"completed_at":     nil,
			"error_message":    "",
		},
		"$setOnInsert": bson.M{"_id": job.ID},
	}
	opts := options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After)
	res := d.col.FindOneAndUpdate(ctx, filter, update, opts)
	if err := res.Err(); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("identity %s: %w", job.IdentityID, decommission.ErrAlreadyActive)
		}
		return nil, fmt.Errorf("upserting job: %v", err)
	}
	return decode(res)
}

func (d *DecomJobs) Get(ctx context.Context, id string) (*decommission.Job, error) {
	return decode(d.col.FindOne(ctx, bson.M{"_id": id}))
}

func (d *DecomJobs) GetByIdentity(ctx context.Context, identityID string) (*decommission.Job, error) {
	return decode(d.col.FindOne(ctx, bson.M{"identity_id": identityID}))
}

func (d *DecomJobs) List(ctx context.Context, q decommission.Query) ([]*decommission.Job, error) {
	filter := bson.M{}
	if q.Status != "" {
		filter["status"] = q.Status
	}
	if q.ScheduledBefore != nil {
		filter["scheduled_for"] = bson.M{"$ne": nil, "$lte": *q.ScheduledBefore}
	}
	if q.StartedBefore != nil {
		filter["started_at"] = bson.M{"$ne": nil, "$lt": *q.StartedBefore}
	}
	if q.CompletedSince != nil {
		filter["completed_at"] = bson.M{"$ne": nil, "$gte": *q.CompletedSince}
	}
	if q.ReminderUnsent {
		filter["reminder_sent_at"] = nil
	}
	opts := options.Find().SetSort(bson.D{
		primitive.E{Key: "triggered_at", Value: -1},
		primitive.E{Key: "_id", Value: -1},
	})
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}
	cursor, err := d.col.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %v", err)
	}
	defer cursor.Close(ctx)
	var jobs []*decommission.Job
	for cursor.Next(ctx) {
		var raw decomJob
		if err := cursor.Decode(&raw); err != nil {
			return nil, err
		}
		jobs = append(jobs, cast(&raw))
	}
	if cursor.Err() != nil {
		return nil, fmt.Errorf("iterating jobs cursor: %v", cursor.Err())
	}
	return jobs, nil
}

func (d *DecomJobs) Claim(ctx context.Context, id string, at time.Time) (*decommission.Job, error) {
	return d.transition(ctx, id, decommission.StatusPending, bson.M{
		"status":     decommission.StatusInProgress,
		"started_at": at,
	})
}

func (d *DecomJobs) Cancel(ctx context.Context, id string) (*decommission.Job, error) {
	return d.transition(ctx, id, decommission.StatusPending, bson.M{
		"status": decommission.StatusCancelled,
	})
}

func (d *DecomJobs) Finish(ctx context.Context, id string, f decommission.Finish) (*decommission.Job, error) {
	return d.transition(ctx, id, decommission.StatusInProgress, bson.M{
		"status":          f.Status,
		"resource_status": f.ResourceStatus,
		"error_message":   f.ErrorMessage,
		"completed_at":    f.CompletedAt,
	})
}

func (d *DecomJobs) SetResourceState(ctx context.Context, id string, kind decommission.ResourceKind, state decommission.ResourceState) error {
	res, err := d.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"resource_status." + string(kind): state},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return decommission.ErrNotFound
	}
	return nil
}

func (d *DecomJobs) MarkReminderSent(ctx context.Context, id string, at time.Time) error {
	res, err := d.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set": bson.M{"reminder_sent_at": at},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return decommission.ErrNotFound
	}
	return nil
}

// transition applies set only if the job is in status from.
func (d *DecomJobs) transition(ctx context.Context, id string, from decommission.Status, set bson.M) (*decommission.Job, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	res := d.col.FindOneAndUpdate(ctx, bson.M{"_id": id, "status": from}, bson.M{"$set": set}, opts)
	if err := res.Err(); err != nil {
		if !errors.Is(err, mongo.ErrNoDocuments) {
			return nil, err
		}
		current, err := d.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("job %s is %s, must be %s: %w", id, current.Status, from, decommission.ErrInvalidState)
	}
	return decode(res)
}

func decode(res *mongo.SingleResult) (*decommission.Job, error) {
	if res.Err() != nil {
		return nil, notFound(res.Err())
	}
	var raw decomJob
	if err := res.Decode(&raw); err != nil {
		return nil, err
	}
	return cast(&raw), nil
}

func cast(raw *decomJob) *decommission.Job {
	return &decommission.Job{
		ID:             raw.ID,
		IdentityID:     raw.IdentityID,
		TriggerType:    raw.TriggerType,
		TriggeredBy:    raw.TriggeredBy,
		TriggeredAt:    raw.TriggeredAt,
		JobType:        raw.JobType,
		Status:         raw.Status,
		ResourceStatus: raw.ResourceStatus,
		ScheduledFor:   utc(raw.ScheduledFor),
		StartedAt:      utc(raw.StartedAt),
		ReminderSentAt: utc(raw.ReminderSentAt),
		CompletedAt:    utc(raw.CompletedAt),
		ErrorMessage:   raw.ErrorMessage,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
