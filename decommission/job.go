package decommission

import (
	"fmt"
	"strings"
	"time"
)

// TriggerType describes what caused a job to be created.
type TriggerType string

const (
	TriggerManual           TriggerType = "manual"
	TriggerBanned           TriggerType = "banned"
	TriggerSuspendedTimeout TriggerType = "suspended_timeout"
	TriggerAppealTimeout    TriggerType = "appeal_timeout"
	TriggerInactiveTimeout  TriggerType = "inactive_timeout"
)

// Valid reports whether t is a known trigger.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerBanned, TriggerSuspendedTimeout, TriggerAppealTimeout, TriggerInactiveTimeout:
		return true
	default:
		return false
	}
}

// JobType selects whether the identity is archived or deleted on completion.
type JobType string

const (
	JobTypeArchive JobType = "archive"
	JobTypeDelete  JobType = "delete"
)

func (t JobType) Valid() bool {
	return t == JobTypeArchive || t == JobTypeDelete
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Active reports whether a job in this status blocks a new Start.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress || s == StatusCompleted
}

// ParseStatus parses a status name. An empty string is an error.
func ParseStatus(str string) (Status, error) {
	s := Status(str)
	if !s.Valid() {
		return "", fmt.Errorf("unknown job status %q", str)
	}
	return s, nil
}

// ResourceKind enumerates the resources an identity can own.
type ResourceKind string

const (
	KindCompute ResourceKind = "compute"
	KindDomain  ResourceKind = "domain"
	KindProfile ResourceKind = "profile"
	KindAccount ResourceKind = "account"
)

// Kinds is the fixed cleanup order.
var Kinds = []ResourceKind{KindCompute, KindDomain, KindProfile, KindAccount}

// ResourceState is the per-kind cleanup outcome.
type ResourceState string

const (
	StatePending   ResourceState = "pending"
	StateCompleted ResourceState = "completed"
	StateFailed    ResourceState = "failed"
	StateSkipped   ResourceState = "skipped"
)

// Done reports whether the state needs no further work.
func (s ResourceState) Done() bool {
	return s == StateCompleted || s == StateSkipped
}

// ResourceStatus holds one state per resource kind. The struct shape keeps
// every kind present in both bson and json.
type ResourceStatus struct {
	Compute ResourceState `bson:"compute" json:"compute"`
	Domain  ResourceState `bson:"domain" json:"domain"`
	Profile ResourceState `bson:"profile" json:"profile"`
	Account ResourceState `bson:"account" json:"account"`
}

// Get returns the state for kind.
func (rs ResourceStatus) Get(kind ResourceKind) ResourceState {
	switch kind {
	case KindCompute:
		return rs.Compute
	case KindDomain:
		return rs.Domain
	case KindProfile:
		return rs.Profile
	case KindAccount:
		return rs.Account
	default:
		panic(fmt.Sprintf("unknown resource kind %q", kind))
	}
}

// Set updates the state for kind.
func (rs *ResourceStatus) Set(kind ResourceKind, state ResourceState) {
	switch kind {
	case KindCompute:
		rs.Compute = state
	case KindDomain:
		rs.Domain = state
	case KindProfile:
		rs.Profile = state
	case KindAccount:
		rs.Account = state
	default:
		panic(fmt.Sprintf("unknown resource kind %q", kind))
	}
}

// Outcome derives the terminal job status from the resource map.
// Completed iff every entry is completed or skipped.
func (rs ResourceStatus) Outcome() Status {
	for _, k := range Kinds {
		if !rs.Get(k).Done() {
			return StatusFailed
		}
	}
	return StatusCompleted
}

// Job is a decommission job. There is at most one per identity.
type Job struct {
	ID             string         `json:"id"`
	IdentityID     string         `json:"identityId"`
	TriggerType    TriggerType    `json:"triggerType"`
	TriggeredBy    string         `json:"triggeredBy,omitempty"`
	TriggeredAt    time.Time      `json:"triggeredAt"`
	JobType        JobType        `json:"jobType"`
	Status         Status         `json:"status"`
	ResourceStatus ResourceStatus `json:"resourceStatus"`
	ScheduledFor   *time.Time     `json:"scheduledFor,omitempty"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	ReminderSentAt *time.Time     `json:"reminderSentAt,omitempty"`
	CompletedAt    *time.Time     `json:"completedAt,omitempty"`
	ErrorMessage   string         `json:"errorMessage,omitempty"`
}

// FirstError returns the first line of the job's error message.
func (j *Job) FirstError() string {
	line, _, _ := strings.Cut(j.ErrorMessage, "\n")
	return line
}
