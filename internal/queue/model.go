// Package queue implements the Job queue (spec §4.E): the persisted,
// priority-ordered backlog of work waiting for a worker, grounded on
// the teacher's internal/job Queue (SELECT...FOR UPDATE SKIP LOCKED
// claiming, exponential-backoff retry, dead-letter) generalized from a
// tenant-scoped, string-typed job table into the single-tenant,
// strongly-typed Job spec §3 describes.
package queue

import (
	"encoding/json"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/output"
)

// Priority orders queue claims; higher values are claimed first. The
// teacher's job table sorts the same way (ORDER BY priority DESC).
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
	PriorityUrgent Priority = 3
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "normal"
	}
}

// ParsePriority accepts the spec's Low/Normal/High/Urgent names.
func ParsePriority(s string) Priority {
	switch s {
	case "low":
		return PriorityLow
	case "high":
		return PriorityHigh
	case "urgent":
		return PriorityUrgent
	default:
		return PriorityNormal
	}
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }
func (p *Priority) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*p = ParsePriority(s)
	return nil
}

// Status is a Job's position in the spec §4.E lifecycle. The string
// values match what internal/task's CountLiveReferences query expects
// ("queued", "processing") since both packages query the same table.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Job is one unit of work awaiting or undergoing execution (spec §3).
type Job struct {
	ID                  ids.JobID              `json:"id"`
	TaskID              ids.TaskID             `json:"task_id"`
	Input               json.RawMessage        `json:"input"`
	Priority            Priority               `json:"priority"`
	Status              Status                 `json:"status"`
	RetryCount          int                    `json:"retry_count"`
	MaxRetries          int                    `json:"max_retries"`
	ScheduledFor        *time.Time             `json:"scheduled_for,omitempty"`
	QueuedAt            time.Time              `json:"queued_at"`
	OutputDestinations  []output.Destination   `json:"output_destinations,omitempty"`
	CorrelationToken    *ids.CorrelationID     `json:"correlation_token,omitempty"`
	ScheduleID          *ids.ScheduleID        `json:"schedule_id,omitempty"`
	IdempotencyKey      string                 `json:"idempotency_key,omitempty"`
	TimeoutMs           int64                  `json:"timeout_ms"`
	LastError           string                 `json:"last_error,omitempty"`
	ClaimedBy           *ids.WorkerID          `json:"claimed_by,omitempty"`
	ClaimedAt           *time.Time             `json:"claimed_at,omitempty"`
	CompletedAt         *time.Time             `json:"completed_at,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
	UpdatedAt           time.Time              `json:"updated_at"`
}

// EnqueueOptions configures Enqueue beyond the mandatory TaskID/Input.
type EnqueueOptions struct {
	Priority           Priority
	MaxRetries         int
	ScheduledFor       *time.Time
	OutputDestinations []output.Destination
	CorrelationToken   *ids.CorrelationID
	ScheduleID         *ids.ScheduleID
	IdempotencyKey     string
	TimeoutMs          int64
}

func DefaultEnqueueOptions() EnqueueOptions {
	return EnqueueOptions{
		Priority:   PriorityNormal,
		MaxRetries: 3,
		TimeoutMs:  30000,
	}
}

// RetryPolicy is the spec's base/multiplier/max_delay/jitter backoff,
// shared by the dispatcher's retry-after-failure calculation. Unlike
// the teacher's bare 1<<retry_count formula, this matches spec §9's
// general policy shape exactly so it can be config-driven.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	MaxDelay   time.Duration
	Jitter     float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       time.Second,
		Multiplier: 2,
		MaxDelay:   5 * time.Minute,
		Jitter:     0.2,
	}
}
