// Package execstore implements the Execution store (spec §4.G): the
// append-structured audit record of every attempt at running a job,
// carrying the state machine Pending -> Running -> {Completed, Failed,
// Cancelled, TimedOut}. Grounded on the teacher's job_history table
// (internal/job/repository.go) generalized from a one-row-per-job
// history table into the one-row-per-attempt Execution spec §3
// requires, since a Job may have many Executions (one per retry).
package execstore

import (
	"encoding/json"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
)

// Status is the execution's point in the spec §4.G state machine.
// Transitions are monotonic; once terminal, a record never changes.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusTimedOut  Status = "timed_out"
)

// Terminal reports whether s is one of the state machine's sink states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut:
		return true
	default:
		return false
	}
}

// ExecutionError is the {kind, message, code, retryable, context,
// suggestions} error object spec §4.G and §7 describe.
type ExecutionError struct {
	Kind        string            `json:"kind"`
	Message     string            `json:"message"`
	Code        string            `json:"code,omitempty"`
	Retryable   bool              `json:"retryable"`
	Context     map[string]string `json:"context,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
}

// Execution is one attempt of one Job (spec §3).
type Execution struct {
	ID             ids.ExecutionID       `json:"id"`
	JobID          ids.JobID             `json:"job_id"`
	TaskID         ids.TaskID            `json:"task_id"`
	Input          json.RawMessage       `json:"input"`
	Output         json.RawMessage       `json:"output,omitempty"`
	Error          *ExecutionError       `json:"error,omitempty"`
	Status         Status                `json:"status"`
	WorkerID       *ids.WorkerID         `json:"worker_id,omitempty"`
	StartedAt      *time.Time            `json:"started_at,omitempty"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
	DurationMs     int64                 `json:"duration_ms,omitempty"`
	Logs           []ipc.LogEvent        `json:"logs,omitempty"`
	HttpRecordings []ipc.HttpRecording   `json:"http_recordings,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
}

// IsTerminal reports whether e has reached a sink state.
func (e *Execution) IsTerminal() bool { return e.Status.Terminal() }

// Filter narrows a List query by task, status and time window (spec
// §4.G: "Queryable by task, status, time window").
type Filter struct {
	TaskID     *ids.TaskID
	JobID      *ids.JobID
	Status     *Status
	After      *time.Time
	Before     *time.Time
}

// Page is a cursor-paginated request: Cursor narrows to rows created
// before the cursor execution, Limit bounds the result count.
type Page struct {
	Limit  int
	Cursor *string // opaque: an Execution ID from a prior page's last row
}
