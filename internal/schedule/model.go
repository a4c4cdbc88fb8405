// Package schedule implements the Schedule entity (spec §3): a
// cron-driven Job factory that the scheduler (internal/scheduler)
// materializes into Jobs on each tick. Grounded on the teacher's
// internal/job.Schedule table generalized from a
// tenant/job-type/interval-or-cron record into the single cron-field
// shape spec §9 requires (one parser, no separate "interval" dialect).
package schedule

import (
	"encoding/json"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/output"
	"github.com/ratchet-run/ratchet/internal/queue"
)

// Schedule is a cron-driven Job factory (spec §3).
type Schedule struct {
	ID                 ids.ScheduleID       `json:"id"`
	TaskID             ids.TaskID           `json:"task_id"`
	CronExpression     string               `json:"cron_expression"`
	Input              json.RawMessage      `json:"input"`
	Enabled            bool                 `json:"enabled"`
	Priority           queue.Priority       `json:"priority"`
	MaxRetries         int                  `json:"max_retries"`
	TimeoutMs          int64                `json:"timeout_ms"`
	OutputDestinations []output.Destination `json:"output_destinations,omitempty"`
	NextRun            time.Time            `json:"next_run"`
	LastRun            *time.Time           `json:"last_run,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
	UpdatedAt          time.Time            `json:"updated_at"`
}

// CreateRequest carries the fields a caller supplies; NextRun is
// computed by the service from CronExpression at creation time.
type CreateRequest struct {
	TaskID             ids.TaskID
	CronExpression     string
	Input              json.RawMessage
	Priority           queue.Priority
	MaxRetries         int
	TimeoutMs          int64
	OutputDestinations []output.Destination
}
