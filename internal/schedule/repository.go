package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/output"
)

var ErrNotFound = errors.New("schedule: not found")

// Repository is the Postgres-backed Schedule store, grounded on the
// teacher's internal/job.Scheduler CRUD methods (CreateSchedule,
// GetSchedule, ListSchedules, Enable/DisableSchedule) generalized from
// a tenant/job-type record to the single cron-field Schedule spec §3
// describes.
type Repository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

func NewRepository(db *pgxpool.Pool, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger}
}

// Create inserts a Schedule. nextRun is supplied by the caller (the
// service layer computes it from req.CronExpression via
// internal/cronexpr so the repository never parses cron itself).
func (r *Repository) Create(ctx context.Context, req CreateRequest, nextRun time.Time) (*Schedule, error) {
	destJSON, err := output.MarshalDestinations(req.OutputDestinations)
	if err != nil {
		return nil, fmt.Errorf("marshal output destinations: %w", err)
	}

	s := &Schedule{
		ID:                 ids.NewScheduleID(),
		TaskID:             req.TaskID,
		CronExpression:     req.CronExpression,
		Input:              req.Input,
		Enabled:            true,
		Priority:           req.Priority,
		MaxRetries:         req.MaxRetries,
		TimeoutMs:          req.TimeoutMs,
		OutputDestinations: req.OutputDestinations,
		NextRun:            nextRun,
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO schedules (
			id, task_id, cron_expression, input, enabled, priority, max_retries,
			timeout_ms, output_destinations, next_run, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		RETURNING created_at, updated_at
	`, s.ID, s.TaskID, s.CronExpression, s.Input, s.Enabled, s.Priority, s.MaxRetries,
		s.TimeoutMs, destJSON, s.NextRun,
	).Scan(&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}

	r.logger.Info("schedule created", "schedule_id", s.ID, "task_id", s.TaskID, "cron", s.CronExpression)
	return s, nil
}

const selectColumns = `
	id, task_id, cron_expression, input, enabled, priority, max_retries,
	timeout_ms, output_destinations, next_run, last_run, created_at, updated_at
`

func (r *Repository) scanRow(row pgx.Row) (*Schedule, error) {
	s := &Schedule{}
	var destJSON []byte
	err := row.Scan(
		&s.ID, &s.TaskID, &s.CronExpression, &s.Input, &s.Enabled, &s.Priority, &s.MaxRetries,
		&s.TimeoutMs, &destJSON, &s.NextRun, &s.LastRun, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	dests, err := output.UnmarshalDestinations(destJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal output destinations: %w", err)
	}
	s.OutputDestinations = dests
	return s, nil
}

func (r *Repository) GetByID(ctx context.Context, id ids.ScheduleID) (*Schedule, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM schedules WHERE id = $1", id)
	return r.scanRow(row)
}

// List returns every schedule, newest first.
func (r *Repository) List(ctx context.Context) ([]*Schedule, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM schedules ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListEnabled returns every enabled schedule, used by the scheduler to
// rebuild its in-memory next-run ordering.
func (r *Repository) ListEnabled(ctx context.Context) ([]*Schedule, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM schedules WHERE enabled = TRUE")
	if err != nil {
		return nil, fmt.Errorf("list enabled schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetEnabled toggles a schedule on or off without touching its cron
// expression or next_run.
func (r *Repository) SetEnabled(ctx context.Context, id ids.ScheduleID, enabled bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE schedules SET enabled = $1, updated_at = NOW() WHERE id = $2
	`, enabled, id)
	if err != nil {
		return fmt.Errorf("set schedule enabled: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Update replaces a schedule's cron expression and/or input/output
// configuration; nextRun must be recomputed by the caller from the new
// cron expression (via internal/cronexpr) and is persisted here.
func (r *Repository) Update(ctx context.Context, s *Schedule) error {
	destJSON, err := output.MarshalDestinations(s.OutputDestinations)
	if err != nil {
		return fmt.Errorf("marshal output destinations: %w", err)
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE schedules
		SET cron_expression = $1, input = $2, priority = $3, max_retries = $4,
		    timeout_ms = $5, output_destinations = $6, next_run = $7, updated_at = NOW()
		WHERE id = $8
	`, s.CronExpression, s.Input, s.Priority, s.MaxRetries, s.TimeoutMs, destJSON, s.NextRun, s.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordFire stamps last_run and advances next_run after the scheduler
// fires a tick for this schedule.
func (r *Repository) RecordFire(ctx context.Context, id ids.ScheduleID, firedAt, nextRun time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE schedules SET last_run = $1, next_run = $2, updated_at = NOW() WHERE id = $3
	`, firedAt, nextRun, id)
	if err != nil {
		return fmt.Errorf("record schedule fire: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) Delete(ctx context.Context, id ids.ScheduleID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM schedules WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountEnabledForTask reports how many enabled schedules reference a
// task. internal/task does not call it: task.Repository's
// CountLiveReferences runs its own count over the schedules table.
func (r *Repository) CountEnabledForTask(ctx context.Context, taskID ids.TaskID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM schedules WHERE task_id = $1 AND enabled = TRUE
	`, taskID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count enabled schedules for task: %w", err)
	}
	return n, nil
}
