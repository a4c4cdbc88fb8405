package execstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
)

var (
	ErrNotFound        = errors.New("execstore: execution not found")
	ErrNotTransitionable = errors.New("execstore: execution is not in a state that allows this transition")
)

// Repository is the Postgres-backed Execution store.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a new Execution in Pending state (spec §4.D.2:
// "Create an Execution in Pending state and link it to the job").
func (r *Repository) Create(ctx context.Context, e *Execution) error {
	if e.ID.IsZero() {
		e.ID = ids.NewExecutionID()
	}
	e.Status = StatusPending

	_, err := r.db.Exec(ctx, `
		INSERT INTO executions (id, job_id, task_id, input, status, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`, e.ID, e.JobID, e.TaskID, e.Input, e.Status)
	if err != nil {
		return fmt.Errorf("create execution: %w", err)
	}
	return nil
}

// MarkRunning transitions Pending -> Running and records the worker
// and started_at (spec §4.D.4). Fails if the row is not Pending,
// which would indicate a double-claim bug upstream.
func (r *Repository) MarkRunning(ctx context.Context, id ids.ExecutionID, workerID ids.WorkerID, startedAt time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE executions
		SET status = $1, worker_id = $2, started_at = $3
		WHERE id = $4 AND status = $5
	`, StatusRunning, workerID, startedAt, id, StatusPending)
	if err != nil {
		return fmt.Errorf("mark execution running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotTransitionable
	}
	return nil
}

// Finalize writes the terminal fields of an Execution. Once a row is
// terminal it is frozen (spec §3 invariant); the WHERE clause only
// matches rows currently in Pending or Running, so a second Finalize
// call for the same id changes nothing and returns ErrNotTransitionable.
func (r *Repository) Finalize(ctx context.Context, id ids.ExecutionID, status Status, output json.RawMessage, execErr *ExecutionError, durationMs int64, logs []LogEventDTO, httpRecordings []HttpRecordingDTO, completedAt time.Time) error {
	if !status.Terminal() {
		return fmt.Errorf("finalize requires a terminal status, got %q", status)
	}

	var errJSON, logsJSON, httpJSON []byte
	var err error
	if execErr != nil {
		errJSON, err = json.Marshal(execErr)
		if err != nil {
			return fmt.Errorf("marshal execution error: %w", err)
		}
	}
	if logsJSON, err = json.Marshal(logs); err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	if httpJSON, err = json.Marshal(httpRecordings); err != nil {
		return fmt.Errorf("marshal http recordings: %w", err)
	}

	tag, execErrTag := r.db.Exec(ctx, `
		UPDATE executions
		SET status = $1, output = $2, error = $3, duration_ms = $4,
		    logs = $5, http_recordings = $6, completed_at = $7
		WHERE id = $8 AND status IN ($9, $10)
	`, status, output, errJSON, durationMs, logsJSON, httpJSON, completedAt, id, StatusPending, StatusRunning)
	if execErrTag != nil {
		return fmt.Errorf("finalize execution: %w", execErrTag)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotTransitionable
	}
	return nil
}

// LogEventDTO and HttpRecordingDTO are the shapes Finalize marshals
// into the logs and http_recordings columns; the dispatcher converts
// ipc.LogEvent/ipc.HttpRecording into these before calling Finalize.
type LogEventDTO struct {
	Ts      string          `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

type HttpRecordingDTO struct {
	Request  json.RawMessage `json:"request"`
	Response json.RawMessage `json:"response"`
}

func (r *Repository) scanRow(row pgx.Row) (*Execution, error) {
	e := &Execution{}
	var output, errJSON, logsJSON, httpJSON []byte
	var workerID *ids.WorkerID
	err := row.Scan(
		&e.ID, &e.JobID, &e.TaskID, &e.Input, &output, &errJSON, &e.Status,
		&workerID, &e.StartedAt, &e.CompletedAt, &e.DurationMs, &logsJSON, &httpJSON, &e.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	e.WorkerID = workerID
	if len(output) > 0 {
		e.Output = output
	}
	if len(errJSON) > 0 {
		e.Error = &ExecutionError{}
		if err := json.Unmarshal(errJSON, e.Error); err != nil {
			return nil, fmt.Errorf("unmarshal execution error: %w", err)
		}
	}
	if len(logsJSON) > 0 {
		_ = json.Unmarshal(logsJSON, &e.Logs)
	}
	if len(httpJSON) > 0 {
		_ = json.Unmarshal(httpJSON, &e.HttpRecordings)
	}
	return e, nil
}

const selectColumns = `
	id, job_id, task_id, input, output, error, status,
	worker_id, started_at, completed_at, duration_ms, logs, http_recordings, created_at
`

func (r *Repository) GetByID(ctx context.Context, id ids.ExecutionID) (*Execution, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM executions WHERE id = $1", id)
	return r.scanRow(row)
}

func (r *Repository) ListByJob(ctx context.Context, jobID ids.JobID) ([]*Execution, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM executions WHERE job_id = $1 ORDER BY created_at ASC", jobID)
	if err != nil {
		return nil, fmt.Errorf("list executions by job: %w", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}

func (r *Repository) scanRows(rows pgx.Rows) ([]*Execution, error) {
	var out []*Execution
	for rows.Next() {
		e, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// List queries executions by filter, page-cursor paginated by id
// (spec §4.G: "Queryable by task, status, time window; page-cursor
// pagination").
func (r *Repository) List(ctx context.Context, filter Filter, page Page) ([]*Execution, error) {
	query := "SELECT " + selectColumns + " FROM executions WHERE 1=1"
	var args []any
	argNum := 1

	if filter.TaskID != nil {
		query += fmt.Sprintf(" AND task_id = $%d", argNum)
		args = append(args, *filter.TaskID)
		argNum++
	}
	if filter.JobID != nil {
		query += fmt.Sprintf(" AND job_id = $%d", argNum)
		args = append(args, *filter.JobID)
		argNum++
	}
	if filter.Status != nil {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}
	if filter.After != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argNum)
		args = append(args, *filter.After)
		argNum++
	}
	if filter.Before != nil {
		query += fmt.Sprintf(" AND created_at < $%d", argNum)
		args = append(args, *filter.Before)
		argNum++
	}
	if page.Cursor != nil {
		id, err := ids.ParseExecutionID(*page.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		query += fmt.Sprintf(" AND created_at < (SELECT created_at FROM executions WHERE id = $%d)", argNum)
		args = append(args, id)
		argNum++
	}

	limit := page.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()
	return r.scanRows(rows)
}
