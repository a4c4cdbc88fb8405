package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/output"
)

var (
	ErrNotFound   = errors.New("queue: job not found")
	ErrDuplicate  = errors.New("queue: duplicate job (idempotency key already queued)")
	ErrNoJobReady = errors.New("queue: no job ready to claim")
)

// Repository is the Postgres-backed Job queue, grounded on the
// teacher's internal/job.Queue (SELECT...FOR UPDATE SKIP LOCKED claim,
// exponential-backoff retry, dead-letter move).
type Repository struct {
	db     *pgxpool.Pool
	logger *slog.Logger
	retry  RetryPolicy
}

func NewRepository(db *pgxpool.Pool, logger *slog.Logger, retry RetryPolicy) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{db: db, logger: logger, retry: retry}
}

// Enqueue inserts a Job in Queued status. If opts.IdempotencyKey is
// set and any existing job already carries it, whatever that job's
// status, Enqueue returns the existing job and ErrDuplicate rather than
// inserting a duplicate
// (spec §4.E: "Enqueue is idempotent by IdempotencyKey").
func (r *Repository) Enqueue(ctx context.Context, taskID ids.TaskID, input json.RawMessage, opts EnqueueOptions) (*Job, error) {
	destJSON, err := output.MarshalDestinations(opts.OutputDestinations)
	if err != nil {
		return nil, fmt.Errorf("marshal output destinations: %w", err)
	}

	timeoutMs := opts.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}

	j := &Job{
		ID:                 ids.NewJobID(),
		TaskID:             taskID,
		Input:              input,
		Priority:           opts.Priority,
		Status:             StatusQueued,
		MaxRetries:         opts.MaxRetries,
		ScheduledFor:       opts.ScheduledFor,
		OutputDestinations: opts.OutputDestinations,
		CorrelationToken:   opts.CorrelationToken,
		ScheduleID:         opts.ScheduleID,
		IdempotencyKey:     opts.IdempotencyKey,
		TimeoutMs:          timeoutMs,
	}

	var idemKey any
	if j.IdempotencyKey != "" {
		idemKey = j.IdempotencyKey
	}

	err = r.db.QueryRow(ctx, `
		INSERT INTO jobs (
			id, task_id, input, priority, status, retry_count, max_retries,
			scheduled_for, queued_at, output_destinations, correlation_token,
			schedule_id, idempotency_key, timeout_ms, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, 0, $6, $7, NOW(), $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (idempotency_key) WHERE idempotency_key IS NOT NULL DO NOTHING
		RETURNING queued_at, created_at, updated_at
	`, j.ID, j.TaskID, j.Input, j.Priority, j.Status, j.MaxRetries, j.ScheduledFor,
		destJSON, j.CorrelationToken, j.ScheduleID, idemKey, j.TimeoutMs,
	).Scan(&j.QueuedAt, &j.CreatedAt, &j.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.GetByIdempotencyKey(ctx, j.IdempotencyKey)
		if getErr != nil {
			return nil, fmt.Errorf("enqueue: duplicate idempotency key, lookup failed: %w", getErr)
		}
		return existing, ErrDuplicate
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	r.logger.Debug("job enqueued", "job_id", j.ID, "task_id", j.TaskID, "priority", j.Priority)
	return j, nil
}

// Claim atomically claims the highest-priority, oldest-queued,
// due-to-run job for a worker, using SELECT...FOR UPDATE SKIP LOCKED
// so concurrent dispatchers never double-claim the same row.
func (r *Repository) Claim(ctx context.Context, workerID ids.WorkerID) (*Job, error) {
	now := time.Now().UTC()
	row := r.db.QueryRow(ctx, `
		UPDATE jobs
		SET status = $1, claimed_by = $2, claimed_at = $3, updated_at = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE status = $4 AND (scheduled_for IS NULL OR scheduled_for <= $3)
			ORDER BY priority DESC, queued_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+selectColumns, StatusProcessing, workerID, now, StatusQueued)

	j, err := r.scanRow(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoJobReady
	}
	return j, err
}

// Complete marks a job Completed.
func (r *Repository) Complete(ctx context.Context, id ids.JobID) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status = $4
	`, StatusCompleted, now, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Fail records a failed attempt. If retries remain, the job is
// returned to Queued with an exponential backoff delay applied to
// scheduled_for (spec §4.E); otherwise it moves to Failed and the
// dead-letter table records the terminal failure (spec's supplemented
// dead-letter feature).
func (r *Repository) Fail(ctx context.Context, id ids.JobID, errMsg string) error {
	j, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}

	newRetryCount := j.RetryCount + 1
	now := time.Now().UTC()

	if newRetryCount >= j.MaxRetries {
		return r.moveToDeadLetter(ctx, j, errMsg, now)
	}

	delay := ComputeBackoff(r.retry, newRetryCount)
	nextRun := now.Add(delay)

	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = $1, retry_count = $2, last_error = $3, scheduled_for = $4,
		    claimed_by = NULL, claimed_at = NULL, updated_at = $5
		WHERE id = $6
	`, StatusQueued, newRetryCount, errMsg, nextRun, now, id)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	r.logger.Info("job failed, will retry",
		"job_id", id, "retry_count", newRetryCount, "max_retries", j.MaxRetries,
		"next_run_at", nextRun, "error", errMsg)
	return nil
}

// FailTerminal moves a job straight to Failed/dead-letter without
// consulting retry_count, for error kinds the taxonomy marks
// non-retryable (spec §7: ValidationError, FormatError, etc. never
// retry regardless of remaining budget).
func (r *Repository) FailTerminal(ctx context.Context, id ids.JobID, errMsg string) error {
	j, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return r.moveToDeadLetter(ctx, j, errMsg, time.Now().UTC())
}

func (r *Repository) moveToDeadLetter(ctx context.Context, j *Job, lastError string, now time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = $1, last_error = $2, completed_at = $3, updated_at = $3
		WHERE id = $4
	`, StatusFailed, lastError, now, j.ID)
	if err != nil {
		return fmt.Errorf("move job to failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO dead_letters (id, job_id, task_id, input, last_error, retry_count, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ids.NewJobID(), j.ID, j.TaskID, j.Input, lastError, j.RetryCount+1, now)
	if err != nil {
		r.logger.Error("failed to record dead letter", "job_id", j.ID, "error", err)
	}

	r.logger.Warn("job exhausted retries, moved to dead letter", "job_id", j.ID, "last_error", lastError)
	return nil
}

// Unclaim returns a job to Queued without touching retry_count, used
// when a dispatcher claims a job but can't get a worker lease in time
// (spec §4.D step 3: "On timeout, rollback Job to Queued (preserving
// retry_count) and continue").
func (r *Repository) Unclaim(ctx context.Context, id ids.JobID) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = $1, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, StatusQueued, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("unclaim job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Cancel marks a non-terminal job Cancelled (spec §5: cancellation is
// cooperative for in-flight executions, but a merely-queued job can be
// cancelled outright).
func (r *Repository) Cancel(ctx context.Context, id ids.JobID) error {
	now := time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs SET status = $1, completed_at = $2, updated_at = $2
		WHERE id = $3 AND status IN ($4, $5)
	`, StatusCancelled, now, id, StatusQueued, StatusProcessing)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecoverStaleClaims requeues jobs stuck in Processing past
// staleAfter, e.g. because the dispatcher that claimed them crashed
// without completing or failing them (spec's supplemented stale-claim
// recovery feature).
func (r *Repository) RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-staleAfter)
	tag, err := r.db.Exec(ctx, `
		UPDATE jobs
		SET status = $1, retry_count = retry_count + 1, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE status = $2 AND claimed_at < $3
	`, StatusQueued, StatusProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale claims: %w", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		r.logger.Warn("recovered stale job claims", "count", n)
	}
	return n, nil
}

const selectColumns = `
	id, task_id, input, priority, status, retry_count, max_retries,
	scheduled_for, queued_at, output_destinations, correlation_token,
	schedule_id, idempotency_key, last_error, claimed_by, claimed_at,
	completed_at, created_at, updated_at, timeout_ms
`

func (r *Repository) scanRow(row pgx.Row) (*Job, error) {
	j := &Job{}
	var destJSON []byte
	var idemKey *string
	err := row.Scan(
		&j.ID, &j.TaskID, &j.Input, &j.Priority, &j.Status, &j.RetryCount, &j.MaxRetries,
		&j.ScheduledFor, &j.QueuedAt, &destJSON, &j.CorrelationToken,
		&j.ScheduleID, &idemKey, &j.LastError, &j.ClaimedBy, &j.ClaimedAt,
		&j.CompletedAt, &j.CreatedAt, &j.UpdatedAt, &j.TimeoutMs,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if idemKey != nil {
		j.IdempotencyKey = *idemKey
	}
	dests, err := output.UnmarshalDestinations(destJSON)
	if err != nil {
		return nil, fmt.Errorf("unmarshal output destinations: %w", err)
	}
	j.OutputDestinations = dests
	return j, nil
}

func (r *Repository) GetByID(ctx context.Context, id ids.JobID) (*Job, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM jobs WHERE id = $1", id)
	return r.scanRow(row)
}

func (r *Repository) GetByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM jobs WHERE idempotency_key = $1 ORDER BY created_at DESC LIMIT 1", key)
	return r.scanRow(row)
}

// ListByStatus returns jobs in a given status, oldest-queued first.
func (r *Repository) ListByStatus(ctx context.Context, status Status, limit int) ([]*Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM jobs WHERE status = $1 ORDER BY queued_at ASC LIMIT $2", status, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs by status: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
