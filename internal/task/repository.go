package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Repository provides Task persistence backed by Postgres.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Create(ctx context.Context, t *Task) error {
	if t.ID.IsZero() {
		t.ID = ids.NewTaskID()
	}
	testCases, err := json.Marshal(t.TestCases)
	if err != nil {
		return fmt.Errorf("marshal test cases: %w", err)
	}

	query := `
		INSERT INTO tasks (id, name, version, source_code, input_schema, output_schema,
		                    enabled, test_cases, fingerprint, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		t.ID, t.Name, t.Version, t.SourceCode, t.InputSchema, t.OutputSchema,
		t.Enabled, testCases, t.Fingerprint,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
}

func (r *Repository) scanRow(row pgx.Row) (*Task, error) {
	t := &Task{}
	var testCases []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Version, &t.SourceCode, &t.InputSchema, &t.OutputSchema,
		&t.Enabled, &testCases, &t.Fingerprint, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if len(testCases) > 0 {
		if err := json.Unmarshal(testCases, &t.TestCases); err != nil {
			return nil, fmt.Errorf("unmarshal test cases: %w", err)
		}
	}
	return t, nil
}

const selectColumns = `
	id, name, version, source_code, input_schema, output_schema,
	enabled, test_cases, fingerprint, deleted_at, created_at, updated_at
`

func (r *Repository) GetByID(ctx context.Context, id ids.TaskID) (*Task, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM tasks WHERE id = $1", id)
	return r.scanRow(row)
}

// GetLatestByName returns the most recently created, non-deleted task
// row for a given name.
func (r *Repository) GetLatestByName(ctx context.Context, name string) (*Task, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM tasks
		WHERE name = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`, name)
	return r.scanRow(row)
}

func (r *Repository) GetByFingerprint(ctx context.Context, fingerprint string) (*Task, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM tasks WHERE fingerprint = $1 LIMIT 1", fingerprint)
	return r.scanRow(row)
}

// ListVersions returns every version of a task, newest first.
func (r *Repository) ListVersions(ctx context.Context, name string) ([]*Task, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+selectColumns+`
		FROM tasks WHERE name = $1 ORDER BY created_at DESC
	`, name)
	if err != nil {
		return nil, fmt.Errorf("query task versions: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// List returns non-deleted tasks, page-cursor paginated by created_at.
func (r *Repository) List(ctx context.Context, limit int, before *string) ([]*Task, error) {
	args := []interface{}{}
	query := "SELECT " + selectColumns + " FROM tasks WHERE deleted_at IS NULL"
	argNum := 1
	if before != nil {
		id, err := ids.ParseTaskID(*before)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		query += fmt.Sprintf(" AND created_at < (SELECT created_at FROM tasks WHERE id = $%d)", argNum)
		args = append(args, id)
		argNum++
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argNum)
	args = append(args, limit)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CountLiveReferences reports how many non-terminal jobs or enabled
// schedules still reference this task, used to enforce the
// can't-hard-delete-while-referenced invariant (spec §3).
func (r *Repository) CountLiveReferences(ctx context.Context, id ids.TaskID) (int, error) {
	var jobCount, scheduleCount int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE task_id = $1 AND status IN ('queued', 'processing')
	`, id).Scan(&jobCount)
	if err != nil {
		return 0, fmt.Errorf("count live jobs: %w", err)
	}
	err = r.db.QueryRow(ctx, `
		SELECT COUNT(*) FROM schedules WHERE task_id = $1 AND enabled = TRUE
	`, id).Scan(&scheduleCount)
	if err != nil {
		return 0, fmt.Errorf("count live schedules: %w", err)
	}
	return jobCount + scheduleCount, nil
}

// SoftDelete tombstones a task. Fails with ErrReferenced if any live
// job or enabled schedule still points at it.
func (r *Repository) SoftDelete(ctx context.Context, id ids.TaskID) error {
	refs, err := r.CountLiveReferences(ctx, id)
	if err != nil {
		return err
	}
	if refs > 0 {
		return ErrReferenced
	}
	result, err := r.db.Exec(ctx, `
		UPDATE tasks SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled flips the enabled flag; allowed in place since it is not
// part of the content fingerprint.
func (r *Repository) SetEnabled(ctx context.Context, id ids.TaskID, enabled bool) error {
	result, err := r.db.Exec(ctx, `
		UPDATE tasks SET enabled = $2, updated_at = NOW() WHERE id = $1
	`, id, enabled)
	if err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
