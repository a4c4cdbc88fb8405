package output

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Repository persists DeliveryAttempts, grounded on the teacher's
// webhook.Repository delivery-tracking table, generalized from a
// tenant-keyed webhook_deliveries table to the execution-keyed shape
// spec §3 describes.
type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func (r *Repository) RecordAttempt(ctx context.Context, a *DeliveryAttempt) error {
	if a.ID.IsZero() {
		a.ID = ids.NewDestinationID()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO delivery_attempts (
			id, execution_id, destination_index, attempt_number, status, status_code, error, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.ExecutionID, a.DestinationIndex, a.AttemptNumber, a.Status, a.StatusCode, a.Error, a.At)
	if err != nil {
		return fmt.Errorf("record delivery attempt: %w", err)
	}
	return nil
}

// ListByExecution returns every attempt recorded for an execution, in
// delivery order, used for audit queries.
func (r *Repository) ListByExecution(ctx context.Context, executionID ids.ExecutionID) ([]*DeliveryAttempt, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, execution_id, destination_index, attempt_number, status, status_code, error, at
		FROM delivery_attempts
		WHERE execution_id = $1
		ORDER BY destination_index ASC, attempt_number ASC
	`, executionID)
	if err != nil {
		return nil, fmt.Errorf("list delivery attempts: %w", err)
	}
	defer rows.Close()

	var out []*DeliveryAttempt
	for rows.Next() {
		a := &DeliveryAttempt{}
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.DestinationIndex, &a.AttemptNumber, &a.Status, &a.StatusCode, &a.Error, &a.At); err != nil {
			return nil, fmt.Errorf("scan delivery attempt: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
