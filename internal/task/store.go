package task

import (
	"context"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Store is the subset of *Repository that Service depends on.
// Satisfied structurally by *Repository; tests substitute an
// in-memory fake instead of a live Postgres connection.
type Store interface {
	Create(ctx context.Context, t *Task) error
	GetByID(ctx context.Context, id ids.TaskID) (*Task, error)
	GetLatestByName(ctx context.Context, name string) (*Task, error)
	ListVersions(ctx context.Context, name string) ([]*Task, error)
	List(ctx context.Context, limit int, before *string) ([]*Task, error)
	SetEnabled(ctx context.Context, id ids.TaskID, enabled bool) error
	SoftDelete(ctx context.Context, id ids.TaskID) error
}

var _ Store = (*Repository)(nil)
