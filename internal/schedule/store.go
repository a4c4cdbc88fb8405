package schedule

import (
	"context"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Store is the subset of *Repository that Service depends on.
// Satisfied structurally by *Repository; tests substitute an
// in-memory fake instead of a live Postgres connection.
type Store interface {
	Create(ctx context.Context, req CreateRequest, nextRun time.Time) (*Schedule, error)
	Update(ctx context.Context, sched *Schedule) error
	SetEnabled(ctx context.Context, id ids.ScheduleID, enabled bool) error
	Delete(ctx context.Context, id ids.ScheduleID) error
	GetByID(ctx context.Context, id ids.ScheduleID) (*Schedule, error)
	List(ctx context.Context) ([]*Schedule, error)
}

var _ Store = (*Repository)(nil)
