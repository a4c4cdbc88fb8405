package queue

import (
	"context"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
)

// Store is the subset of *Repository the dispatcher depends on (spec
// §4.D/§4.E's claim/complete/fail/recover lifecycle). Satisfied
// structurally by *Repository; tests substitute an in-memory fake
// instead of a live Postgres connection, matching SPEC_FULL.md's
// test-strategy section.
type Store interface {
	Claim(ctx context.Context, workerID ids.WorkerID) (*Job, error)
	Complete(ctx context.Context, id ids.JobID) error
	Fail(ctx context.Context, id ids.JobID, errMsg string) error
	FailTerminal(ctx context.Context, id ids.JobID, errMsg string) error
	Unclaim(ctx context.Context, id ids.JobID) error
	Cancel(ctx context.Context, id ids.JobID) error
	RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error)
}

var _ Store = (*Repository)(nil)
