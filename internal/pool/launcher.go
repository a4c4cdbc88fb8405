package pool

import (
	"context"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
)

// Launcher is the subset of *Pool the dispatcher depends on (spec
// §4.D's acquire/submit/finalize steps). Satisfied structurally by
// *Pool; tests substitute a hand-rolled fake instead of a real
// subprocess pool, matching SPEC_FULL.md's test-strategy section.
type Launcher interface {
	Acquire(ctx context.Context, taskFingerprint string) (*Lease, error)
	Submit(ctx context.Context, l *Lease, req ipc.Request) (ipc.TaskResult, error)
	Release(l *Lease)
	ReportUnhealthy(ctx context.Context, l *Lease)
}

// NewLease builds a Lease around a bare worker identity, with no
// backing subprocess. It exists for test fakes that implement Launcher
// without spawning a real worker: the returned Lease is only ever
// passed back into that same fake's Submit/Release/ReportUnhealthy, so
// it never needs a live worker behind it.
func NewLease(workerID ids.WorkerID) *Lease {
	return &Lease{worker: &worker{id: workerID}}
}

var _ Launcher = (*Pool)(nil)
