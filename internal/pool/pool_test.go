package pool

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

func TestBackoffDelayGrowsExponentiallyAndCapsAtMax(t *testing.T) {
	base := 100 * time.Millisecond
	max := 400 * time.Millisecond

	d1 := backoffDelay(base, max, 1)
	if d1 < base || d1 > base+base/5 {
		t.Fatalf("attempt 1 delay %s out of expected [%s, %s] range", d1, base, base+base/5)
	}

	d3 := backoffDelay(base, max, 10)
	if d3 < max || d3 > max+max/5 {
		t.Fatalf("a large attempt number must cap at max (plus jitter), got %s", d3)
	}
}

// Submit must wait cfg.CancelGrace for a cooperative TaskResult before
// treating a cancelled context as a crash (spec §4.D: "the worker
// cooperatively stops ... if it refuses within cancel_grace, the
// worker is killed"). This fabricates a worker with a discard
// transport and delivers the "worker's" answer directly onto its
// pending channel, simulating a cooperative cancel that lands inside
// the grace window.
func TestSubmitReturnsCooperativeResultWithinCancelGrace(t *testing.T) {
	p := New(Config{CancelGrace: 500 * time.Millisecond}, nil)
	w := &worker{
		id:        ids.NewWorkerID(),
		transport: ipc.NewTransport(io.Discard, strings.NewReader("")),
		status:    statusBusy,
		pending:   make(map[string]chan ipc.TaskResult),
	}
	lease := &Lease{worker: w}
	req := ipc.Request{CorrelationID: "corr-cooperative", Kind: ipc.RequestExecuteTask}

	ctx, cancel := context.WithCancel(context.Background())
	type submitResult struct {
		res ipc.TaskResult
		err error
	}
	done := make(chan submitResult, 1)
	go func() {
		res, err := p.Submit(ctx, lease, req)
		done <- submitResult{res, err}
	}()

	var waiter chan ipc.TaskResult
	for i := 0; i < 200; i++ {
		w.pendingMu.Lock()
		waiter = w.pending[req.CorrelationID]
		w.pendingMu.Unlock()
		if waiter != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if waiter == nil {
		t.Fatal("Submit never registered a pending channel for the request")
	}
	cancel()

	// Simulate the worker unwinding promptly and answering the Cancel.
	waiter <- ipc.TaskResult{CorrelationID: req.CorrelationID, Status: ipc.ResultCancelled}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("expected no error when the worker cooperates within cancel_grace, got %v", out.err)
		}
		if out.res.Status != ipc.ResultCancelled {
			t.Fatalf("expected a Cancelled result, got %v", out.res.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Submit did not return")
	}

	w.mu.Lock()
	status := w.status
	w.mu.Unlock()
	if status == statusCrashed {
		t.Fatal("a worker that cooperates within cancel_grace must not be marked crashed")
	}
}

// When the worker never acknowledges the Cancel, Submit must force-kill
// it once cancel_grace elapses rather than leaving it leased out while
// still possibly running the cancelled task on its single goja.Runtime
// (spec §3: "two executions against one worker never overlap").
func TestSubmitKillsWorkerWhenCancelGraceExceeded(t *testing.T) {
	if _, err := exec.LookPath("cat"); err != nil {
		t.Skip("cat binary not available in this environment")
	}

	p := New(Config{CancelGrace: 30 * time.Millisecond}, nil)
	w, err := spawn(context.Background(), "cat", nil, nil)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer w.cmd.Process.Kill()

	lease := &Lease{worker: w}
	req := ipc.Request{CorrelationID: "corr-refuses", Kind: ipc.RequestExecuteTask}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: Submit enters its cancel branch immediately.

	_, err = p.Submit(ctx, lease, req)
	if err == nil {
		t.Fatal("expected an error once cancel_grace elapses without a cooperative TaskResult")
	}
	if !rerrors.IsRetryable(err) {
		t.Fatalf("a grace-exceeded cancel should classify as a retryable WorkerCrash, got %v", err)
	}

	w.mu.Lock()
	status := w.status
	w.mu.Unlock()
	if status != statusCrashed {
		t.Fatalf("expected the unresponsive worker to be marked crashed, got status %v", status)
	}
}
