// Package pool implements the worker pool (spec §4.C): it spawns and
// supervises worker subprocesses, leases them out to the dispatcher,
// and performs the host side of the fetch() bridge (internal/workerproc
// emits an HttpRequest event and blocks for a matching HttpResponse;
// this package is what answers it with a real HTTP round trip).
// Grounded on the teacher's internal/jobs/worker (concurrency via
// goroutines, heartbeat-based staleness detection) generalized from
// in-process goroutine workers to process-isolated subprocess workers.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// workerStatus is a worker's slot in the pool.
type workerStatus int

const (
	statusIdle workerStatus = iota
	statusBusy
	statusShuttingDown
	statusCrashed
)

// worker wraps one subprocess and its IPC transport.
type worker struct {
	id        ids.WorkerID
	cmd       *exec.Cmd
	transport *ipc.Transport
	stdin     io.WriteCloser

	mu            sync.Mutex
	status        workerStatus
	lastHeartbeat time.Time
	fingerprint   string // task fingerprint currently/last assigned, for circuit breaking

	pending   map[string]chan ipc.TaskResult // correlation_id -> result channel, for ExecuteTask
	pendingMu sync.Mutex
}

// spawn starts the worker binary as a subprocess and wires its stdio
// into an ipc.Transport. The caller starts readLoop for it.
func spawn(ctx context.Context, binary string, args []string, logger *slog.Logger) (*worker, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	w := &worker{
		id:            ids.NewWorkerID(),
		cmd:           cmd,
		stdin:         stdin,
		transport:     ipc.NewTransport(stdin, stdout),
		status:        statusIdle,
		lastHeartbeat: time.Now(),
		pending:       make(map[string]chan ipc.TaskResult),
	}
	return w, nil
}

// readLoop demultiplexes frames arriving from the worker: TypeResponse
// for a pending ExecuteTask is delivered to its waiting channel;
// TypeEvent carrying an HttpRequest is answered by the pool's HTTP
// bridge; TypeHeartbeat updates liveness; anything else is dropped
// without logging. It runs for the life of the worker.
func (p *Pool) readLoop(w *worker) {
	for {
		frame, err := w.transport.Recv()
		if err != nil {
			p.logger.Warn("worker transport closed", "worker_id", w.id, "error", err)
			p.markCrashed(w)
			return
		}

		switch frame.Type {
		case ipc.TypeResponse, ipc.TypeShutdownAck:
			var result ipc.TaskResult
			if err := json.Unmarshal(frame.Payload, &result); err != nil {
				continue
			}
			w.pendingMu.Lock()
			ch, ok := w.pending[result.CorrelationID]
			if ok {
				delete(w.pending, result.CorrelationID)
			}
			w.pendingMu.Unlock()
			if ok {
				ch <- result
			}

		case ipc.TypeEvent:
			var probe struct {
				RequestID string `json:"request_id"`
				Method    string `json:"method"`
			}
			if err := json.Unmarshal(frame.Payload, &probe); err == nil && probe.RequestID != "" && probe.Method != "" {
				var req ipc.HttpRequest
				if err := json.Unmarshal(frame.Payload, &req); err == nil {
					go p.bridgeHTTP(w, req)
					continue
				}
			}
			// ProgressEvents and anything else not recognized as a
			// fetch bridge are not currently consumed by the pool.

		case ipc.TypeHeartbeat:
			w.mu.Lock()
			w.lastHeartbeat = time.Now()
			w.mu.Unlock()
		}
	}
}

// killAndMarkCrashed force-kills a worker that refused to acknowledge
// a Cancel within cancel_grace (spec §4.D) and then runs it through
// the normal crash bookkeeping. The SIGKILL makes readLoop's Recv
// return an error on its own, but markCrashed's status guard keeps
// that from double-counting the crash.
func (p *Pool) killAndMarkCrashed(w *worker) {
	_ = w.cmd.Process.Kill()
	p.markCrashed(w)
}

func (p *Pool) markCrashed(w *worker) {
	w.mu.Lock()
	if w.status == statusCrashed {
		w.mu.Unlock()
		return
	}
	w.status = statusCrashed
	w.mu.Unlock()

	w.pendingMu.Lock()
	for id, ch := range w.pending {
		ch <- ipc.TaskResult{
			CorrelationID: id,
			Status:        ipc.ResultFailed,
			Error: &ipc.ResultError{
				Kind:      string(rerrors.KindWorkerCrash),
				Message:   "worker process exited unexpectedly",
				Retryable: true,
			},
		}
		delete(w.pending, id)
	}
	w.pendingMu.Unlock()

	p.onWorkerCrashed(w)
}
