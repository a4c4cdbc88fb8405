// Package workerproc implements the worker subprocess's main loop
// (spec §4.A): read a request frame, dispatch it, write a response
// frame, repeat. This is the code cmd/worker's main() runs; the pool
// (internal/pool) is what spawns the process this package runs inside.
package workerproc

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/ratchet-run/ratchet/internal/engine"
	"github.com/ratchet-run/ratchet/internal/ipc"
)

// Worker runs the read-dispatch-write loop against one Engine. The
// actual HTTP round trip for fetch() is performed host-side (by the
// pool, see internal/pool); the worker only emits the request event
// and awaits the matching response event.
//
// A single goroutine (Run's own) owns transport.Recv(): it demultiplexes
// incoming frames either to the in-progress ExecuteTask's fetch waiter
// (by request_id) or to its own request dispatch switch. ExecuteTask
// itself runs on a second goroutine so that a Cancel frame arriving
// mid-execution is still observed promptly (spec §4.D: "the worker
// cooperatively stops at the next JS yield point").
type Worker struct {
	transport *ipc.Transport
	engine    *engine.Engine
	logger    *slog.Logger

	mu        sync.Mutex
	cancelFns map[string]context.CancelFunc // correlation_id -> cancel for the in-flight Execute

	pendingMu sync.Mutex
	pending   map[string]chan ipc.HttpResponse // request_id -> fetch response waiter
}

func New(transport *ipc.Transport, eng *engine.Engine, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		transport: transport,
		engine:    eng,
		logger:    logger,
		cancelFns: make(map[string]context.CancelFunc),
		pending:   make(map[string]chan ipc.HttpResponse),
	}
}

// Run blocks, processing requests until the transport's peer closes
// the stream or a Shutdown request is handled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		frame, err := w.transport.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		switch frame.Type {
		case ipc.TypeEvent:
			// The only Event frames a worker ever receives are
			// HttpResponses answering a fetch() this process emitted;
			// route by request_id to whichever Execute call is
			// awaiting it. Anything unmatched (already timed out, or
			// a stray frame) is dropped.
			w.deliverHTTPResponse(frame.Payload)

		case ipc.TypeRequest:
			var req ipc.Request
			if err := decode(frame.Payload, &req); err != nil {
				w.logger.Error("malformed request frame", "error", err)
				continue
			}
			if shutdown := w.dispatch(ctx, req); shutdown {
				return nil
			}

		default:
			w.logger.Warn("worker received unexpected frame type", "type", frame.Type.String())
		}
	}
}

// dispatch handles one Request frame. It returns true when the worker
// should exit Run's loop (a Shutdown was processed).
func (w *Worker) dispatch(ctx context.Context, req ipc.Request) bool {
	switch req.Kind {
	case ipc.RequestPing:
		_ = w.transport.Send(ipc.TypeResponse, ipc.Empty{CorrelationID: req.CorrelationID})

	case ipc.RequestShutdown:
		_ = w.transport.Send(ipc.TypeShutdownAck, ipc.Empty{CorrelationID: req.CorrelationID})
		return true

	case ipc.RequestCancel:
		w.mu.Lock()
		cancel, ok := w.cancelFns[req.CorrelationID]
		w.mu.Unlock()
		if ok {
			cancel()
		}

	case ipc.RequestExecuteTask:
		if req.ExecuteTask == nil {
			return false
		}
		execCtx, cancel := context.WithCancel(ctx)
		w.mu.Lock()
		w.cancelFns[req.CorrelationID] = cancel
		w.mu.Unlock()
		go w.handleExecute(execCtx, cancel, req.CorrelationID, *req.ExecuteTask)

	case ipc.RequestValidateTask:
		if req.ValidateTask == nil {
			return false
		}
		go w.handleValidate(ctx, req.CorrelationID, *req.ValidateTask)
	}
	return false
}

func (w *Worker) handleExecute(ctx context.Context, cancel context.CancelFunc, correlationID string, exec ipc.ExecuteTask) {
	exec.CorrelationID = correlationID
	defer func() {
		w.mu.Lock()
		delete(w.cancelFns, correlationID)
		w.mu.Unlock()
		cancel()
	}()

	onLog := func(ev ipc.LogEvent) {
		// structured logs travel home inside the terminal TaskResult
		// (spec §4.A.7); nothing to emit as a separate frame here.
	}
	onProgress := func(ev ipc.ProgressEvent) {
		_ = w.transport.Send(ipc.TypeEvent, ev)
	}

	result := w.engine.Execute(ctx, exec, w.bridgeFetch, onLog, onProgress)
	_ = w.transport.Send(ipc.TypeResponse, result)
}

func (w *Worker) handleValidate(ctx context.Context, correlationID string, v ipc.ValidateTask) {
	exec := ipc.ExecuteTask{
		CorrelationID:   correlationID,
		TaskFingerprint: "validate:" + correlationID,
		TaskSource:      v.TaskSource,
		InputSchema:     v.InputSchema,
		OutputSchema:    v.OutputSchema,
		Input:           []byte("null"),
		TimeoutMs:       int64(5 * time.Second / time.Millisecond),
	}
	result := w.engine.Execute(ctx, exec, w.bridgeFetch, func(ipc.LogEvent) {}, func(ipc.ProgressEvent) {})
	_ = w.transport.Send(ipc.TypeResponse, result)
}

func (w *Worker) deliverHTTPResponse(payload []byte) {
	var resp ipc.HttpResponse
	if err := decode(payload, &resp); err != nil || resp.RequestID == "" {
		return
	}
	w.pendingMu.Lock()
	ch, ok := w.pending[resp.RequestID]
	if ok {
		delete(w.pending, resp.RequestID)
	}
	w.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}
