package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dop251/goja"

	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
	"github.com/ratchet-run/ratchet/internal/task"
)

// interruptTimeout is the goja.Interrupt reason the watchdog passes
// when the request's deadline trips.
const interruptTimeout = "ratchet: deadline exceeded"

// interruptCancelled is the Interrupt reason used when the dispatcher
// cancels ctx (a Cancel frame was sent), distinguished from a timeout
// trip the same way interruptTimeout is.
const interruptCancelled = "ratchet: cancelled"

// Execute runs one ExecuteTask request to completion, never returning
// an error: every failure mode is represented in the returned
// TaskResult per spec §4.A, matching the contract the dispatcher and
// execution store expect.
//
// Known limitation (documented, not silently resolved — see spec §9's
// open question on yield points): goja has no event loop of its own.
// fetch() is bridged as a promise that the host resolves synchronously
// before returning control to the VM, so `await fetch(...)` behaves as
// a yield point for Cancel/timeout purposes without requiring a real
// asynchronous I/O scheduler. A task whose main() never calls fetch or
// reportProgress and instead spins in a tight synchronous loop cannot
// be preempted by Interrupt until it reaches a backward jump checked
// by the VM's own interrupt poll.

func (e *Engine) Execute(ctx context.Context, req ipc.ExecuteTask, fetch FetchFunc, onLog func(ipc.LogEvent), onProgress func(ipc.ProgressEvent)) ipc.TaskResult {
	start := time.Now()
	var logs []ipc.LogEvent
	captureLog := func(ev ipc.LogEvent) {
		logs = append(logs, ev)
		if onLog != nil {
			onLog(ev)
		}
	}

	gate := newProgressGate(req.Trace, req.ProgressFilter)
	gatedProgress := func(ev ipc.ProgressEvent) {
		if onProgress != nil && gate.allow(ev) {
			onProgress(ev)
		}
	}

	var recordings []ipc.HttpRecording
	recordFetch := func(fetchCtx context.Context, r ipc.HttpRequest) (ipc.HttpResponse, error) {
		resp, err := fetch(fetchCtx, r)
		recordings = append(recordings, ipc.HttpRecording{Request: r, Response: resp})
		return resp, err
	}

	compiled, err := e.compile(ctx, req.TaskFingerprint, req.TaskSource, req.InputSchema, req.OutputSchema)
	if err != nil {
		return e.failure(req, start, logs, recordings, err)
	}

	var input any
	if len(req.Input) > 0 {
		if err := json.Unmarshal(req.Input, &input); err != nil {
			return e.failure(req, start, logs, recordings, rerrors.New(rerrors.KindValidation, "engine", err))
		}
	}
	if err := task.ValidateAgainstSchema(compiled.InputSchema, input); err != nil {
		return e.failure(req, start, logs, recordings, err)
	}

	e.installHostBridge(ctx, req.CorrelationID, recordFetch, captureLog, gatedProgress)

	if _, err := e.vm.RunProgram(compiled.Program); err != nil {
		return e.failure(req, start, logs, recordings, rerrors.New(rerrors.KindWorkerCrash, "engine", err))
	}

	mainVal := e.vm.Get("main")
	fn, ok := goja.AssertFunction(mainVal)
	if !ok {
		return e.failure(req, start, logs, recordings, rerrors.Newf(rerrors.KindExecution, "engine", "task does not export a main(input) function"))
	}

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	type outcome struct {
		val goja.Value
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		val, err := fn(goja.Undefined(), e.vm.ToValue(input))
		done <- outcome{val, err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			if isInterrupted(o.err) {
				return e.timedOut(req, start, logs, recordings)
			}
			return e.failure(req, start, logs, recordings, rerrors.New(rerrors.KindExecution, "engine", o.err))
		}
		return e.complete(req, start, logs, recordings, compiled, o.val)

	case <-ctx.Done():
		e.vm.Interrupt(interruptCancelled)
		<-done // wait for the goroutine to unwind before the VM is reused
		return e.cancelled(req, start, logs, recordings)

	case <-time.After(timeout):
		e.vm.Interrupt(interruptTimeout)
		<-done // wait for the goroutine to unwind before the VM is reused
		return e.timedOut(req, start, logs, recordings)
	}
}

func isInterrupted(err error) bool {
	_, ok := err.(*goja.InterruptedError)
	return ok
}

// progressGate enforces spec §4.A.5: ProgressEvents are only emitted
// when trace is enabled, and even then are subject to the request's
// ProgressFilter (min fractional delta since the last emitted event,
// a step allowlist, and a max emission frequency).
type progressGate struct {
	enabled   bool
	allowSet  map[string]bool
	minDelta  float64
	minPeriod time.Duration

	lastFraction float64
	lastEmit     time.Time
	haveEmitted  bool
}

func newProgressGate(enabled bool, f *ipc.ProgressFilter) *progressGate {
	g := &progressGate{enabled: enabled}
	if f == nil {
		return g
	}
	g.minDelta = f.MinDelta
	if f.MaxFrequency > 0 {
		g.minPeriod = time.Second / time.Duration(f.MaxFrequency)
	}
	if len(f.StepAllow) > 0 {
		g.allowSet = make(map[string]bool, len(f.StepAllow))
		for _, s := range f.StepAllow {
			g.allowSet[s] = true
		}
	}
	return g
}

func (g *progressGate) allow(ev ipc.ProgressEvent) bool {
	if !g.enabled {
		return false
	}
	if g.allowSet != nil && !g.allowSet[ev.Step] {
		return false
	}
	now := time.Now()
	if g.haveEmitted {
		if g.minPeriod > 0 && now.Sub(g.lastEmit) < g.minPeriod {
			return false
		}
		if g.minDelta > 0 {
			delta := ev.Fraction - g.lastFraction
			if delta < 0 {
				delta = -delta
			}
			if delta < g.minDelta {
				return false
			}
		}
	}
	g.lastFraction = ev.Fraction
	g.lastEmit = now
	g.haveEmitted = true
	return true
}

func (e *Engine) complete(req ipc.ExecuteTask, start time.Time, logs []ipc.LogEvent, recordings []ipc.HttpRecording, compiled *CompiledTask, val goja.Value) ipc.TaskResult {
	exported := resolveValue(e.vm, val)

	if err := task.ValidateAgainstSchema(compiled.OutputSchema, exported); err != nil {
		raw, _ := json.Marshal(exported)
		res := e.failure(req, start, logs, recordings, err)
		res.Output = raw
		return res
	}

	raw, err := json.Marshal(exported)
	if err != nil {
		return e.failure(req, start, logs, recordings, rerrors.New(rerrors.KindFormat, "engine", err))
	}
	return ipc.TaskResult{
		CorrelationID:  req.CorrelationID,
		Status:         ipc.ResultCompleted,
		Output:         raw,
		DurationMs:     time.Since(start).Milliseconds(),
		Logs:           logs,
		HttpRecordings: recordings,
	}
}

// resolveValue unwraps a goja.Promise returned by an async main into
// its settled value. Per Execute's doc comment, fetch-bridged promises are
// already settled by the time control returns here.
func resolveValue(vm *goja.Runtime, val goja.Value) any {
	exported := val.Export()
	if p, ok := exported.(*goja.Promise); ok {
		switch p.State() {
		case goja.PromiseStateFulfilled:
			return p.Result().Export()
		case goja.PromiseStateRejected:
			return p.Result().Export()
		default:
			return nil
		}
	}
	return exported
}

func (e *Engine) failure(req ipc.ExecuteTask, start time.Time, logs []ipc.LogEvent, recordings []ipc.HttpRecording, err error) ipc.TaskResult {
	rerr, ok := rerrors.As(err)
	kind := string(rerrors.KindExecution)
	retryable := false
	if ok {
		kind = string(rerr.Kind)
		retryable = rerr.Retryable
	}
	return ipc.TaskResult{
		CorrelationID:  req.CorrelationID,
		Status:         ipc.ResultFailed,
		Error:          &ipc.ResultError{Kind: kind, Message: err.Error(), Retryable: retryable},
		DurationMs:     time.Since(start).Milliseconds(),
		Logs:           logs,
		HttpRecordings: recordings,
	}
}

// cancelled is returned when ctx is done before main() settles: the
// dispatcher cancels ctx after sending a Cancel frame (spec §4.D), and
// the watchdog here interrupts the VM the same way the timeout path
// does so the goroutine running main() actually unwinds.
func (e *Engine) cancelled(req ipc.ExecuteTask, start time.Time, logs []ipc.LogEvent, recordings []ipc.HttpRecording) ipc.TaskResult {
	return ipc.TaskResult{
		CorrelationID: req.CorrelationID,
		Status:        ipc.ResultCancelled,
		Error: &ipc.ResultError{
			Kind:      string(rerrors.KindExecution),
			Message:   "execution cancelled",
			Retryable: false,
		},
		DurationMs:     time.Since(start).Milliseconds(),
		Logs:           logs,
		HttpRecordings: recordings,
	}
}

func (e *Engine) timedOut(req ipc.ExecuteTask, start time.Time, logs []ipc.LogEvent, recordings []ipc.HttpRecording) ipc.TaskResult {
	return ipc.TaskResult{
		CorrelationID: req.CorrelationID,
		Status:        ipc.ResultTimedOut,
		Error: &ipc.ResultError{
			Kind:      string(rerrors.KindTimedOut),
			Message:   "task exceeded its timeout",
			Retryable: true,
		},
		DurationMs:     time.Since(start).Milliseconds(),
		Logs:           logs,
		HttpRecordings: recordings,
	}
}
