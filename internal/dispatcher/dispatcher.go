// Package dispatcher implements the dispatcher (spec §4.D): the
// long-running loop that pulls Jobs off the queue, acquires a pool
// worker, drives execution over IPC, persists the outcome, and hands
// terminal output to the router. Grounded on the teacher's
// internal/job.Worker (semaphore-bounded goroutine pool, WaitGroup
// graceful shutdown, atomic counters) generalized from an
// in-process-handler dispatch model to the claim/acquire/submit/finalize
// pipeline spec §4.D describes.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ratchet-run/ratchet/internal/execstore"
	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/output"
	"github.com/ratchet-run/ratchet/internal/pool"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/rerrors"
	"github.com/ratchet-run/ratchet/internal/task"
)

// Config tunes the dispatcher's concurrency and polling cadence.
type Config struct {
	Concurrency        int           // number of claim/execute loops running concurrently
	PollInterval       time.Duration // sleep between claim attempts when the queue is empty
	StaleClaimInterval time.Duration // how often to sweep for stale Processing jobs
	StaleClaimTimeout  time.Duration // a Processing job older than this (by claimed_at) is reverted to Queued
	AcquireGraceMs     int64         // added to a job's timeout_ms as the backstop context deadline for pool.Submit
}

func DefaultConfig() Config {
	return Config{
		Concurrency:        4,
		PollInterval:       250 * time.Millisecond,
		StaleClaimInterval: 5 * time.Minute,
		StaleClaimTimeout:  10 * time.Minute,
		AcquireGraceMs:     5000,
	}
}

// TaskLookup is the dispatcher's dependency on internal/task, narrowed
// to the one call processJob makes. Satisfied by *task.Service.
type TaskLookup interface {
	GetByID(ctx context.Context, id ids.TaskID) (*task.Task, error)
}

// ExecutionStore is the dispatcher's dependency on internal/execstore.
// Satisfied by *execstore.Repository.
type ExecutionStore interface {
	Create(ctx context.Context, e *execstore.Execution) error
	MarkRunning(ctx context.Context, id ids.ExecutionID, workerID ids.WorkerID, startedAt time.Time) error
	Finalize(ctx context.Context, id ids.ExecutionID, status execstore.Status, output json.RawMessage, execErr *execstore.ExecutionError, durationMs int64, logs []execstore.LogEventDTO, httpRecordings []execstore.HttpRecordingDTO, completedAt time.Time) error
}

// OutputDeliverer is the dispatcher's dependency on internal/output.
// Satisfied by *output.Router.
type OutputDeliverer interface {
	Deliver(ctx context.Context, executionID ids.ExecutionID, out json.RawMessage, destinations []output.Destination, tmplCtx output.Context) []output.DeliveryAttempt
}

var (
	_ TaskLookup      = (*task.Service)(nil)
	_ ExecutionStore  = (*execstore.Repository)(nil)
	_ OutputDeliverer = (*output.Router)(nil)
)

// Dispatcher runs the claim -> acquire -> submit -> finalize loop.
type Dispatcher struct {
	queue  queue.Store
	tasks  TaskLookup
	execs  ExecutionStore
	pool   pool.Launcher
	router OutputDeliverer
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	active  map[ids.JobID]context.CancelFunc

	processed atomic.Int64
	failed    atomic.Int64
}

func New(q queue.Store, tasks TaskLookup, execs ExecutionStore, p pool.Launcher, router OutputDeliverer, cfg Config, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.StaleClaimInterval <= 0 {
		cfg.StaleClaimInterval = 5 * time.Minute
	}
	if cfg.StaleClaimTimeout <= 0 {
		cfg.StaleClaimTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		queue:  q,
		tasks:  tasks,
		execs:  execs,
		pool:   p,
		router: router,
		cfg:    cfg,
		logger: logger,
		active: make(map[ids.JobID]context.CancelFunc),
	}
}

// Run blocks, running cfg.Concurrency claim loops plus the stale-claim
// sweeper, until ctx is cancelled or a loop returns a non-context error.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := 0; i < d.cfg.Concurrency; i++ {
		slotID := ids.NewWorkerID()
		g.Go(func() error { return d.loop(ctx, slotID) })
	}
	g.Go(func() error { return d.sweepStaleClaims(ctx) })

	return g.Wait()
}

func (d *Dispatcher) loop(ctx context.Context, slotID ids.WorkerID) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		job, err := d.queue.Claim(ctx, slotID)
		if err == queue.ErrNoJobReady {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}
		if err != nil {
			d.logger.Error("claim failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(d.cfg.PollInterval):
			}
			continue
		}

		d.processJob(ctx, job)
	}
}

// processJob runs one claimed Job through execution to a terminal
// state, per the step sequence in spec §4.D.
func (d *Dispatcher) processJob(parent context.Context, job *queue.Job) {
	jobCtx, cancel := context.WithCancel(parent)
	d.mu.Lock()
	d.active[job.ID] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, job.ID)
		d.mu.Unlock()
		cancel()
	}()

	t, err := d.tasks.GetByID(jobCtx, job.TaskID)
	if err != nil {
		d.logger.Error("failed to load task for job, failing job", "job_id", job.ID, "task_id", job.TaskID, "error", err)
		d.failTerminal(parent, job, nil, fmt.Sprintf("task lookup failed: %v", err))
		return
	}

	exec := &execstore.Execution{JobID: job.ID, TaskID: job.TaskID, Input: job.Input}
	if err := d.execs.Create(jobCtx, exec); err != nil {
		d.logger.Error("failed to create execution record", "job_id", job.ID, "error", err)
		if unclaimErr := d.queue.Unclaim(parent, job.ID); unclaimErr != nil {
			d.logger.Error("failed to unclaim job after execution-create failure", "job_id", job.ID, "error", unclaimErr)
		}
		return
	}

	lease, err := d.pool.Acquire(jobCtx, t.Fingerprint)
	if err != nil {
		d.logger.Warn("failed to acquire worker, returning job to queue", "job_id", job.ID, "error", err)
		if unclaimErr := d.queue.Unclaim(parent, job.ID); unclaimErr != nil {
			d.logger.Error("failed to unclaim job after acquire failure", "job_id", job.ID, "error", unclaimErr)
		}
		return
	}

	startedAt := time.Now().UTC()
	if err := d.execs.MarkRunning(jobCtx, exec.ID, lease.WorkerID(), startedAt); err != nil {
		d.logger.Error("failed to mark execution running", "execution_id", exec.ID, "error", err)
	}

	timeoutMs := job.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = 30000
	}
	submitCtx, submitCancel := context.WithTimeout(jobCtx, time.Duration(timeoutMs)*time.Millisecond+time.Duration(d.cfg.AcquireGraceMs)*time.Millisecond)
	defer submitCancel()

	req := ipc.Request{
		CorrelationID: job.ID.String(),
		Kind:          ipc.RequestExecuteTask,
		ExecuteTask: &ipc.ExecuteTask{
			CorrelationID:   job.ID.String(),
			TaskFingerprint: t.Fingerprint,
			TaskSource:      t.SourceCode,
			InputSchema:     t.InputSchema,
			OutputSchema:    t.OutputSchema,
			Input:           job.Input,
			TimeoutMs:       timeoutMs,
		},
	}

	result, err := d.pool.Submit(submitCtx, lease, req)
	if err != nil {
		// pool.Submit itself already waited cancel_grace for a
		// cooperative TaskResult and, finding none, force-killed the
		// worker and is respawning it (spec §4.D: "if it refuses
		// within cancel_grace, the worker is killed"). The lease is
		// never safe to Release here: either the worker never even
		// accepted the request (transport broken) or it has just been
		// killed out from under this lease.
		d.pool.ReportUnhealthy(parent, lease)
		if jobCtx.Err() != nil {
			// The cancellation came from Dispatcher.Cancel: the job
			// itself is simply Cancelled, independent of whether the
			// worker needed to be killed to enforce it.
			d.finishAttempt(parent, job, t, exec, startedAt, &ipc.TaskResult{Status: ipc.ResultCancelled}, nil)
			return
		}
		d.finishAttempt(parent, job, t, exec, startedAt, nil, rerrors.New(rerrors.KindWorkerCrash, "dispatcher", err))
		return
	}

	d.pool.Release(lease)
	d.finishAttempt(parent, job, t, exec, startedAt, &result, nil)
}

// finishAttempt writes terminal Execution fields, advances the Job
// state machine, and triggers output delivery on success (spec §4.D
// steps 6-7).
func (d *Dispatcher) finishAttempt(ctx context.Context, job *queue.Job, t *task.Task, exec *execstore.Execution, startedAt time.Time, result *ipc.TaskResult, submitErr *rerrors.Error) {
	completedAt := time.Now().UTC()
	durationMs := completedAt.Sub(startedAt).Milliseconds()

	if submitErr != nil {
		d.finalizeFailed(ctx, job, exec, durationMs, completedAt, &execstore.ExecutionError{
			Kind:      string(submitErr.Kind),
			Message:   submitErr.Error(),
			Retryable: submitErr.Retryable,
		})
		return
	}

	logs := make([]execstore.LogEventDTO, len(result.Logs))
	for i, l := range result.Logs {
		logs[i] = execstore.LogEventDTO{Ts: l.Ts, Level: l.Level, Message: l.Message, Fields: l.Fields}
	}
	recordings := make([]execstore.HttpRecordingDTO, len(result.HttpRecordings))
	for i, r := range result.HttpRecordings {
		reqJSON, _ := json.Marshal(r.Request)
		respJSON, _ := json.Marshal(r.Response)
		recordings[i] = execstore.HttpRecordingDTO{Request: reqJSON, Response: respJSON}
	}

	switch result.Status {
	case ipc.ResultCompleted:
		if err := d.execs.Finalize(ctx, exec.ID, execstore.StatusCompleted, result.Output, nil, durationMs, logs, recordings, completedAt); err != nil {
			d.logger.Error("failed to finalize completed execution", "execution_id", exec.ID, "error", err)
		}
		if err := d.queue.Complete(ctx, job.ID); err != nil {
			d.logger.Error("failed to mark job completed", "job_id", job.ID, "error", err)
		}
		d.processed.Add(1)
		d.deliver(ctx, job, t, exec.ID, result.Output, completedAt)

	case ipc.ResultCancelled:
		if err := d.execs.Finalize(ctx, exec.ID, execstore.StatusCancelled, nil, nil, durationMs, logs, recordings, completedAt); err != nil {
			d.logger.Error("failed to finalize cancelled execution", "execution_id", exec.ID, "error", err)
		}
		if err := d.queue.Cancel(ctx, job.ID); err != nil {
			d.logger.Error("failed to mark job cancelled", "job_id", job.ID, "error", err)
		}

	default: // Failed or TimedOut
		execErr := &execstore.ExecutionError{Retryable: false}
		if result.Error != nil {
			execErr.Kind = result.Error.Kind
			execErr.Message = result.Error.Message
			execErr.Retryable = result.Error.Retryable
		} else {
			execErr.Kind = string(rerrors.KindExecution)
			execErr.Message = "task execution did not complete"
		}
		if result.Status == ipc.ResultTimedOut {
			execErr.Kind = string(rerrors.KindTimedOut)
			execErr.Retryable = true
		}
		d.finalizeFailed(ctx, job, exec, durationMs, completedAt, execErr)
	}
}

func (d *Dispatcher) finalizeFailed(ctx context.Context, job *queue.Job, exec *execstore.Execution, durationMs int64, completedAt time.Time, execErr *execstore.ExecutionError) {
	status := execstore.StatusFailed
	if execErr.Kind == string(rerrors.KindTimedOut) {
		status = execstore.StatusTimedOut
	}
	if err := d.execs.Finalize(ctx, exec.ID, status, nil, execErr, durationMs, nil, nil, completedAt); err != nil {
		d.logger.Error("failed to finalize failed execution", "execution_id", exec.ID, "error", err)
	}

	d.failed.Add(1)

	if !execErr.Retryable {
		if err := d.queue.FailTerminal(ctx, job.ID, execErr.Message); err != nil {
			d.logger.Error("failed to fail non-retryable job", "job_id", job.ID, "error", err)
		}
		return
	}
	if err := d.queue.Fail(ctx, job.ID, execErr.Message); err != nil {
		d.logger.Error("failed to requeue job after retryable failure", "job_id", job.ID, "error", err)
	}
}

// failTerminal is used for failures that occur before an Execution
// record even exists (e.g. the task failed to load).
func (d *Dispatcher) failTerminal(ctx context.Context, job *queue.Job, _ *task.Task, msg string) {
	if err := d.queue.FailTerminal(ctx, job.ID, msg); err != nil {
		d.logger.Error("failed to fail job with no execution record", "job_id", job.ID, "error", err)
	}
	d.failed.Add(1)
}

func (d *Dispatcher) deliver(ctx context.Context, job *queue.Job, t *task.Task, execID ids.ExecutionID, out json.RawMessage, completedAt time.Time) {
	if len(job.OutputDestinations) == 0 {
		return
	}
	tmplCtx := output.Context{
		JobID:       job.ID.String(),
		JobUUID:     job.ID.String(),
		TaskID:      job.TaskID.String(),
		TaskName:    t.Name,
		TaskVersion: t.Version,
		ExecutionID: execID.String(),
		Priority:    job.Priority.String(),
		Timestamp:   completedAt,
		Status:      string(execstore.StatusCompleted),
	}
	if job.ScheduleID != nil {
		tmplCtx.ScheduleID = job.ScheduleID.String()
	}
	d.router.Deliver(ctx, execID, out, job.OutputDestinations, tmplCtx)
}

// Cancel marks job Cancelled. If it is still merely Queued this is
// terminal immediately; if it is Processing, the in-flight attempt's
// context is cancelled, which causes pool.Submit to send an
// out-of-band Cancel frame to the worker and return once the worker
// acknowledges or is killed (spec §4.D: "the worker cooperatively
// stops at the next JS yield point").
func (d *Dispatcher) Cancel(ctx context.Context, jobID ids.JobID) error {
	d.mu.Lock()
	cancel, running := d.active[jobID]
	d.mu.Unlock()
	if running {
		cancel()
	}
	return d.queue.Cancel(ctx, jobID)
}

// sweepStaleClaims periodically reverts Processing jobs whose claim is
// older than StaleClaimTimeout back to Queued (spec §4.E: recovery
// from a dispatcher that claimed a job and then crashed).
func (d *Dispatcher) sweepStaleClaims(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.StaleClaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := d.queue.RecoverStaleClaims(ctx, d.cfg.StaleClaimTimeout)
			if err != nil {
				d.logger.Error("stale claim sweep failed", "error", err)
				continue
			}
			if n > 0 {
				d.logger.Warn("recovered stale job claims", "count", n)
			}
		}
	}
}

// Stats returns lifetime processed/failed counters for health reporting.
func (d *Dispatcher) Stats() (processed, failed int64) {
	return d.processed.Load(), d.failed.Load()
}
