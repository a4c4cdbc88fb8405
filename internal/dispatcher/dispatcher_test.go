package dispatcher

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/ratchet-run/ratchet/internal/execstore"
	"github.com/ratchet-run/ratchet/internal/ids"
	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/output"
	"github.com/ratchet-run/ratchet/internal/pool"
	"github.com/ratchet-run/ratchet/internal/queue"
	"github.com/ratchet-run/ratchet/internal/task"
)

// fakeQueue is a hand-rolled in-memory queue.Store, one Job at a time,
// matching the teacher's style of test doubles over a mocking
// framework (SPEC_FULL.md's test-strategy section).
type fakeQueue struct {
	mu sync.Mutex

	job *queue.Job

	completed   bool
	cancelled   bool
	unclaimed   bool
	failedMsg   string
	terminalMsg string
	recovered   int64
}

func (f *fakeQueue) Claim(ctx context.Context, workerID ids.WorkerID) (*queue.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.job == nil {
		return nil, queue.ErrNoJobReady
	}
	j := f.job
	f.job = nil
	return j, nil
}

func (f *fakeQueue) Complete(ctx context.Context, id ids.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = true
	return nil
}

func (f *fakeQueue) Fail(ctx context.Context, id ids.JobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failedMsg = errMsg
	return nil
}

func (f *fakeQueue) FailTerminal(ctx context.Context, id ids.JobID, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminalMsg = errMsg
	return nil
}

func (f *fakeQueue) Unclaim(ctx context.Context, id ids.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unclaimed = true
	return nil
}

func (f *fakeQueue) Cancel(ctx context.Context, id ids.JobID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

func (f *fakeQueue) RecoverStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recovered, nil
}

var _ queue.Store = (*fakeQueue)(nil)

// fakeLauncher is a single-worker fake pool.Launcher. submitResult and
// submitErr script what Submit returns; released/reportedUnhealthy
// record which cleanup call processJob made.
type fakeLauncher struct {
	mu sync.Mutex

	workerID ids.WorkerID

	submitResult ipc.TaskResult
	submitErr    error
	submitDelay  time.Duration

	released          bool
	reportedUnhealthy bool
}

func (f *fakeLauncher) Acquire(ctx context.Context, taskFingerprint string) (*pool.Lease, error) {
	return pool.NewLease(f.workerID), nil
}

func (f *fakeLauncher) Submit(ctx context.Context, l *pool.Lease, req ipc.Request) (ipc.TaskResult, error) {
	if f.submitDelay > 0 {
		select {
		case <-ctx.Done():
			return ipc.TaskResult{}, ctx.Err()
		case <-time.After(f.submitDelay):
		}
	}
	if f.submitErr != nil {
		return ipc.TaskResult{}, f.submitErr
	}
	return f.submitResult, nil
}

func (f *fakeLauncher) Release(l *pool.Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = true
}

func (f *fakeLauncher) ReportUnhealthy(ctx context.Context, l *pool.Lease) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportedUnhealthy = true
}

var _ pool.Launcher = (*fakeLauncher)(nil)

type fakeTasks struct {
	t *task.Task
}

func (f *fakeTasks) GetByID(ctx context.Context, id ids.TaskID) (*task.Task, error) {
	if f.t == nil {
		return nil, task.ErrNotFound
	}
	return f.t, nil
}

var _ TaskLookup = (*fakeTasks)(nil)

type fakeExecs struct {
	mu sync.Mutex

	created       bool
	markedRunning bool
	finalStatus   execstore.Status
	finalErr      *execstore.ExecutionError
}

func (f *fakeExecs) Create(ctx context.Context, e *execstore.Execution) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e.ID = ids.NewExecutionID()
	f.created = true
	return nil
}

func (f *fakeExecs) MarkRunning(ctx context.Context, id ids.ExecutionID, workerID ids.WorkerID, startedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRunning = true
	return nil
}

func (f *fakeExecs) Finalize(ctx context.Context, id ids.ExecutionID, status execstore.Status, out json.RawMessage, execErr *execstore.ExecutionError, durationMs int64, logs []execstore.LogEventDTO, recordings []execstore.HttpRecordingDTO, completedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalStatus = status
	f.finalErr = execErr
	return nil
}

var _ ExecutionStore = (*fakeExecs)(nil)

type fakeRouter struct {
	mu        sync.Mutex
	delivered int
}

func (f *fakeRouter) Deliver(ctx context.Context, executionID ids.ExecutionID, out json.RawMessage, destinations []output.Destination, tmplCtx output.Context) []output.DeliveryAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered++
	return nil
}

var _ OutputDeliverer = (*fakeRouter)(nil)

func testJob() *queue.Job {
	return &queue.Job{
		ID:         ids.NewJobID(),
		TaskID:     ids.NewTaskID(),
		Input:      json.RawMessage(`{}`),
		MaxRetries: 3,
		TimeoutMs:  1000,
	}
}

func testTask() *task.Task {
	return &task.Task{ID: ids.NewTaskID(), Name: "t", Version: "v1", Fingerprint: "fp"}
}

// E1: a job that completes successfully is marked Completed on the
// queue, the Execution is finalized Completed, and output is routed.
func TestProcessJobCompletesSuccessfully(t *testing.T) {
	job := testJob()
	fq := &fakeQueue{job: job}
	fl := &fakeLauncher{workerID: ids.NewWorkerID(), submitResult: ipc.TaskResult{Status: ipc.ResultCompleted, Output: json.RawMessage(`{"ok":true}`)}}
	fe := &fakeExecs{}
	fr := &fakeRouter{}
	d := New(fq, &fakeTasks{t: testTask()}, fe, fl, fr, DefaultConfig(), nil)

	d.processJob(context.Background(), job)

	if !fq.completed {
		t.Fatal("expected the job to be marked completed on the queue")
	}
	if fe.finalStatus != execstore.StatusCompleted {
		t.Fatalf("expected the execution to finalize Completed, got %v", fe.finalStatus)
	}
	if !fl.released {
		t.Fatal("expected the lease to be released on success")
	}
	if fl.reportedUnhealthy {
		t.Fatal("a successful submit must not report the worker unhealthy")
	}
}

// E4: a retryable failure requeues the job (Fail, not FailTerminal).
func TestProcessJobRetryableFailureRequeues(t *testing.T) {
	job := testJob()
	fq := &fakeQueue{job: job}
	fl := &fakeLauncher{workerID: ids.NewWorkerID(), submitResult: ipc.TaskResult{
		Status: ipc.ResultFailed,
		Error:  &ipc.ResultError{Kind: "worker_crash", Message: "boom", Retryable: true},
	}}
	fe := &fakeExecs{}
	d := New(fq, &fakeTasks{t: testTask()}, fe, fl, &fakeRouter{}, DefaultConfig(), nil)

	d.processJob(context.Background(), job)

	if fq.failedMsg == "" {
		t.Fatal("expected Fail to be called for a retryable error")
	}
	if fq.terminalMsg != "" {
		t.Fatal("a retryable error must not call FailTerminal")
	}
	if fe.finalStatus != execstore.StatusFailed {
		t.Fatalf("expected the execution to finalize Failed, got %v", fe.finalStatus)
	}
}

// A non-retryable failure (e.g. ValidationError) must go straight to
// the dead letter via FailTerminal regardless of remaining retry
// budget (spec §7).
func TestProcessJobNonRetryableFailureGoesTerminal(t *testing.T) {
	job := testJob()
	fq := &fakeQueue{job: job}
	fl := &fakeLauncher{workerID: ids.NewWorkerID(), submitResult: ipc.TaskResult{
		Status: ipc.ResultFailed,
		Error:  &ipc.ResultError{Kind: "validation", Message: "bad input", Retryable: false},
	}}
	d := New(fq, &fakeTasks{t: testTask()}, &fakeExecs{}, fl, &fakeRouter{}, DefaultConfig(), nil)

	d.processJob(context.Background(), job)

	if fq.terminalMsg == "" {
		t.Fatal("expected FailTerminal to be called for a non-retryable error")
	}
	if fq.failedMsg != "" {
		t.Fatal("a non-retryable error must not call the retrying Fail path")
	}
}

// E7/Comment(a): when Submit itself errors (the cancel-grace timeout
// path killed the worker), processJob must never Release the lease —
// only report it unhealthy — since the worker may have just been
// force-killed out from under it.
func TestProcessJobSubmitErrorReportsUnhealthyWithoutReleasing(t *testing.T) {
	job := testJob()
	fq := &fakeQueue{job: job}
	fl := &fakeLauncher{workerID: ids.NewWorkerID(), submitErr: context.DeadlineExceeded}
	fe := &fakeExecs{}
	d := New(fq, &fakeTasks{t: testTask()}, fe, fl, &fakeRouter{}, DefaultConfig(), nil)

	d.processJob(context.Background(), job)

	if fl.released {
		t.Fatal("a failed Submit must never Release the lease")
	}
	if !fl.reportedUnhealthy {
		t.Fatal("a failed Submit must report the worker unhealthy")
	}
	if fe.finalStatus != execstore.StatusFailed {
		t.Fatalf("expected the execution to finalize Failed, got %v", fe.finalStatus)
	}
}

// Cancel, called while a job is in flight, must cancel that job's
// context and mark it Cancelled on the queue (spec §4.D).
func TestCancelStopsInFlightJob(t *testing.T) {
	job := testJob()
	fq := &fakeQueue{job: job}
	fl := &fakeLauncher{workerID: ids.NewWorkerID(), submitDelay: time.Hour}
	d := New(fq, &fakeTasks{t: testTask()}, &fakeExecs{}, fl, &fakeRouter{}, DefaultConfig(), nil)

	done := make(chan struct{})
	go func() {
		d.processJob(context.Background(), job)
		close(done)
	}()

	// Wait until processJob has registered the job as active.
	for i := 0; i < 500; i++ {
		d.mu.Lock()
		_, running := d.active[job.ID]
		d.mu.Unlock()
		if running {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if err := d.Cancel(context.Background(), job.ID); err != nil {
		t.Fatalf("Cancel returned an error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("processJob did not return after Cancel")
	}

	if !fq.cancelled {
		t.Fatal("expected Cancel to mark the job cancelled on the queue")
	}
}
