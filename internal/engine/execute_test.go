package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ratchet-run/ratchet/internal/ipc"
)

func noopFetch(ctx context.Context, req ipc.HttpRequest) (ipc.HttpResponse, error) {
	return ipc.HttpResponse{StatusCode: 200}, nil
}

// E1: simple success.
func TestExecuteAdditionSucceeds(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		CorrelationID:   "corr-1",
		TaskFingerprint: "fp-addition",
		TaskSource:      `async function main(input){ return {result: input.num1+input.num2}; }`,
		Input:           json.RawMessage(`{"num1":5,"num2":10}`),
		TimeoutMs:       2000,
	}

	result := e.Execute(context.Background(), req, noopFetch, nil, nil)

	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (error=%v)", result.Status, result.Error)
	}
	var out struct {
		Result float64 `json:"result"`
	}
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatalf("unexpected output JSON: %s: %v", result.Output, err)
	}
	if out.Result != 15 {
		t.Fatalf("expected result=15, got %v", out.Result)
	}
}

// E2: a task that never yields within its deadline times out.
func TestExecuteTimesOutOnInfiniteLoop(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		CorrelationID:   "corr-2",
		TaskFingerprint: "fp-spin",
		TaskSource:      `async function main(input){ let i = 0; while(true){ i++; } }`,
		Input:           json.RawMessage(`{}`),
		TimeoutMs:       200,
	}

	start := time.Now()
	result := e.Execute(context.Background(), req, noopFetch, nil, nil)
	elapsed := time.Since(start)

	if result.Status != ipc.ResultTimedOut {
		t.Fatalf("expected timed_out, got %v (error=%v)", result.Status, result.Error)
	}
	if elapsed < 200*time.Millisecond || elapsed > 1500*time.Millisecond {
		t.Fatalf("expected the timeout to fire within spec §8 E2's 200-1500ms window, took %v", elapsed)
	}
	if result.Error == nil || !result.Error.Retryable {
		t.Fatal("expected a TimedOut error marked retryable per spec §7")
	}
}

func TestExecuteRejectsInvalidInput(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-validated",
		TaskSource:      `async function main(input){ return {ok:true}; }`,
		InputSchema:     json.RawMessage(`{"type":"object","required":["num1"],"properties":{"num1":{"type":"number"}}}`),
		Input:           json.RawMessage(`{}`),
		TimeoutMs:       1000,
	}

	result := e.Execute(context.Background(), req, noopFetch, nil, nil)
	if result.Status != ipc.ResultFailed {
		t.Fatalf("expected failed on schema mismatch, got %v", result.Status)
	}
	if result.Error == nil || result.Error.Kind != "validation_error" {
		t.Fatalf("expected a validation_error, got %+v", result.Error)
	}
}

func TestExecuteRejectsMissingMainFunction(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-no-main",
		TaskSource:      `const x = 1;`,
		Input:           json.RawMessage(`{}`),
		TimeoutMs:       1000,
	}
	result := e.Execute(context.Background(), req, noopFetch, nil, nil)
	if result.Status != ipc.ResultFailed {
		t.Fatalf("expected failed when the task exports no main(), got %v", result.Status)
	}
}

// E7: cancelling the caller's context mid-execution yields Cancelled,
// not TimedOut or Failed.
func TestExecuteCancelledByContext(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		CorrelationID:   "corr-cancel",
		TaskFingerprint: "fp-spin-cancel",
		TaskSource:      `async function main(input){ let i = 0; while(true){ i++; } }`,
		Input:           json.RawMessage(`{}`),
		TimeoutMs:       5000,
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	result := e.Execute(ctx, req, noopFetch, nil, nil)
	elapsed := time.Since(start)

	if result.Status != ipc.ResultCancelled {
		t.Fatalf("expected cancelled, got %v (error=%v)", result.Status, result.Error)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("expected cancellation to interrupt promptly, took %v", elapsed)
	}
}

// Property #7: recorded HTTP calls match what the task actually made,
// in order.
func TestExecuteRecordsHttpCallsInOrder(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var seen []string
	fetch := func(ctx context.Context, req ipc.HttpRequest) (ipc.HttpResponse, error) {
		seen = append(seen, req.Url)
		body, _ := json.Marshal(map[string]any{"url": req.Url})
		return ipc.HttpResponse{StatusCode: 200, Body: body}, nil
	}

	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-multi-fetch",
		TaskSource: `async function main(input){
			const a = await fetch("https://example.test/a");
			const b = await fetch("https://example.test/b");
			return {a: a.status, b: b.status};
		}`,
		Input:     json.RawMessage(`{}`),
		TimeoutMs: 2000,
	}

	result := e.Execute(context.Background(), req, fetch, nil, nil)
	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Error)
	}
	if len(result.HttpRecordings) != 2 {
		t.Fatalf("expected 2 recorded calls, got %d", len(result.HttpRecordings))
	}
	if result.HttpRecordings[0].Request.Url != "https://example.test/a" ||
		result.HttpRecordings[1].Request.Url != "https://example.test/b" {
		t.Fatalf("expected recordings in call order, got %+v", result.HttpRecordings)
	}
}

// spec §4.A.5: progress events are dropped entirely unless Trace is set.
func TestExecuteSuppressesProgressWithoutTrace(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []ipc.ProgressEvent
	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-progress-untraced",
		TaskSource:      `async function main(input){ reportProgress("step1", 0.5); return {}; }`,
		Input:           json.RawMessage(`{}`),
		TimeoutMs:       1000,
	}
	result := e.Execute(context.Background(), req, noopFetch, nil, func(ev ipc.ProgressEvent) { got = append(got, ev) })
	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Error)
	}
	if len(got) != 0 {
		t.Fatalf("expected no progress events without trace, got %d", len(got))
	}
}

// With Trace set, a step allowlist filters out non-matching steps.
func TestExecuteFiltersProgressByStepAllowlist(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var got []ipc.ProgressEvent
	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-progress-filtered",
		TaskSource: `async function main(input){
			reportProgress("skip", 0.1);
			reportProgress("keep", 0.9);
			return {};
		}`,
		Input:          json.RawMessage(`{}`),
		TimeoutMs:      1000,
		Trace:          true,
		ProgressFilter: &ipc.ProgressFilter{StepAllow: []string{"keep"}},
	}
	result := e.Execute(context.Background(), req, noopFetch, nil, func(ev ipc.ProgressEvent) { got = append(got, ev) })
	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Error)
	}
	if len(got) != 1 || got[0].Step != "keep" {
		t.Fatalf("expected only the allowlisted step, got %+v", got)
	}
}

func TestExecuteCompilesOncePerFingerprint(t *testing.T) {
	e, err := New(16)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	req := ipc.ExecuteTask{
		TaskFingerprint: "fp-repeat",
		TaskSource:      `async function main(input){ return {echo: input.v}; }`,
		Input:           json.RawMessage(`{"v":1}`),
		TimeoutMs:       1000,
	}
	r1 := e.Execute(context.Background(), req, noopFetch, nil, nil)
	if r1.Status != ipc.ResultCompleted {
		t.Fatalf("first execution failed: %+v", r1.Error)
	}

	req.Input = json.RawMessage(`{"v":2}`)
	// TaskSource omitted on the second call to simulate the worker
	// relying on its compile cache for a fingerprint it already saw,
	// matching spec §4.A.1's "on miss, parses and compiles" contract.
	req.TaskSource = ""
	r2 := e.Execute(context.Background(), req, noopFetch, nil, nil)
	if r2.Status != ipc.ResultCompleted {
		t.Fatalf("expected the cached compiled form to serve a second request, got %+v", r2.Error)
	}
	var out struct {
		Echo float64 `json:"echo"`
	}
	if err := json.Unmarshal(r2.Output, &out); err != nil {
		t.Fatalf("unexpected output: %s", r2.Output)
	}
	if out.Echo != 2 {
		t.Fatalf("expected echo=2, got %v", out.Echo)
	}
}
