package workerproc

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/ratchet-run/ratchet/internal/engine"
	"github.com/ratchet-run/ratchet/internal/ipc"
)

// newHarness wires a Worker to one end of an in-memory duplex
// connection and returns an ipc.Transport for the test to act as the
// host on the other end, mirroring how cmd/server talks to a real
// worker subprocess over stdio pipes (spec §4.A/§4.B).
func newHarness(t *testing.T) (*ipc.Transport, *Worker, func()) {
	t.Helper()
	hostConn, workerConn := net.Pipe()

	eng, err := engine.New(8)
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	w := New(ipc.NewTransport(workerConn, workerConn), eng, nil)
	host := ipc.NewTransport(hostConn, hostConn)

	return host, w, func() {
		hostConn.Close()
		workerConn.Close()
	}
}

func TestWorkerRespondsToPing(t *testing.T) {
	host, w, cleanup := newHarness(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if err := host.Send(ipc.TypeRequest, ipc.Request{CorrelationID: "c1", Kind: ipc.RequestPing}); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := host.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Type != ipc.TypeResponse {
		t.Fatalf("expected TypeResponse, got %v", frame.Type)
	}
	var empty ipc.Empty
	if err := json.Unmarshal(frame.Payload, &empty); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if empty.CorrelationID != "c1" {
		t.Fatalf("expected correlation id c1, got %q", empty.CorrelationID)
	}

	if err := host.Send(ipc.TypeRequest, ipc.Request{CorrelationID: "c-shutdown", Kind: ipc.RequestShutdown}); err != nil {
		t.Fatalf("send shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit after Shutdown")
	}
}

func TestWorkerExecutesTaskEndToEnd(t *testing.T) {
	host, w, cleanup := newHarness(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	req := ipc.Request{
		CorrelationID: "exec-1",
		Kind:          ipc.RequestExecuteTask,
		ExecuteTask: &ipc.ExecuteTask{
			TaskFingerprint: "fp-e2e",
			TaskSource:      `async function main(input){ return {result: input.num1 + input.num2}; }`,
			Input:           json.RawMessage(`{"num1":5,"num2":10}`),
			TimeoutMs:       2000,
		},
	}
	if err := host.Send(ipc.TypeRequest, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := host.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if frame.Type != ipc.TypeResponse {
		t.Fatalf("expected TypeResponse, got %v", frame.Type)
	}
	var result ipc.TaskResult
	if err := json.Unmarshal(frame.Payload, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Error)
	}
	var out struct {
		Result float64 `json:"result"`
	}
	if err := json.Unmarshal(result.Output, &out); err != nil {
		t.Fatalf("unexpected output: %s", result.Output)
	}
	if out.Result != 15 {
		t.Fatalf("expected 15, got %v", out.Result)
	}
}

// E7: a Cancel frame sent while a task is spinning is observed
// promptly even though the frame-reading loop is also the goroutine
// that would otherwise be blocked inside Execute.
func TestWorkerCancelsInFlightExecution(t *testing.T) {
	host, w, cleanup := newHarness(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	req := ipc.Request{
		CorrelationID: "exec-cancel",
		Kind:          ipc.RequestExecuteTask,
		ExecuteTask: &ipc.ExecuteTask{
			TaskFingerprint: "fp-cancel",
			TaskSource:      `async function main(input){ let i = 0; while(true){ i++; } }`,
			Input:           json.RawMessage(`{}`),
			TimeoutMs:       5000,
		},
	}
	if err := host.Send(ipc.TypeRequest, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := host.Send(ipc.TypeRequest, ipc.Request{CorrelationID: "exec-cancel", Kind: ipc.RequestCancel}); err != nil {
		t.Fatalf("send cancel: %v", err)
	}

	frame, err := host.Recv()
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	var result ipc.TaskResult
	if err := json.Unmarshal(frame.Payload, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != ipc.ResultCancelled {
		t.Fatalf("expected cancelled, got %v (%v)", result.Status, result.Error)
	}
}

// Exercises the fetch() bridge: the worker emits an HttpRequest event
// and suspends until the host answers with the matching HttpResponse
// event (spec §4.A.4).
func TestWorkerBridgesFetchThroughHost(t *testing.T) {
	host, w, cleanup := newHarness(t)
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()
	defer cancel()

	req := ipc.Request{
		CorrelationID: "exec-fetch",
		Kind:          ipc.RequestExecuteTask,
		ExecuteTask: &ipc.ExecuteTask{
			TaskFingerprint: "fp-fetch",
			TaskSource: `async function main(input){
				const resp = await fetch("https://example.test/data");
				const body = resp.json();
				return {status: resp.status, echoed: body};
			}`,
			Input:     json.RawMessage(`{}`),
			TimeoutMs: 2000,
		},
	}
	if err := host.Send(ipc.TypeRequest, req); err != nil {
		t.Fatalf("send: %v", err)
	}

	frame, err := host.Recv()
	if err != nil {
		t.Fatalf("recv event: %v", err)
	}
	if frame.Type != ipc.TypeEvent {
		t.Fatalf("expected an HttpRequest event before the final response, got %v", frame.Type)
	}
	var httpReq ipc.HttpRequest
	if err := json.Unmarshal(frame.Payload, &httpReq); err != nil {
		t.Fatalf("decode http request event: %v", err)
	}
	if httpReq.Url != "https://example.test/data" {
		t.Fatalf("unexpected url %q", httpReq.Url)
	}

	respBody, _ := json.Marshal(map[string]any{"ok": true})
	httpResp := ipc.HttpResponse{RequestID: httpReq.RequestID, StatusCode: 200, Body: respBody}
	if err := host.Send(ipc.TypeEvent, httpResp); err != nil {
		t.Fatalf("send http response: %v", err)
	}

	frame2, err := host.Recv()
	if err != nil {
		t.Fatalf("recv final response: %v", err)
	}
	if frame2.Type != ipc.TypeResponse {
		t.Fatalf("expected TypeResponse, got %v", frame2.Type)
	}
	var result ipc.TaskResult
	if err := json.Unmarshal(frame2.Payload, &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Status != ipc.ResultCompleted {
		t.Fatalf("expected completed, got %v (%v)", result.Status, result.Error)
	}
}
