// Package engine wraps a single goja.Runtime — the embedded JS engine
// a worker process owns for its lifetime (spec §4.A). One Engine
// executes exactly one task at a time; concurrency across tasks comes
// from running many worker subprocesses, never from sharing a Runtime.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dop251/goja"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
	"github.com/ratchet-run/ratchet/internal/task"
	"github.com/ratchet-run/ratchet/internal/taskcache"
)

// CompiledTask is the per-fingerprint compiled form cached by the
// worker's local cache (spec §4.I: "held ... in each worker, for
// avoiding re-compile").
type CompiledTask struct {
	Fingerprint  string
	Program      *goja.Program
	InputSchema  *jsonschema.Schema
	OutputSchema *jsonschema.Schema
}

// FetchFunc bridges a task's `fetch` call to the host-side HTTP
// executor over IPC (spec §4.A.4): the caller is responsible for
// emitting the HttpRequest event and awaiting the HttpResponse.
type FetchFunc func(ctx context.Context, req ipc.HttpRequest) (ipc.HttpResponse, error)

// Engine owns one goja.Runtime for the process lifetime.
type Engine struct {
	vm       *goja.Runtime
	compiled *taskcache.Cache[*CompiledTask]
}

// New constructs an Engine with a compile cache sized for the typical
// number of distinct fingerprints one worker sees between restarts.
func New(compileCacheSize int) (*Engine, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	cache, err := taskcache.New[*CompiledTask](compileCacheSize, nil, 0)
	if err != nil {
		return nil, err
	}
	return &Engine{vm: vm, compiled: cache}, nil
}

// wrapSource appends nothing — task source already declares
// `async function main(input) { ... }`; main is picked up as a global
// once the program runs.
func wrapSource(source string) string { return source }

func (e *Engine) compile(ctx context.Context, fingerprint, source string, inputSchema, outputSchema json.RawMessage) (*CompiledTask, error) {
	return e.compiled.Get(ctx, fingerprint, func(_ context.Context, fp string) (*CompiledTask, error) {
		prog, err := goja.Compile(fp, wrapSource(source), true)
		if err != nil {
			return nil, rerrors.New(rerrors.KindExecution, "engine", fmt.Errorf("compile task: %w", err))
		}
		inSchema, err := task.CompileSchema("input:"+fp, inputSchema)
		if err != nil {
			return nil, err
		}
		outSchema, err := task.CompileSchema("output:"+fp, outputSchema)
		if err != nil {
			return nil, err
		}
		return &CompiledTask{Fingerprint: fp, Program: prog, InputSchema: inSchema, OutputSchema: outSchema}, nil
	})
}

// installHostBridge exposes fetch() and console.log-family functions
// to the running program, routing them through the host callbacks.
func (e *Engine) installHostBridge(ctx context.Context, correlationID string, fetch FetchFunc, onLog func(ipc.LogEvent), onProgress func(ipc.ProgressEvent)) {
	reqCounter := 0

	e.vm.Set("fetch", func(call goja.FunctionCall) goja.Value {
		reqCounter++
		reqID := fmt.Sprintf("%s-%d", correlationID, reqCounter)

		req := ipc.HttpRequest{CorrelationID: correlationID, RequestID: reqID}
		if len(call.Arguments) > 0 {
			req.Url = call.Arguments[0].String()
		}
		if len(call.Arguments) > 1 && !goja.IsUndefined(call.Arguments[1]) {
			opts := call.Arguments[1].Export()
			if m, ok := opts.(map[string]interface{}); ok {
				if method, ok := m["method"].(string); ok {
					req.Method = method
				}
				if headers, ok := m["headers"].(map[string]interface{}); ok {
					req.Headers = make(map[string]string, len(headers))
					for k, v := range headers {
						req.Headers[k] = fmt.Sprint(v)
					}
				}
				if body, ok := m["body"]; ok {
					raw, _ := json.Marshal(body)
					req.Body = raw
				}
			}
		}
		if req.Method == "" {
			req.Method = "GET"
		}

		promise, resolve, reject := e.vm.NewPromise()
		resp, err := fetch(ctx, req)
		if err != nil {
			_ = reject(e.vm.ToValue(err.Error()))
			return e.vm.ToValue(promise)
		}

		var body any
		if len(resp.Body) > 0 {
			_ = json.Unmarshal(resp.Body, &body)
		}
		_ = resolve(e.vm.ToValue(map[string]interface{}{
			"status":  resp.StatusCode,
			"ok":      resp.StatusCode >= 200 && resp.StatusCode < 300,
			"headers": resp.Headers,
			"json":    func(goja.FunctionCall) goja.Value { return e.vm.ToValue(body) },
		}))
		return e.vm.ToValue(promise)
	})

	logFn := func(level string) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			msg := ""
			for i, p := range parts {
				if i > 0 {
					msg += " "
				}
				msg += p
			}
			onLog(ipc.LogEvent{Ts: time.Now().UTC().Format(time.RFC3339Nano), Level: level, Message: msg})
			return goja.Undefined()
		}
	}
	e.vm.Set("console", map[string]interface{}{
		"log":  logFn("info"),
		"info": logFn("info"),
		"warn": logFn("warn"),
		"error": logFn("error"),
	})

	e.vm.Set("reportProgress", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			return goja.Undefined()
		}
		ev := ipc.ProgressEvent{
			CorrelationID: correlationID,
			Step:          call.Arguments[0].String(),
			Fraction:      call.Arguments[1].ToFloat(),
		}
		if len(call.Arguments) > 2 {
			raw, _ := json.Marshal(call.Arguments[2].Export())
			ev.Data = raw
		}
		onProgress(ev)
		return goja.Undefined()
	})
}
