package ipc

import "encoding/json"

// RequestKind selects the variant of a Request payload per spec §4.A.
type RequestKind string

const (
	RequestExecuteTask RequestKind = "execute_task"
	RequestValidateTask RequestKind = "validate_task"
	RequestPing        RequestKind = "ping"
	RequestShutdown    RequestKind = "shutdown"
	RequestCancel      RequestKind = "cancel"
)

// Request is the envelope carried in a TypeRequest frame.
type Request struct {
	CorrelationID string          `json:"correlation_id"`
	Kind          RequestKind     `json:"kind"`
	ExecuteTask   *ExecuteTask    `json:"execute_task,omitempty"`
	ValidateTask  *ValidateTask   `json:"validate_task,omitempty"`
}

// ExecuteTask asks the worker to run a task's main(input).
type ExecuteTask struct {
	CorrelationID   string          `json:"correlation_id,omitempty"`
	TaskFingerprint string          `json:"task_fingerprint"`
	TaskSource      string          `json:"task_source,omitempty"`
	InputSchema     json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema    json.RawMessage `json:"output_schema,omitempty"`
	Input           json.RawMessage `json:"input"`
	TimeoutMs       int64           `json:"timeout_ms"`
	Trace           bool            `json:"trace"`
	ProgressFilter  *ProgressFilter `json:"progress_filter,omitempty"`
}

// ValidateTask asks the worker to compile a task and run it once
// against a null input, without persisting any execution record. It
// carries no test cases.
type ValidateTask struct {
	TaskSource   string          `json:"task_source"`
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ProgressFilter bounds how often the worker may emit ProgressEvents.
type ProgressFilter struct {
	MinDelta     float64  `json:"min_delta,omitempty"`
	MaxFrequency int      `json:"max_frequency_hz,omitempty"`
	StepAllow    []string `json:"step_allowlist,omitempty"`
}

// ResultStatus is TaskResult's terminal outcome.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	ResultFailed    ResultStatus = "failed"
	ResultTimedOut  ResultStatus = "timed_out"
	ResultCancelled ResultStatus = "cancelled"
)

// TaskResult is the envelope carried in the terminal TypeResponse
// frame for an ExecuteTask request.
type TaskResult struct {
	CorrelationID  string           `json:"correlation_id"`
	Status         ResultStatus     `json:"status"`
	Output         json.RawMessage  `json:"output,omitempty"`
	Error          *ResultError     `json:"error,omitempty"`
	DurationMs     int64            `json:"duration_ms"`
	HttpRecordings []HttpRecording  `json:"http_recordings,omitempty"`
	Logs           []LogEvent       `json:"logs,omitempty"`
}

// ResultError mirrors the rerrors taxonomy across the wire boundary.
type ResultError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// LogEvent is one structured log line emitted during task execution.
type LogEvent struct {
	Ts      string          `json:"ts"`
	Level   string          `json:"level"`
	Message string          `json:"message"`
	Fields  json.RawMessage `json:"fields,omitempty"`
}

// HttpRequest is emitted as a TypeEvent frame when task code awaits
// fetch(); the host must reply with an HttpResponse Event carrying the
// same CorrelationID.
type HttpRequest struct {
	CorrelationID string            `json:"correlation_id"`
	RequestID     string            `json:"request_id"`
	Method        string            `json:"method"`
	Url           string            `json:"url"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
}

// HttpResponse answers a prior HttpRequest event.
type HttpResponse struct {
	CorrelationID string            `json:"correlation_id"`
	RequestID     string            `json:"request_id"`
	StatusCode    int               `json:"status_code"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Error         string            `json:"error,omitempty"`
}

// HttpRecording is the paired request/response collected by the
// worker into the final TaskResult, in call order.
type HttpRecording struct {
	Request  HttpRequest  `json:"request"`
	Response HttpResponse `json:"response"`
}

// ProgressEvent is an Event frame emitted during execution, gated by
// the request's ProgressFilter.
type ProgressEvent struct {
	CorrelationID string          `json:"correlation_id"`
	Step          string          `json:"step"`
	Fraction      float64         `json:"fraction"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Empty is the payload shape for Heartbeat, Shutdown, ShutdownAck and
// Cancel frames: correlation only, no body.
type Empty struct {
	CorrelationID string `json:"correlation_id,omitempty"`
}
