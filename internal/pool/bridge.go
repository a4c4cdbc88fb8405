package pool

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"github.com/ratchet-run/ratchet/internal/ipc"
)

// bridgeHTTP answers a worker's HttpRequest event with a real HTTP
// round trip, performed host-side because the worker's JS engine has
// no network access of its own (spec §4.A.4: "the worker emits an
// HttpRequest event, suspends JS, awaits HttpResponse, and resumes").
// Bodies are JSON-only per spec §6.
func (p *Pool) bridgeHTTP(w *worker, req ipc.HttpRequest) {
	resp := p.doHTTP(req)
	if err := w.transport.Send(ipc.TypeEvent, resp); err != nil {
		p.logger.Error("failed to deliver fetch response to worker", "worker_id", w.id, "request_id", req.RequestID, "error", err)
	}
}

func (p *Pool) doHTTP(req ipc.HttpRequest) ipc.HttpResponse {
	resp := ipc.HttpResponse{CorrelationID: req.CorrelationID, RequestID: req.RequestID}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, req.Url, body)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	defer httpResp.Body.Close()

	resp.StatusCode = httpResp.StatusCode
	resp.Headers = make(map[string]string, len(httpResp.Header))
	for k := range httpResp.Header {
		resp.Headers[k] = httpResp.Header.Get(k)
	}

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if len(respBody) > 0 {
		resp.Body = respBody
	}
	return resp
}
