package workerproc

import (
	"context"
	"encoding/json"

	"github.com/ratchet-run/ratchet/internal/ipc"
	"github.com/ratchet-run/ratchet/internal/rerrors"
)

func decode(payload []byte, v any) error {
	return json.Unmarshal(payload, v)
}

// bridgeFetch implements engine.FetchFunc: it emits an HttpRequest
// event and blocks for the matching HttpResponse event, per spec
// §4.A.4 ("the worker emits an HttpRequest event, suspends JS, awaits
// HttpResponse, and resumes"). The response is delivered by Run's
// single reader goroutine via the pending map rather than read
// directly here, so a Cancel frame for the same correlation_id is
// still observed by Run while this call blocks.
func (w *Worker) bridgeFetch(ctx context.Context, req ipc.HttpRequest) (ipc.HttpResponse, error) {
	ch := make(chan ipc.HttpResponse, 1)
	w.pendingMu.Lock()
	w.pending[req.RequestID] = ch
	w.pendingMu.Unlock()

	if err := w.transport.Send(ipc.TypeEvent, req); err != nil {
		w.pendingMu.Lock()
		delete(w.pending, req.RequestID)
		w.pendingMu.Unlock()
		return ipc.HttpResponse{}, rerrors.New(rerrors.KindIpc, "workerproc", err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return resp, rerrors.Newf(rerrors.KindNetwork, "workerproc", "%s", resp.Error)
		}
		return resp, nil

	case <-ctx.Done():
		w.pendingMu.Lock()
		delete(w.pending, req.RequestID)
		w.pendingMu.Unlock()
		return ipc.HttpResponse{}, ctx.Err()
	}
}
