package ipc

import (
	"bufio"
	"encoding/json"
	"io"
	"sync"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// Transport serializes writes to a single stdio stream and exposes a
// blocking Recv for the pool's single per-worker reader task (spec
// §4.B: "the server processes [frames] on a single per-worker reader
// task").
type Transport struct {
	writeMu sync.Mutex
	w       io.Writer
	r       *bufio.Reader
}

func NewTransport(w io.Writer, r io.Reader) *Transport {
	return &Transport{w: w, r: bufio.NewReaderSize(r, 64*1024)}
}

// Send writes a frame, encoding payload as JSON.
func (t *Transport) Send(typ Type, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return rerrors.New(rerrors.KindIpc, "ipc", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return WriteFrame(t.w, Frame{Type: typ, Payload: data})
}

// Recv blocks for the next frame. Returns io.EOF when the peer closes
// the stream (the caller should treat this as an implicit WorkerCrash
// if no terminal Response had arrived yet, per spec §4.B).
func (t *Transport) Recv() (Frame, error) {
	return ReadFrame(t.r)
}
