// Package ipc implements the length-prefixed framed stdio transport
// between the server and a worker subprocess (spec §4.B): a 4-byte
// big-endian length, a 1-byte version, a 1-byte type, and a JSON
// payload.
package ipc

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ratchet-run/ratchet/internal/rerrors"
)

// Version is the current wire format version.
const Version byte = 1

// Type is the frame's message category.
type Type byte

const (
	TypeRequest     Type = 1
	TypeResponse    Type = 2
	TypeEvent       Type = 3
	TypeHeartbeat   Type = 4
	TypeShutdownAck Type = 5
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeEvent:
		return "event"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeShutdownAck:
		return "shutdown_ack"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

// MaxFrameSize bounds a single frame's payload to guard against a
// corrupted length prefix wedging the reader on an enormous allocation.
const MaxFrameSize = 64 << 20 // 64 MiB

// Frame is one unit of the wire protocol.
type Frame struct {
	Type    Type
	Payload []byte
}

// WriteFrame writes one frame to w. Safe to call concurrently only if
// the caller serializes writes itself; Transport.Send does so.
func WriteFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > MaxFrameSize {
		return rerrors.Newf(rerrors.KindIpc, "ipc", "frame payload %d bytes exceeds max %d", len(f.Payload), MaxFrameSize)
	}
	header := make([]byte, 6)
	binary.BigEndian.PutUint32(header[0:4], uint32(len(f.Payload)))
	header[4] = Version
	header[5] = byte(f.Type)
	if _, err := w.Write(header); err != nil {
		return rerrors.New(rerrors.KindIpc, "ipc", err)
	}
	if len(f.Payload) > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return rerrors.New(rerrors.KindIpc, "ipc", err)
		}
	}
	return nil
}

// ReadFrame reads one frame from r.
func ReadFrame(r *bufio.Reader) (Frame, error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		if err == io.EOF {
			return Frame{}, io.EOF
		}
		return Frame{}, rerrors.New(rerrors.KindIpc, "ipc", err)
	}
	length := binary.BigEndian.Uint32(header[0:4])
	version := header[4]
	typ := Type(header[5])

	if version != Version {
		return Frame{}, rerrors.Newf(rerrors.KindIpc, "ipc", "unsupported frame version %d", version)
	}
	if length > MaxFrameSize {
		return Frame{}, rerrors.Newf(rerrors.KindIpc, "ipc", "frame length %d exceeds max %d", length, MaxFrameSize)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, rerrors.New(rerrors.KindIpc, "ipc", err)
		}
	}
	return Frame{Type: typ, Payload: payload}, nil
}
