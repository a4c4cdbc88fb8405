package ipc

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"testing"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	want := Frame{Type: TypeRequest, Payload: []byte(`{"hello":"world"}`)}
	if err := WriteFrame(&buf, want); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.Type != want.Type || string(got.Payload) != string(want.Payload) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestWriteFrameRejectsOversizedPayload(t *testing.T) {
	var buf bytes.Buffer
	f := Frame{Type: TypeEvent, Payload: make([]byte, MaxFrameSize+1)}
	if err := WriteFrame(&buf, f); err == nil {
		t.Fatal("expected an error for a payload exceeding MaxFrameSize")
	}
}

func TestReadFrameRejectsUnsupportedVersion(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Type: TypeHeartbeat})
	raw := buf.Bytes()
	raw[4] = 99 // corrupt the version byte
	if _, err := ReadFrame(bufio.NewReader(bytes.NewReader(raw))); err == nil {
		t.Fatal("expected an error for an unsupported version byte")
	}
}

func TestReadFrameReturnsEOFOnEmptyStream(t *testing.T) {
	_, err := ReadFrame(bufio.NewReader(strings.NewReader("")))
	if err != io.EOF {
		t.Fatalf("expected io.EOF reading from an empty stream, got %v", err)
	}
}

func TestReadFrameEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteFrame(&buf, Frame{Type: TypeHeartbeat})
	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
	if got.Type != TypeHeartbeat {
		t.Fatalf("expected TypeHeartbeat, got %v", got.Type)
	}
}

func TestTypeString(t *testing.T) {
	cases := map[Type]string{
		TypeRequest:     "request",
		TypeResponse:    "response",
		TypeEvent:       "event",
		TypeHeartbeat:   "heartbeat",
		TypeShutdownAck: "shutdown_ack",
	}
	for typ, want := range cases {
		if got := typ.String(); got != want {
			t.Errorf("Type(%d).String() = %q, want %q", typ, got, want)
		}
	}
	if Type(200).String() != "unknown(200)" {
		t.Fatalf("expected unknown(200), got %q", Type(200).String())
	}
}

func TestMultipleFramesInSequence(t *testing.T) {
	var buf bytes.Buffer
	frames := []Frame{
		{Type: TypeRequest, Payload: []byte(`{"n":1}`)},
		{Type: TypeEvent, Payload: []byte(`{"n":2}`)},
		{Type: TypeResponse, Payload: []byte(`{"n":3}`)},
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, f); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
	}

	r := bufio.NewReader(&buf)
	for i, want := range frames {
		got, err := ReadFrame(r)
		if err != nil {
			t.Fatalf("frame %d: ReadFrame: %v", i, err)
		}
		if got.Type != want.Type || string(got.Payload) != string(want.Payload) {
			t.Fatalf("frame %d mismatch: got %+v, want %+v", i, got, want)
		}
	}
}
