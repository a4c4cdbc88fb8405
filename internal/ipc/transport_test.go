package ipc

import (
	"encoding/json"
	"net"
	"testing"
)

func TestTransportSendRecvRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	ta := NewTransport(a, a)
	tb := NewTransport(b, b)

	type payload struct {
		CorrelationID string `json:"correlation_id"`
		Kind          string `json:"kind"`
	}
	want := payload{CorrelationID: "c1", Kind: "ping"}

	done := make(chan error, 1)
	go func() { done <- ta.Send(TypeRequest, want) }()

	frame, err := tb.Recv()
	if err != nil {
		t.Fatalf("Recv: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if frame.Type != TypeRequest {
		t.Fatalf("expected TypeRequest, got %v", frame.Type)
	}
	var got payload
	if err := json.Unmarshal(frame.Payload, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestTransportRecvReturnsEOFOnClose(t *testing.T) {
	a, b := net.Pipe()
	_ = a.Close()
	tb := NewTransport(b, b)
	_, err := tb.Recv()
	if err == nil {
		t.Fatal("expected an error (EOF or closed-pipe) after the peer closes")
	}
}
