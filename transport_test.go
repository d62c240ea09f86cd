package lightstreamer

import (
	"net"
	"testing"

	"github.com/gorilla/websocket"
)

// classifyReadError is adapted from the teacher's handleReadError: it
// no longer drives channel sends directly (wsTransport's read loop does
// that), but it keeps the same close-code classification contract.
func TestClassifyCloseError_NormalClosure(t *testing.T) {
	err := classifyReadError(&websocket.CloseError{Code: websocket.CloseNormalClosure, Text: "normal"})
	if _, ok := err.(*TransportError); !ok {
		t.Fatalf("expected a TransportError, got %T", err)
	}
}

func TestClassifyCloseError_GoingAway(t *testing.T) {
	err := classifyReadError(&websocket.CloseError{Code: websocket.CloseGoingAway, Text: "going away"})
	if _, ok := err.(*TransportError); !ok {
		t.Fatalf("expected a TransportError, got %T", err)
	}
}

func TestClassifyCloseError_NetworkError(t *testing.T) {
	err := classifyReadError(&net.OpError{Op: "read", Err: net.ErrClosed})
	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("expected a TransportError, got %T", err)
	}
	if te.Msg != "network error" {
		t.Errorf("unexpected classification: %s", te.Msg)
	}
}

func TestClassifyCloseError_OtherCloseError(t *testing.T) {
	err := classifyReadError(&websocket.CloseError{Code: websocket.CloseInternalServerErr, Text: "internal"})
	te, ok := err.(*TransportError)
	if !ok {
		t.Fatalf("expected a TransportError, got %T", err)
	}
	if te.Msg != "unexpected close" {
		t.Errorf("unexpected classification: %s", te.Msg)
	}
}

func TestResolveEndpoint(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"https upgrades to wss with default path", "https://push.example.com", "wss://push.example.com/lightstreamer", false},
		{"http upgrades to ws with default path", "http://push.example.com", "ws://push.example.com/lightstreamer", false},
		{"explicit ws path kept", "ws://push.example.com/custom", "ws://push.example.com/custom", false},
		{"unsupported scheme", "ftp://push.example.com", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			u, err := resolveEndpoint(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected an error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if u.String() != tc.want {
				t.Errorf("got %q, want %q", u.String(), tc.want)
			}
		})
	}
}
