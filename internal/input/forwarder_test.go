package input

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type captureTransport struct {
	sent [][]byte
	err  error
}

func (c *captureTransport) Send(payload []byte) error {
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, payload)
	return nil
}

func TestSendsRequireTransportAndControl(t *testing.T) {
	f := NewForwarder(zerolog.Nop())
	tr := &captureTransport{}

	// Neither gate open.
	if err := f.PointerMove(0.5, 0.5); err != nil {
		t.Fatalf("PointerMove: %v", err)
	}

	// Transport only.
	f.SetTransport(tr)
	if err := f.PointerMove(0.5, 0.5); err != nil {
		t.Fatalf("PointerMove: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("event sent without control grant")
	}

	if !f.TransportOpen() {
		t.Fatal("TransportOpen = false with transport attached")
	}

	// Control only.
	f.SetTransport(nil)
	if f.TransportOpen() {
		t.Fatal("TransportOpen = true after transport detached")
	}
	f.SetControl(true)
	if err := f.KeyDown("a", "KeyA"); err != nil {
		t.Fatalf("KeyDown: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("event sent without transport")
	}

	// Both gates open.
	f.SetTransport(tr)
	if err := f.PointerDown(0.25, 0.75, ButtonRight); err != nil {
		t.Fatalf("PointerDown: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("sent %d events, want 1", len(tr.sent))
	}

	// Revoking control closes the gate again.
	f.SetControl(false)
	if err := f.PointerUp(0.25, 0.75, ButtonRight); err != nil {
		t.Fatalf("PointerUp: %v", err)
	}
	if len(tr.sent) != 1 {
		t.Fatalf("event sent after control revoked")
	}
}

func TestWireFormat(t *testing.T) {
	f := NewForwarder(zerolog.Nop())
	tr := &captureTransport{}
	f.SetTransport(tr)
	f.SetControl(true)

	if err := f.PointerMove(0, 0.5); err != nil {
		t.Fatalf("PointerMove: %v", err)
	}
	if err := f.Wheel(0.1, 0.2, -3, 120); err != nil {
		t.Fatalf("Wheel: %v", err)
	}
	if err := f.KeyUp("Enter", "Enter"); err != nil {
		t.Fatalf("KeyUp: %v", err)
	}
	if err := f.NavigateToURL("https://example.com"); err != nil {
		t.Fatalf("NavigateToURL: %v", err)
	}

	var move map[string]any
	if err := json.Unmarshal(tr.sent[0], &move); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	if move["type"] != TypePointerMove {
		t.Errorf("move type = %v", move["type"])
	}
	// Zero coordinates must be present on the wire.
	if _, ok := move["x"]; !ok {
		t.Error("move missing x")
	}

	var wheel map[string]any
	if err := json.Unmarshal(tr.sent[1], &wheel); err != nil {
		t.Fatalf("unmarshal wheel: %v", err)
	}
	if wheel["deltaY"] != float64(120) {
		t.Errorf("wheel deltaY = %v", wheel["deltaY"])
	}

	var nav map[string]any
	if err := json.Unmarshal(tr.sent[3], &nav); err != nil {
		t.Fatalf("unmarshal navigate: %v", err)
	}
	if nav["type"] != TypeNavigate || nav["url"] != "https://example.com" {
		t.Errorf("navigate payload = %v", nav)
	}
	if len(nav) != 2 {
		t.Errorf("navigate carries extra fields: %v", nav)
	}
}

func TestTransportErrorsSurface(t *testing.T) {
	f := NewForwarder(zerolog.Nop())
	wantErr := errors.New("channel closed")
	f.SetTransport(&captureTransport{err: wantErr})
	f.SetControl(true)

	if err := f.KeyDown("a", "KeyA"); !errors.Is(err, wantErr) {
		t.Fatalf("KeyDown = %v, want %v", err, wantErr)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	f := NewForwarder(zerolog.Nop())
	tr := &captureTransport{}
	f.SetTransport(tr)
	f.SetControl(true)

	f.Close()
	f.Close()

	// Re-opening the gates after Close must not revive sends.
	f.SetTransport(tr)
	f.SetControl(true)
	if err := f.PointerMove(0.5, 0.5); err != nil {
		t.Fatalf("PointerMove: %v", err)
	}
	if len(tr.sent) != 0 {
		t.Fatalf("event sent after Close")
	}
}
