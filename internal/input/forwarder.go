package input

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Transport delivers one serialized event to the remote browser. The
// negotiated data channel satisfies this with SendText.
type Transport interface {
	Send(payload []byte) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(payload []byte) error

func (f TransportFunc) Send(payload []byte) error { return f(payload) }

// Forwarder sends input events to the remote browser. Every send is gated
// twice: the transport must be open and this participant must hold control.
// When either gate is closed events are dropped silently, so callers can wire
// UI handlers directly without checking state themselves.
type Forwarder struct {
	log zerolog.Logger

	mu        sync.Mutex
	transport Transport
	granted   bool
	closed    bool
}

func NewForwarder(log zerolog.Logger) *Forwarder {
	return &Forwarder{log: log}
}

// SetTransport attaches the open data channel. A nil transport marks the
// transport as closed again.
func (f *Forwarder) SetTransport(t Transport) {
	f.mu.Lock()
	f.transport = t
	f.mu.Unlock()
}

// SetControl records whether this participant currently holds the control
// token.
func (f *Forwarder) SetControl(granted bool) {
	f.mu.Lock()
	f.granted = granted
	f.mu.Unlock()
}

// HasControl reports the current control gate.
func (f *Forwarder) HasControl() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.granted
}

// TransportOpen reports the current transport gate.
func (f *Forwarder) TransportOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed && f.transport != nil
}

// Close drops the transport and control grant. Safe to call more than once;
// all later sends are no-ops.
func (f *Forwarder) Close() {
	f.mu.Lock()
	f.closed = true
	f.transport = nil
	f.granted = false
	f.mu.Unlock()
}

func (f *Forwarder) send(event any) error {
	f.mu.Lock()
	t := f.transport
	ok := !f.closed && t != nil && f.granted
	f.mu.Unlock()
	if !ok {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("input: encode event: %w", err)
	}
	if err := t.Send(payload); err != nil {
		return fmt.Errorf("input: send event: %w", err)
	}
	return nil
}

func (f *Forwarder) PointerMove(x, y float64) error {
	return f.send(pointerEvent{Type: TypePointerMove, X: x, Y: y})
}

func (f *Forwarder) PointerDown(x, y float64, button MouseButton) error {
	return f.send(pointerEvent{Type: TypePointerDown, X: x, Y: y, Button: button})
}

func (f *Forwarder) PointerUp(x, y float64, button MouseButton) error {
	return f.send(pointerEvent{Type: TypePointerUp, X: x, Y: y, Button: button})
}

func (f *Forwarder) Wheel(x, y, deltaX, deltaY float64) error {
	return f.send(wheelEvent{Type: TypeWheel, X: x, Y: y, DeltaX: deltaX, DeltaY: deltaY})
}

func (f *Forwarder) KeyDown(key, code string) error {
	return f.send(keyEvent{Type: TypeKeyDown, Key: key, Code: code})
}

func (f *Forwarder) KeyUp(key, code string) error {
	return f.send(keyEvent{Type: TypeKeyUp, Key: key, Code: code})
}

// NavigateToURL asks the remote browser to load url. It is a single message;
// there is no per-character typing fallback.
func (f *Forwarder) NavigateToURL(url string) error {
	return f.send(navigateEvent{Type: TypeNavigate, URL: url})
}
