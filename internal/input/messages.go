// Package input serializes user input events and forwards them to the remote
// browser over the negotiated data channel, gated on transport readiness and
// control ownership.
package input

// Event types on the data channel.
const (
	TypePointerMove = "pointer/move"
	TypePointerDown = "pointer/down"
	TypePointerUp   = "pointer/up"
	TypeWheel       = "pointer/wheel"
	TypeKeyDown     = "key/down"
	TypeKeyUp       = "key/up"
	TypeNavigate    = "browser/navigate"
)

// MouseButton identifies the pressed button, matching DOM button numbering.
type MouseButton int

const (
	ButtonLeft   MouseButton = 0
	ButtonMiddle MouseButton = 1
	ButtonRight  MouseButton = 2
)

// Coordinates are normalized to the remote viewport, so zero is a legal
// position and must survive serialization. No omitempty on these fields.
type pointerEvent struct {
	Type   string      `json:"type"`
	X      float64     `json:"x"`
	Y      float64     `json:"y"`
	Button MouseButton `json:"button"`
}

type wheelEvent struct {
	Type   string  `json:"type"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	DeltaX float64 `json:"deltaX"`
	DeltaY float64 `json:"deltaY"`
}

type keyEvent struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Code string `json:"code"`
}

type navigateEvent struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}
