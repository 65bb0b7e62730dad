// Package signaling models the sandbox signaling protocol: a closed set of
// JSON messages tagged by an "event" field, exchanged over a persistent
// WebSocket channel, plus the owned Channel object that carries them.
package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Event tags on the wire.
const (
	eventInit           = "system/init"
	eventDisconnect     = "system/disconnect"
	eventError          = "system/error"
	eventOffer          = "signal/offer"
	eventAnswer         = "signal/answer"
	eventCandidate      = "signal/candidate"
	eventControlGive    = "control/give"
	eventControlRelease = "control/release"
)

// Message is the closed set of signaling messages. Every receiver switches
// over the concrete types; adding a kind without handling it everywhere is a
// compile-visible change, not a silently dropped string tag.
type Message interface {
	isMessage()
}

// Init is sent by the sandbox once the channel is ready for negotiation.
type Init struct{}

// Offer carries the local session description to the sandbox.
type Offer struct {
	SDP string
}

// Answer carries the sandbox's session description back.
type Answer struct {
	SDP string
}

// Candidate is a trickled connectivity candidate, in either direction.
type Candidate struct {
	Candidate     string
	SDPMid        *string
	SDPMLineIndex *uint16
}

// Disconnect announces the sandbox is closing the session.
type Disconnect struct{}

// ErrorEvent surfaces a sandbox-side failure.
type ErrorEvent struct {
	Message string
}

// ControlGive grants input control. TargetUserID is empty when the event is
// addressed to the receiving participant.
type ControlGive struct {
	TargetUserID string
}

// ControlRelease revokes input control.
type ControlRelease struct {
	TargetUserID string
}

func (Init) isMessage()           {}
func (Offer) isMessage()          {}
func (Answer) isMessage()         {}
func (Candidate) isMessage()      {}
func (Disconnect) isMessage()     {}
func (ErrorEvent) isMessage()     {}
func (ControlGive) isMessage()    {}
func (ControlRelease) isMessage() {}

// ToPion converts the wire candidate to pion's trickle representation.
func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	}
}

// envelope is the JSON wire form. Candidate fields may appear inline or as a
// JSON-encoded object under "data"; control events carry their target under
// "data" as well.
type envelope struct {
	Event string `json:"event"`

	SDP string `json:"sdp,omitempty"`

	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`

	Data string `json:"data,omitempty"`

	Message string `json:"message,omitempty"`
}

type candidateData struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

type controlData struct {
	TargetUserID string `json:"targetUserId,omitempty"`
}

// Parse decodes a single wire frame into its Message variant. Decoding is
// strict: unknown top-level fields, trailing data, missing payloads, and
// unknown event tags are all errors.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := decodeStrict(data, &env); err != nil {
		return nil, fmt.Errorf("signaling: decode frame: %w", err)
	}

	switch env.Event {
	case eventInit:
		return Init{}, nil
	case eventOffer:
		if env.SDP == "" {
			return nil, fmt.Errorf("signaling: %s missing sdp", env.Event)
		}
		return Offer{SDP: env.SDP}, nil
	case eventAnswer:
		if env.SDP == "" {
			return nil, fmt.Errorf("signaling: %s missing sdp", env.Event)
		}
		return Answer{SDP: env.SDP}, nil
	case eventCandidate:
		return parseCandidate(env)
	case eventDisconnect:
		return Disconnect{}, nil
	case eventError:
		return ErrorEvent{Message: env.Message}, nil
	case eventControlGive:
		target, err := parseControlTarget(env)
		if err != nil {
			return nil, err
		}
		return ControlGive{TargetUserID: target}, nil
	case eventControlRelease:
		target, err := parseControlTarget(env)
		if err != nil {
			return nil, err
		}
		return ControlRelease{TargetUserID: target}, nil
	default:
		return nil, fmt.Errorf("signaling: unknown event %q", env.Event)
	}
}

func parseCandidate(env envelope) (Message, error) {
	if env.Candidate != "" {
		return Candidate{
			Candidate:     env.Candidate,
			SDPMid:        env.SDPMid,
			SDPMLineIndex: env.SDPMLineIndex,
		}, nil
	}
	// Some sandbox builds wrap the candidate as a JSON string under "data".
	if env.Data != "" {
		var cd candidateData
		if err := decodeStrict([]byte(env.Data), &cd); err != nil {
			return nil, fmt.Errorf("signaling: decode candidate data: %w", err)
		}
		if cd.Candidate == "" {
			return nil, fmt.Errorf("signaling: candidate data missing candidate")
		}
		return Candidate{
			Candidate:     cd.Candidate,
			SDPMid:        cd.SDPMid,
			SDPMLineIndex: cd.SDPMLineIndex,
		}, nil
	}
	return nil, fmt.Errorf("signaling: %s missing candidate", eventCandidate)
}

func parseControlTarget(env envelope) (string, error) {
	if env.Data == "" {
		return "", nil
	}
	var cd controlData
	if err := decodeStrict([]byte(env.Data), &cd); err != nil {
		return "", fmt.Errorf("signaling: decode control data: %w", err)
	}
	return cd.TargetUserID, nil
}

// Encode renders msg to its wire frame.
func Encode(msg Message) ([]byte, error) {
	var env envelope

	switch m := msg.(type) {
	case Init:
		env.Event = eventInit
	case Offer:
		env.Event = eventOffer
		env.SDP = m.SDP
	case Answer:
		env.Event = eventAnswer
		env.SDP = m.SDP
	case Candidate:
		env.Event = eventCandidate
		env.Candidate = m.Candidate
		env.SDPMid = m.SDPMid
		env.SDPMLineIndex = m.SDPMLineIndex
	case Disconnect:
		env.Event = eventDisconnect
	case ErrorEvent:
		env.Event = eventError
		env.Message = m.Message
	case ControlGive:
		env.Event = eventControlGive
		if m.TargetUserID != "" {
			data, err := json.Marshal(controlData{TargetUserID: m.TargetUserID})
			if err != nil {
				return nil, err
			}
			env.Data = string(data)
		}
	case ControlRelease:
		env.Event = eventControlRelease
		if m.TargetUserID != "" {
			data, err := json.Marshal(controlData{TargetUserID: m.TargetUserID})
			if err != nil {
				return nil, err
			}
			env.Data = string(data)
		}
	default:
		return nil, fmt.Errorf("signaling: cannot encode %T", msg)
	}

	return json.Marshal(env)
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("unexpected trailing data")
	}
	return nil
}
