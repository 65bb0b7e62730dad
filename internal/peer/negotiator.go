// Package peer owns the client-side PeerConnection: it builds the offer,
// applies the sandbox's answer, trickles candidates in both directions, and
// adopts the data channel the sandbox opens for input.
package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tandemly/cobrowse/internal/signaling"
)

// InputChannelLabel is the label of the sandbox-created input channel.
const InputChannelLabel = "input"

// eventsChannelLabel is the locally created channel that puts an application
// m-line into the offer. Without one the sandbox could not open its input
// channel in-band; the channel itself carries no traffic from our side.
const eventsChannelLabel = "events"

var ErrNegotiatorClosed = errors.New("peer: negotiator closed")

// Sender delivers an outbound signaling message. Send failures abort the
// operation that produced the message.
type Sender func(signaling.Message) error

// Config wires a Negotiator. Send is required; callbacks are optional.
type Config struct {
	ICEServers []webrtc.ICEServer
	Log        zerolog.Logger
	Send       Sender

	// OnInputChannel fires when the sandbox's input channel transitions to
	// open. The channel is ready for SendText at that point.
	OnInputChannel func(dc *webrtc.DataChannel)

	// OnInputChannelClosed fires when an adopted input channel closes or
	// errors, even while the peer connection itself stays up.
	OnInputChannelClosed func()

	// OnTrack fires for each inbound media track.
	OnTrack func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

	// OnConnectionLost fires at most once, when an established or establishing
	// connection fails or closes without Close being called first.
	OnConnectionLost func()

	// OnStateChange observes every peer connection state transition.
	OnStateChange func(state webrtc.PeerConnectionState)

	// OnGatheringStateChange observes local candidate gathering.
	OnGatheringStateChange func(state webrtc.ICEGatheringState)

	// ICETimeouts overrides the ICE agent's liveness timers. Set all three
	// together; the zero value keeps pion's defaults.
	ICETimeouts ICETimeouts
}

// ICETimeouts bundles the ICE agent timers: how long without traffic before
// the connection is considered disconnected, then failed, and how often
// keepalives are sent.
type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	Keepalive    time.Duration
}

// Negotiator drives one offer/answer exchange and the connection that results.
// It is single-use: after Close a new Negotiator is needed to reconnect.
type Negotiator struct {
	log  zerolog.Logger
	pc   *webrtc.PeerConnection
	send Sender

	onLost sync.Once
	cfg    Config

	mu        sync.Mutex
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	closed    bool

	closeOnce sync.Once
}

// New builds the PeerConnection with receive-only video and audio
// transceivers and a local events channel, but does not start negotiating.
func New(cfg Config) (*Negotiator, error) {
	if cfg.Send == nil {
		return nil, errors.New("peer: Config.Send is required")
	}

	se := webrtc.SettingEngine{LoggerFactory: NewLoggerFactory(cfg.Log)}
	if cfg.ICETimeouts != (ICETimeouts{}) {
		se.SetICETimeouts(cfg.ICETimeouts.Disconnected, cfg.ICETimeouts.Failed, cfg.ICETimeouts.Keepalive)
	}
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: cfg.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	n := &Negotiator{
		log:  cfg.Log,
		pc:   pc,
		send: cfg.Send,
		cfg:  cfg,
	}

	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("peer: add %s transceiver: %w", kind, err)
		}
	}

	if _, err := pc.CreateDataChannel(eventsChannelLabel, nil); err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("peer: create events channel: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		msg := signaling.CandidateFromPion(c.ToJSON())
		if err := n.send(msg); err != nil {
			n.log.Warn().Err(err).Msg("failed to send local candidate")
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != InputChannelLabel {
			n.log.Debug().Str("label", dc.Label()).Msg("ignoring unexpected data channel")
			return
		}
		dc.OnOpen(func() {
			if n.cfg.OnInputChannel != nil {
				n.cfg.OnInputChannel(dc)
			}
		})
		dc.OnClose(func() {
			n.log.Debug().Msg("input channel closed")
			if n.cfg.OnInputChannelClosed != nil {
				n.cfg.OnInputChannelClosed()
			}
		})
		dc.OnError(func(err error) {
			n.log.Warn().Err(err).Msg("input channel error")
			if n.cfg.OnInputChannelClosed != nil {
				n.cfg.OnInputChannelClosed()
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		n.log.Debug().Str("kind", track.Kind().String()).Str("id", track.ID()).Msg("remote track")
		if n.cfg.OnTrack != nil {
			n.cfg.OnTrack(track, receiver)
		}
	})

	pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if n.cfg.OnGatheringStateChange != nil {
			n.cfg.OnGatheringStateChange(state)
		}
	})

	pc.OnConnectionStateChange(n.handleConnectionState)

	return n, nil
}

func (n *Negotiator) handleConnectionState(state webrtc.PeerConnectionState) {
	n.log.Debug().Str("state", state.String()).Msg("peer connection state")
	if n.cfg.OnStateChange != nil {
		n.cfg.OnStateChange(state)
	}
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		n.mu.Lock()
		closed := n.closed
		n.mu.Unlock()
		if !closed {
			n.onLost.Do(func() {
				if n.cfg.OnConnectionLost != nil {
					n.cfg.OnConnectionLost()
				}
			})
		}
	}
}

// StartOffer creates and applies the local offer and sends it to the sandbox.
func (n *Negotiator) StartOffer() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNegotiatorClosed
	}
	n.mu.Unlock()

	offer, err := n.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("peer: create offer: %w", err)
	}
	if err := n.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local description: %w", err)
	}
	return n.send(signaling.Offer{SDP: offer.SDP})
}

// HandleAnswer applies the sandbox's answer and flushes any candidates that
// arrived before it, in arrival order.
func (n *Negotiator) HandleAnswer(sdp string) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := n.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("peer: set remote description: %w", err)
	}

	n.mu.Lock()
	n.remoteSet = true
	pending := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, init := range pending {
		if err := n.pc.AddICECandidate(init); err != nil {
			n.log.Warn().Err(err).Msg("dropping buffered remote candidate")
		}
	}
	return nil
}

// HandleCandidate applies a remote candidate, buffering it if the answer has
// not arrived yet. Candidates arriving before the answer are never an error.
func (n *Negotiator) HandleCandidate(c signaling.Candidate) error {
	init := c.ToPion()

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return ErrNegotiatorClosed
	}
	if !n.remoteSet {
		n.pending = append(n.pending, init)
		n.mu.Unlock()
		return nil
	}
	n.mu.Unlock()

	if err := n.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("peer: add candidate: %w", err)
	}
	return nil
}

// Close tears down the peer connection. It suppresses the connection-lost
// callback and is safe to call more than once.
func (n *Negotiator) Close() error {
	var err error
	n.closeOnce.Do(func() {
		n.mu.Lock()
		n.closed = true
		n.mu.Unlock()
		// Claim the once so a late Failed transition can't fire the callback.
		n.onLost.Do(func() {})
		err = n.pc.Close()
	})
	return err
}
