// Package controller drives one participant's end of a session: join via the
// coordination API, authenticate against the sandbox, negotiate the media
// transport, and route control-token events into the input forwarder.
package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tandemly/cobrowse/internal/httpapi"
	"github.com/tandemly/cobrowse/internal/input"
	"github.com/tandemly/cobrowse/internal/metrics"
	"github.com/tandemly/cobrowse/internal/peer"
	"github.com/tandemly/cobrowse/internal/sandbox"
	"github.com/tandemly/cobrowse/internal/signaling"
)

// Phase is the controller's connection lifecycle state.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAuthenticating
	PhaseSignalingOpen
	PhaseNegotiating
	PhaseICEGathering
	PhaseConnected
	PhaseDisconnected
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAuthenticating:
		return "authenticating"
	case PhaseSignalingOpen:
		return "signaling_open"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseICEGathering:
		return "ice_gathering"
	case PhaseConnected:
		return "connected"
	case PhaseDisconnected:
		return "disconnected"
	case PhaseFailed:
		return "failed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

var ErrNotConnected = errors.New("controller: not connected")

// Config wires a Controller. API, UserID, and DisplayName are required.
type Config struct {
	API         *httpapi.Client
	UserID      string
	DisplayName string
	ICEServers  []webrtc.ICEServer
	Log         zerolog.Logger

	// OnPhaseChange observes lifecycle transitions.
	OnPhaseChange func(Phase)

	// OnDisconnect fires at most once per Connect attempt, with a short
	// reason, whether the disconnect was local or remote.
	OnDisconnect func(reason string)

	// Metrics, when set, counts skipped signaling frames.
	Metrics *metrics.Metrics

	// ICETimeouts is handed to the peer layer unchanged. The zero value
	// keeps pion's defaults.
	ICETimeouts peer.ICETimeouts

	SandboxOptions []sandbox.Option
}

// Controller is single-session: one Connect, then Disconnect. Reconnecting
// means a fresh Connect on the same controller.
type Controller struct {
	log zerolog.Logger
	cfg Config

	forwarder *input.Forwarder

	mu        sync.Mutex
	phase     Phase
	sessionID string
	att       *attempt
}

// attempt holds the resources of one Connect. Teardown is bound to the
// attempt so that a straggling goroutine from a previous attempt can never
// consume a later attempt's disconnect.
type attempt struct {
	once sync.Once
	ch   *signaling.Channel
	neg  *peer.Negotiator
}

func New(cfg Config) (*Controller, error) {
	if cfg.API == nil || cfg.UserID == "" || cfg.DisplayName == "" {
		return nil, errors.New("controller: API, UserID and DisplayName are required")
	}
	return &Controller{
		log:       cfg.Log,
		cfg:       cfg,
		forwarder: input.NewForwarder(cfg.Log),
		phase:     PhaseIdle,
	}, nil
}

// Input returns the forwarder UI handlers should send events through. Events
// are dropped until the transport is open and control is granted.
func (c *Controller) Input() *input.Forwarder { return c.forwarder }

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	if c.phase == p {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	c.log.Debug().Str("phase", p.String()).Msg("phase change")
	if c.cfg.OnPhaseChange != nil {
		c.cfg.OnPhaseChange(p)
	}
}

// Connect joins the session, authenticates against its sandbox, opens the
// signaling channel, and starts negotiation. It returns once signaling is
// established; the transport comes up asynchronously and is reported through
// phase changes.
func (c *Controller) Connect(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if c.att != nil {
		c.mu.Unlock()
		return errors.New("controller: already connected")
	}
	c.sessionID = sessionID
	c.mu.Unlock()

	c.setPhase(PhaseAuthenticating)

	// Fall back to the server-advertised transport config when the caller
	// did not supply one.
	iceServers := c.cfg.ICEServers
	sbOpts := c.cfg.SandboxOptions
	if len(iceServers) == 0 && len(sbOpts) == 0 {
		if remoteCfg, err := c.cfg.API.ClientConfig(ctx); err == nil {
			iceServers = remoteCfg.ICEServers
			if remoteCfg.LoginTimeout > 0 {
				sbOpts = append(sbOpts, sandbox.WithLoginTimeout(remoteCfg.LoginTimeout))
			}
			if remoteCfg.DialTimeout > 0 {
				sbOpts = append(sbOpts, sandbox.WithDialTimeout(remoteCfg.DialTimeout))
			}
		} else {
			c.log.Debug().Err(err).Msg("no server transport config, using defaults")
		}
	}

	join, err := c.cfg.API.Join(ctx, sessionID)
	if err != nil {
		c.setPhase(PhaseFailed)
		return fmt.Errorf("controller: join session: %w", err)
	}

	sb := sandbox.NewClient(join.Endpoint, c.log, sbOpts...)
	login, err := sb.Login(ctx, sandbox.Credentials{
		DisplayName: c.cfg.DisplayName,
		Password:    join.Credential,
	})
	if err != nil {
		c.setPhase(PhaseFailed)
		return fmt.Errorf("controller: sandbox login: %w", err)
	}

	var dialOpts []signaling.DialOption
	if c.cfg.Metrics != nil {
		dialOpts = append(dialOpts, signaling.WithMalformedHook(func() {
			c.cfg.Metrics.Inc(metrics.MalformedSignal)
		}))
	}
	ch, err := sb.OpenSignaling(ctx, login.Token, dialOpts...)
	if err != nil {
		c.setPhase(PhaseFailed)
		return fmt.Errorf("controller: open signaling: %w", err)
	}

	att := &attempt{ch: ch}
	neg, err := peer.New(peer.Config{
		ICEServers:  iceServers,
		Log:         c.log,
		Send:        ch.Send,
		ICETimeouts: c.cfg.ICETimeouts,
		OnInputChannel: func(dc *webrtc.DataChannel) {
			c.forwarder.SetTransport(dataChannelTransport{dc})
		},
		OnInputChannelClosed: func() {
			c.forwarder.SetTransport(nil)
		},
		OnConnectionLost: func() {
			c.disconnect(att, "transport lost")
		},
		OnStateChange: func(state webrtc.PeerConnectionState) {
			if state == webrtc.PeerConnectionStateConnected {
				c.setPhase(PhaseConnected)
			}
		},
		OnGatheringStateChange: func(state webrtc.ICEGatheringState) {
			// Only a forward step; gathering can overlap the connected state.
			if state == webrtc.ICEGatheringStateGathering && c.Phase() == PhaseNegotiating {
				c.setPhase(PhaseICEGathering)
			}
		},
	})
	if err != nil {
		_ = ch.Close()
		c.setPhase(PhaseFailed)
		return fmt.Errorf("controller: build peer: %w", err)
	}

	att.neg = neg
	c.mu.Lock()
	c.att = att
	c.mu.Unlock()

	c.setPhase(PhaseSignalingOpen)
	go c.readLoop(att)
	return nil
}

func (c *Controller) readLoop(att *attempt) {
	neg := att.neg
	for {
		msg, err := att.ch.Read()
		if err != nil {
			c.disconnect(att, "signaling closed")
			return
		}

		switch msg := msg.(type) {
		case signaling.Init:
			c.setPhase(PhaseNegotiating)
			if err := neg.StartOffer(); err != nil {
				c.log.Error().Err(err).Msg("offer failed")
				c.disconnect(att, "offer failed")
				return
			}
		case signaling.Answer:
			if err := neg.HandleAnswer(msg.SDP); err != nil {
				c.log.Error().Err(err).Msg("answer rejected")
				c.disconnect(att, "answer rejected")
				return
			}
		case signaling.Candidate:
			if err := neg.HandleCandidate(msg); err != nil {
				c.log.Warn().Err(err).Msg("dropping remote candidate")
			}
		case signaling.ControlGive:
			c.forwarder.SetControl(c.addressedToUs(msg.TargetUserID))
		case signaling.ControlRelease:
			if c.addressedToUs(msg.TargetUserID) {
				c.forwarder.SetControl(false)
			}
		case signaling.Disconnect:
			c.disconnect(att, "remote disconnect")
			return
		case signaling.ErrorEvent:
			c.log.Error().Str("message", msg.Message).Msg("sandbox error")
		case signaling.Offer:
			// The sandbox answers, it never offers.
			c.log.Warn().Msg("ignoring unexpected offer from sandbox")
		}
	}
}

// addressedToUs treats an empty target as addressed to this participant,
// matching sandboxes that only ever talk to one peer per channel.
func (c *Controller) addressedToUs(target string) bool {
	return target == "" || target == c.cfg.UserID
}

// GrantControl is a host operation: arbitrate through the API first, then
// notify the sandbox over signaling so it can relax its own gate.
func (c *Controller) GrantControl(ctx context.Context, targetUserID string) error {
	c.mu.Lock()
	sessionID, att := c.sessionID, c.att
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}

	if err := c.cfg.API.SetControl(ctx, sessionID, targetUserID, true); err != nil {
		return err
	}
	if targetUserID == c.cfg.UserID {
		c.forwarder.SetControl(true)
	}
	if att != nil {
		if err := att.ch.Send(signaling.ControlGive{TargetUserID: targetUserID}); err != nil {
			c.log.Warn().Err(err).Msg("control grant not signaled to sandbox")
		}
	}
	return nil
}

// ReleaseControl is a host operation mirroring GrantControl.
func (c *Controller) ReleaseControl(ctx context.Context, targetUserID string) error {
	c.mu.Lock()
	sessionID, att := c.sessionID, c.att
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}

	if err := c.cfg.API.SetControl(ctx, sessionID, targetUserID, false); err != nil {
		return err
	}
	if targetUserID == c.cfg.UserID {
		c.forwarder.SetControl(false)
	}
	if att != nil {
		if err := att.ch.Send(signaling.ControlRelease{TargetUserID: targetUserID}); err != nil {
			c.log.Warn().Err(err).Msg("control release not signaled to sandbox")
		}
	}
	return nil
}

// Leave departs the session and tears the connection down.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	sessionID, att := c.sessionID, c.att
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}
	err := c.cfg.API.Leave(ctx, sessionID)
	c.disconnect(att, "left session")
	return err
}

// End is a host operation: it ends the session for everyone.
func (c *Controller) End(ctx context.Context) error {
	c.mu.Lock()
	sessionID, att := c.sessionID, c.att
	c.mu.Unlock()
	if sessionID == "" {
		return ErrNotConnected
	}
	if err := c.cfg.API.End(ctx, sessionID); err != nil {
		return err
	}
	c.disconnect(att, "session ended")
	return nil
}

// Disconnect tears down transport and signaling without leaving the session.
// Safe to call at any time, any number of times.
func (c *Controller) Disconnect() {
	c.mu.Lock()
	att := c.att
	c.mu.Unlock()
	c.disconnect(att, "local disconnect")
}

// disconnect tears down one attempt. The once lives on the attempt, so late
// callers holding a previous attempt cannot touch the current one.
func (c *Controller) disconnect(att *attempt, reason string) {
	if att == nil {
		return
	}
	att.once.Do(func() {
		c.mu.Lock()
		if c.att == att {
			c.att = nil
		}
		c.mu.Unlock()

		c.log.Info().Str("reason", reason).Msg("disconnecting")
		c.forwarder.SetTransport(nil)
		c.forwarder.SetControl(false)
		if att.neg != nil {
			_ = att.neg.Close()
		}
		_ = att.ch.Send(signaling.Disconnect{})
		_ = att.ch.Close()
		c.setPhase(PhaseDisconnected)
		if c.cfg.OnDisconnect != nil {
			c.cfg.OnDisconnect(reason)
		}
	})
}

// dataChannelTransport adapts the negotiated data channel to the input
// forwarder's transport.
type dataChannelTransport struct {
	dc *webrtc.DataChannel
}

func (t dataChannelTransport) Send(payload []byte) error {
	return t.dc.SendText(string(payload))
}
