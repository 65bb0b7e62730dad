package peer

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/tandemly/cobrowse/internal/signaling"
)

func TestNewRequiresSender(t *testing.T) {
	if _, err := New(Config{Log: zerolog.Nop()}); err == nil {
		t.Fatal("expected error for missing Send")
	}
}

func TestStartOfferSendsOfferWithApplicationSection(t *testing.T) {
	sent := make(chan signaling.Message, 16)
	n, err := New(Config{
		Log:  zerolog.Nop(),
		Send: func(m signaling.Message) error { sent <- m; return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}

	select {
	case m := <-sent:
		offer, ok := m.(signaling.Offer)
		if !ok {
			t.Fatalf("first message = %T, want Offer", m)
		}
		// The locally created channel must put an application section into the
		// offer, otherwise the sandbox cannot open its input channel in-band.
		if !strings.Contains(offer.SDP, "m=application") {
			t.Error("offer missing application media section")
		}
		if !strings.Contains(offer.SDP, "m=video") || !strings.Contains(offer.SDP, "m=audio") {
			t.Error("offer missing receive transceiver sections")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no offer sent")
	}
}

func TestCandidateBeforeAnswerIsBuffered(t *testing.T) {
	sent := make(chan signaling.Message, 64)
	n, err := New(Config{
		Log:  zerolog.Nop(),
		Send: func(m signaling.Message) error { sent <- m; return nil },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}
	var offerSDP string
	select {
	case m := <-sent:
		offerSDP = m.(signaling.Offer).SDP
	case <-time.After(5 * time.Second):
		t.Fatal("no offer sent")
	}

	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer remote.Close()
	if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		t.Fatalf("SetRemoteDescription: %v", err)
	}
	answer, err := remote.CreateAnswer(nil)
	if err != nil {
		t.Fatalf("CreateAnswer: %v", err)
	}
	gathered := webrtc.GatheringCompletePromise(remote)
	if err := remote.SetLocalDescription(answer); err != nil {
		t.Fatalf("SetLocalDescription: %v", err)
	}
	<-gathered

	mid := "0"
	early := signaling.Candidate{
		Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 54321 typ host",
		SDPMid:    &mid,
	}
	// Before the answer this must buffer, not fail.
	if err := n.HandleCandidate(early); err != nil {
		t.Fatalf("HandleCandidate before answer: %v", err)
	}

	if err := n.HandleAnswer(remote.LocalDescription().SDP); err != nil {
		t.Fatalf("HandleAnswer: %v", err)
	}

	// After the answer candidates apply directly.
	late := signaling.Candidate{
		Candidate: "candidate:2 1 udp 2130706430 127.0.0.1 54322 typ host",
		SDPMid:    &mid,
	}
	if err := n.HandleCandidate(late); err != nil {
		t.Fatalf("HandleCandidate after answer: %v", err)
	}
}

func TestLoopbackOpensInputChannel(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer remote.Close()

	inputOpen := make(chan *webrtc.DataChannel, 1)
	sent := make(chan signaling.Message, 64)
	n, err := New(Config{
		Log:  zerolog.Nop(),
		Send: func(m signaling.Message) error { sent <- m; return nil },
		OnInputChannel: func(dc *webrtc.DataChannel) {
			select {
			case inputOpen <- dc:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	remote.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = n.HandleCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			var m signaling.Message
			select {
			case m = <-sent:
			case <-done:
				return
			}
			switch m := m.(type) {
			case signaling.Offer:
				if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}); err != nil {
					t.Errorf("remote SetRemoteDescription: %v", err)
					return
				}
				if _, err := remote.CreateDataChannel(InputChannelLabel, nil); err != nil {
					t.Errorf("remote CreateDataChannel: %v", err)
					return
				}
				answer, err := remote.CreateAnswer(nil)
				if err != nil {
					t.Errorf("remote CreateAnswer: %v", err)
					return
				}
				if err := remote.SetLocalDescription(answer); err != nil {
					t.Errorf("remote SetLocalDescription: %v", err)
					return
				}
				if err := n.HandleAnswer(answer.SDP); err != nil {
					t.Errorf("HandleAnswer: %v", err)
					return
				}
			case signaling.Candidate:
				if err := remote.AddICECandidate(m.ToPion()); err != nil {
					t.Errorf("remote AddICECandidate: %v", err)
				}
			}
		}
	}()

	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}

	select {
	case dc := <-inputOpen:
		if dc.Label() != InputChannelLabel {
			t.Errorf("channel label = %q, want %q", dc.Label(), InputChannelLabel)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("input channel never opened")
	}
}

func TestCloseIsIdempotentAndSuppressesLostCallback(t *testing.T) {
	lost := make(chan struct{}, 1)
	n, err := New(Config{
		Log:              zerolog.Nop(),
		Send:             func(signaling.Message) error { return nil },
		OnConnectionLost: func() { lost <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := n.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := n.StartOffer(); !errors.Is(err, ErrNegotiatorClosed) {
		t.Errorf("StartOffer after Close = %v, want ErrNegotiatorClosed", err)
	}
	if err := n.HandleCandidate(signaling.Candidate{Candidate: "candidate:1 1 udp 1 127.0.0.1 1 typ host"}); !errors.Is(err, ErrNegotiatorClosed) {
		t.Errorf("HandleCandidate after Close = %v, want ErrNegotiatorClosed", err)
	}

	select {
	case <-lost:
		t.Error("connection-lost callback fired after deliberate Close")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestInputChannelCloseNotifies(t *testing.T) {
	remote, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatalf("NewPeerConnection: %v", err)
	}
	defer remote.Close()

	inputOpen := make(chan struct{}, 1)
	inputClosed := make(chan struct{}, 1)
	remoteDC := make(chan *webrtc.DataChannel, 1)
	sent := make(chan signaling.Message, 64)
	n, err := New(Config{
		Log:  zerolog.Nop(),
		Send: func(m signaling.Message) error { sent <- m; return nil },
		OnInputChannel: func(*webrtc.DataChannel) {
			select {
			case inputOpen <- struct{}{}:
			default:
			}
		},
		OnInputChannelClosed: func() {
			select {
			case inputClosed <- struct{}{}:
			default:
			}
		},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	remote.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		_ = n.HandleCandidate(signaling.CandidateFromPion(c.ToJSON()))
	})

	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			var m signaling.Message
			select {
			case m = <-sent:
			case <-done:
				return
			}
			switch m := m.(type) {
			case signaling.Offer:
				if err := remote.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP}); err != nil {
					t.Errorf("remote SetRemoteDescription: %v", err)
					return
				}
				dc, err := remote.CreateDataChannel(InputChannelLabel, nil)
				if err != nil {
					t.Errorf("remote CreateDataChannel: %v", err)
					return
				}
				remoteDC <- dc
				answer, err := remote.CreateAnswer(nil)
				if err != nil {
					t.Errorf("remote CreateAnswer: %v", err)
					return
				}
				if err := remote.SetLocalDescription(answer); err != nil {
					t.Errorf("remote SetLocalDescription: %v", err)
					return
				}
				if err := n.HandleAnswer(answer.SDP); err != nil {
					t.Errorf("HandleAnswer: %v", err)
					return
				}
			case signaling.Candidate:
				if err := remote.AddICECandidate(m.ToPion()); err != nil {
					t.Errorf("remote AddICECandidate: %v", err)
				}
			}
		}
	}()

	if err := n.StartOffer(); err != nil {
		t.Fatalf("StartOffer: %v", err)
	}

	select {
	case <-inputOpen:
	case <-time.After(15 * time.Second):
		t.Fatal("input channel never opened")
	}

	dc := <-remoteDC
	if err := dc.Close(); err != nil {
		t.Fatalf("remote close: %v", err)
	}

	// The peer connection stays up; only the channel-closed callback fires.
	select {
	case <-inputClosed:
	case <-time.After(15 * time.Second):
		t.Fatal("input channel close never observed")
	}
}

func TestConnectionFailureFiresLostOnce(t *testing.T) {
	lost := make(chan struct{}, 4)
	n, err := New(Config{
		Log:              zerolog.Nop(),
		Send:             func(signaling.Message) error { return nil },
		OnConnectionLost: func() { lost <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Close()

	n.handleConnectionState(webrtc.PeerConnectionStateFailed)
	n.handleConnectionState(webrtc.PeerConnectionStateFailed)
	n.handleConnectionState(webrtc.PeerConnectionStateClosed)

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("connection-lost callback never fired")
	}
	select {
	case <-lost:
		t.Error("connection-lost callback fired more than once")
	case <-time.After(200 * time.Millisecond):
	}
}
