package signaling

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestChannel_ReadSkipsMalformedFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		frames := []string{
			`{"event":"system/init"}`,
			`this is not json`,
			`{"event":"nope/nope"}`,
			`{"event":"signal/answer","sdp":"v=0"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// Hold the connection open until the client is done.
		conn.ReadMessage()
	}))
	defer srv.Close()

	var malformed atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, wsURL(srv), zerolog.Nop(), WithMalformedHook(func() {
		malformed.Add(1)
	}))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	msg, err := ch.Read()
	if err != nil {
		t.Fatalf("read init: %v", err)
	}
	if _, ok := msg.(Init); !ok {
		t.Fatalf("got %T, want Init", msg)
	}

	// The two bad frames in between must be skipped, not kill the channel.
	msg, err = ch.Read()
	if err != nil {
		t.Fatalf("read answer: %v", err)
	}
	if answer, ok := msg.(Answer); !ok || answer.SDP != "v=0" {
		t.Fatalf("got %#v, want Answer", msg)
	}
	if got := malformed.Load(); got != 2 {
		t.Fatalf("malformed count=%d, want 2", got)
	}
}

func TestChannel_ReadAfterServerCloseReturnsErrChannelClosed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn.Close()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, wsURL(srv), zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Read(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err=%v, want ErrChannelClosed", err)
	}
}

func TestChannel_SendDeliversFrame(t *testing.T) {
	upgrader := websocket.Upgrader{}
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, wsURL(srv), zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ch.Close()

	if err := ch.Send(Offer{SDP: "v=0"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case data := <-received:
		msg, err := Parse(data)
		if err != nil {
			t.Fatalf("server received unparsable frame: %v", err)
		}
		if offer, ok := msg.(Offer); !ok || offer.SDP != "v=0" {
			t.Fatalf("server received %#v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame")
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.ReadMessage()
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ch, err := Dial(ctx, wsURL(srv), zerolog.Nop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	if err := ch.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := ch.Read(); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("read after close: err=%v, want ErrChannelClosed", err)
	}
}
