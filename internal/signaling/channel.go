package signaling

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait       = 1 * time.Second
	maxMessageBytes = 64 * 1024
)

// ErrChannelClosed is returned by Read and Send once the channel is gone,
// whether we closed it or the sandbox did.
var ErrChannelClosed = errors.New("signaling: channel closed")

// Channel is an owned signaling transport with an explicit open/close
// lifecycle. It is created by Dial, injected into whatever drives it, and
// never shared as ambient state.
//
// Malformed frames are logged and skipped rather than terminating the
// channel: a single bad message must not kill a live session.
type Channel struct {
	log  zerolog.Logger
	conn *websocket.Conn

	// onMalformed, when set, is invoked for every skipped frame.
	onMalformed func()

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// DialOption tweaks channel construction.
type DialOption func(*Channel)

// WithMalformedHook registers fn to run whenever a malformed frame is
// skipped (used for counters).
func WithMalformedHook(fn func()) DialOption {
	return func(c *Channel) { c.onMalformed = fn }
}

// Dial opens the signaling channel at wsURL. The context bounds the dial
// only; the channel itself lives until Close or a read failure.
func Dial(ctx context.Context, wsURL string, log zerolog.Logger, opts ...DialOption) (*Channel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("signaling: dial %s: %s: %w", wsURL, resp.Status, err)
		}
		return nil, fmt.Errorf("signaling: dial %s: %w", wsURL, err)
	}
	conn.SetReadLimit(maxMessageBytes)

	c := &Channel{
		log:  log,
		conn: conn,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Read blocks until the next well-formed message arrives. Unparsable frames
// are logged at warn level and skipped. A transport failure (including a
// clean close from the far side) returns ErrChannelClosed.
func (c *Channel) Read() (Message, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChannelClosed, err)
		}
		if msgType != websocket.TextMessage {
			c.skipMalformed("non-text frame", nil)
			continue
		}

		msg, err := Parse(data)
		if err != nil {
			c.skipMalformed("unparsable frame", err)
			continue
		}
		return msg, nil
	}
}

func (c *Channel) skipMalformed(reason string, err error) {
	c.log.Warn().Err(err).Str("reason", reason).Msg("skipping malformed signaling message")
	if c.onMalformed != nil {
		c.onMalformed()
	}
}

// Send writes msg with a bounded write deadline. Concurrent senders are
// serialized.
func (c *Channel) Send(msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", ErrChannelClosed, err)
	}
	return nil
}

// Close shuts the channel down. Safe to call more than once and from any
// goroutine; subsequent calls are no-ops.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait),
		)
		c.writeMu.Unlock()
		_ = c.conn.Close()
	})
	return nil
}
