// Package transport is the client side of the sync channel. It moves
// opaque frames between the local session and the relay, reconnecting
// with backoff after a drop. It buffers nothing while disconnected:
// the replica and the local cache already hold the authoritative local
// state, and the resync handshake on reconnect covers the gap.
package transport

import (
	"context"
	"errors"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"inkwell/core/internal/wire"
)

var (
	// ErrTransportUnavailable means the channel is down. Callers keep
	// editing locally; reconnection is automatic.
	ErrTransportUnavailable = errors.New("sync transport unavailable")
	ErrClosed               = errors.New("transport closed")
)

const (
	writeWait      = 10 * time.Second
	initialBackoff = 500 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// Conn is a duplex stream of frames for one document.
type Conn struct {
	wsURL   string
	header  http.Header
	frames  chan wire.Frame
	onState func(connected bool)

	mu        sync.Mutex
	ws        *websocket.Conn
	closed    bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Dial starts the connection manager for documentID and returns
// immediately; the first connect happens in the background. baseURL is
// the relay's http(s) address, credentials travel as a bearer token.
// onState, if non-nil, is called on every connect and disconnect.
func Dial(ctx context.Context, baseURL, documentID, token string, onState func(connected bool)) (*Conn, error) {
	wsURL, err := websocketURL(baseURL, documentID)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	c := &Conn{
		wsURL:   wsURL,
		header:  header,
		frames:  make(chan wire.Frame, 256),
		onState: onState,
		closeCh: make(chan struct{}),
	}
	go c.run(ctx)
	return c, nil
}

func websocketURL(baseURL, documentID string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported scheme " + u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + documentID
	return u.String(), nil
}

// Frames is the stream of incoming frames. It is closed when the
// connection is closed for good.
func (c *Conn) Frames() <-chan wire.Frame {
	return c.frames
}

// Send transmits one frame. While disconnected it fails with
// ErrTransportUnavailable instead of buffering.
func (c *Conn) Send(frame wire.Frame) error {
	message, err := wire.Encode(frame)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.ws == nil {
		return ErrTransportUnavailable
	}
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
		return ErrTransportUnavailable
	}
	return nil
}

// Connected reports whether the channel is currently up.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil && !c.closed
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		close(c.closeCh)
		if ws != nil {
			ws.Close()
		}
	})
	return nil
}

func (c *Conn) run(ctx context.Context) {
	defer close(c.frames)

	backoff := initialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, c.header)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("transport: connect %s: %v (retry in %s)", c.wsURL, err, backoff)
			if !c.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			ws.Close()
			return
		}
		c.ws = ws
		c.mu.Unlock()
		c.notify(true)

		// Full-state resync on every (re)connect: merging a snapshot
		// converges regardless of how much was missed.
		if err := c.Send(wire.Frame{Kind: wire.KindSyncRequest}); err != nil {
			log.Printf("transport: sync request: %v", err)
		}

		c.readLoop(ctx, ws)

		c.mu.Lock()
		closed := c.closed
		c.ws = nil
		c.mu.Unlock()
		ws.Close()
		c.notify(false)
		if closed || ctx.Err() != nil {
			return
		}
	}
}

func (c *Conn) readLoop(ctx context.Context, ws *websocket.Conn) {
	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.Decode(message)
		if err != nil {
			log.Printf("transport: dropping unreadable frame: %v", err)
			continue
		}
		select {
		case c.frames <- frame:
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		}
	}
}

func (c *Conn) notify(connected bool) {
	if c.onState != nil {
		c.onState(connected)
	}
}

func (c *Conn) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	case <-c.closeCh:
		return false
	}
}

// nextBackoff doubles up to the cap, with jitter so a fleet of clients
// does not reconnect in lockstep.
func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	jitter := time.Duration(rand.Int63n(int64(next / 4)))
	return next - next/8 + jitter
}
