// Package ws adapts a gorilla/websocket connection to transport.Transport.
// Each websocket binary message carries exactly one frame, so no stream
// length prefix is used.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/teleportal-io/teleportal/transport"
	"github.com/teleportal-io/teleportal/wire"
)

// Maximum time we'll wait for a write we initiate to complete. We rely on
// TCP keep-alive rather than websocket ping-pong.
const writeTimeout = 10 * time.Second

// Subprotocol is the negotiated websocket subprotocol.
const Subprotocol = "teleportal/v1"

// Conn is a transport.Transport over a websocket connection.
type Conn struct {
	c       *websocket.Conn
	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ transport.Transport = (*Conn)(nil)

// NewConn wraps c. maxMessageSize, when positive, caps inbound message size;
// the peer is disconnected when it sends a longer message.
func NewConn(c *websocket.Conn, maxMessageSize int64) *Conn {
	if maxMessageSize > 0 {
		c.SetReadLimit(maxMessageSize)
	}
	return &Conn{c: c}
}

// Upgrader returns an http->websocket upgrader negotiating the Teleportal
// subprotocol. Origin checking is delegated to the caller's authorization
// hook, which sees the upgrade metadata.
func Upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		Subprotocols:    []string{Subprotocol},
		CheckOrigin:     func(*http.Request) bool { return true },
	}
}

// Upgrade upgrades an HTTP request and wraps the connection.
func Upgrade(w http.ResponseWriter, r *http.Request, maxMessageSize int64) (*Conn, error) {
	c, err := Upgrader().Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Wrap(err, "websocket upgrade")
	}
	return NewConn(c, maxMessageSize), nil
}

// Dial connects to a Teleportal websocket endpoint.
func Dial(ctx context.Context, url string, maxMessageSize int64) (*Conn, error) {
	dialer := websocket.Dialer{Subprotocols: []string{Subprotocol}}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %q", url)
	}
	return NewConn(c, maxMessageSize), nil
}

// Read returns the next inbound binary message. Cancellation is honored via
// the read deadline when ctx carries one.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := c.c.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
	} else if err := c.c.SetReadDeadline(time.Time{}); err != nil {
		return nil, err
	}
	for {
		mt, data, err := c.c.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, transport.ErrClosed
			}
			if errors.Is(err, websocket.ErrReadLimit) {
				return nil, errors.WithMessage(wire.ErrSizeExceeded, "websocket read limit")
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			// Text and control frames are not part of the protocol.
			continue
		}
		return data, nil
	}
}

// Write sends frame as one binary message. Writes are serialized; gorilla
// permits a single concurrent writer.
func (c *Conn) Write(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.c.WriteMessage(websocket.BinaryMessage, frame)
}

// Close sends a close frame best-effort and tears the connection down.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.c.Close()
	})
	return c.closeErr
}
