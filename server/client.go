package server

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/limiter"
	"github.com/teleportal-io/teleportal/message"
	"github.com/teleportal-io/teleportal/transport"
	"github.com/teleportal-io/teleportal/wire"
)

// clientSession owns one connected transport: a read loop that validates and
// routes inbound frames, and a write loop draining the bounded outbound queue.
type clientSession struct {
	id  string
	srv *Server
	tr  transport.Transport
	out *outQueue

	mu   sync.Mutex
	auth Context
	docs map[string]*docSession

	closeOnce sync.Once
	reason    *DisconnectError
	done      chan struct{}
}

func (c *clientSession) authCtx() Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth
}

// send enqueues a message for the client.
func (c *clientSession) send(m *message.Message) {
	c.enqueue(m.Kind(), m.Encoded())
}

// enqueue pushes an encoded frame onto the outbound queue and enforces the
// slow-consumer policy: a queue continuously over its high-water mark for
// longer than the grace period gets its client disconnected.
func (c *clientSession) enqueue(kind wire.Kind, frame []byte) {
	over := c.out.push(outFrame{kind: kind, frame: frame})
	if over > c.srv.cfg.SlowConsumerGrace {
		c.disconnect(disconnectErr(ReasonSlowConsumer, "outbound queue over high-water for %s", over.Round(time.Millisecond)))
	}
}

func (c *clientSession) run() {
	go c.writeLoop()
	c.readLoop()
}

func (c *clientSession) writeLoop() {
	for {
		f, ok := c.out.pop()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.srv.cfg.WriteTimeout)
		err := c.tr.Write(ctx, f.frame)
		cancel()
		if err != nil {
			c.disconnect(nil)
			return
		}
	}
}

func (c *clientSession) readLoop() {
	for {
		ctx, cancel := context.WithTimeout(c.srv.ctx, c.srv.cfg.IdleTimeout)
		frame, err := c.tr.Read(ctx)
		cancel()
		if err != nil {
			c.disconnect(classifyReadError(err))
			return
		}
		if derr := c.handleFrame(frame); derr != nil {
			c.disconnect(derr)
			return
		}
	}
}

func classifyReadError(err error) *DisconnectError {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		return disconnectErr(ReasonIdleTimeout, "no frames received")
	case errors.Is(err, wire.ErrSizeExceeded):
		return disconnectErr(ReasonSizeExceeded, "frame too large")
	case errors.Is(err, wire.ErrMalformed):
		return disconnectErr(ReasonMalformedFrame, "unreadable frame")
	case errors.Is(err, transport.ErrClosed), errors.Is(err, io.EOF),
		errors.Is(err, context.Canceled):
		return nil
	default:
		return nil
	}
}

func (c *clientSession) handleFrame(frame []byte) *DisconnectError {
	lim := c.srv.cfg.Limiter
	if !lim.AllowSize(uint64(len(frame))) {
		c.fireRateLimitHook(nil)
		return disconnectErr(ReasonSizeExceeded, "frame is %d bytes, max %d", len(frame), lim.MaxMessageSize())
	}
	if !lim.AllowBurst(c.id) {
		c.fireRateLimitHook(nil)
		return disconnectErr(ReasonRateLimited, "frame burst cap exceeded")
	}

	m, err := message.Decode(frame)
	if err != nil {
		return disconnectErr(ReasonMalformedFrame, "%v", err)
	}

	switch m.Kind() {
	case wire.KindAck:
		// Acks flow server to client; inbound ones are noise.
		return nil
	case wire.KindAuth:
		return c.handleAuthRequest(m)
	}

	if req, ok := m.Payload().(message.AuthRequest); ok {
		// Doc-scoped credential exchange resolves at the connection level too.
		return c.exchangeToken(req.Token, m.Document())
	}

	docID := m.Document()
	if docID == "" {
		return disconnectErr(ReasonMalformedFrame, "%s frame without document id", m.Kind())
	}

	if exceeded, err := lim.Allow(c.authCtx().UserID(), docID); err != nil {
		// A broken counter store fails open; losing rate limiting beats
		// refusing all traffic.
		log.WithError(err).Warn("Rate limit store failed, allowing message")
	} else if exceeded != nil {
		c.srv.metrics.IncRateLimitExceeded(string(exceeded.Rule.TrackBy), exceeded.ScopeKey)
		c.fireRateLimitHook(exceeded)
		return disconnectErr(ReasonRateLimited, "%v", exceeded)
	}

	m.Context = c.authCtx()

	ds, derr := c.session(docID)
	if derr != nil {
		return derr
	}
	if err := ds.handle(c, m); err != nil {
		// The session closed under us; drop the frame, the client will
		// resync on its next message.
		c.forget(docID)
	}
	return nil
}

func (c *clientSession) fireRateLimitHook(exceeded *limiter.Exceeded) {
	if hook := c.srv.cfg.OnRateLimitExceeded; hook != nil {
		hook(c.id, c.authCtx().UserID(), exceeded)
	}
}

func (c *clientSession) handleAuthRequest(m *message.Message) *DisconnectError {
	req, ok := m.Payload().(message.AuthRequest)
	if !ok {
		// AuthFail is server to client only.
		return nil
	}
	return c.exchangeToken(req.Token, "")
}

// exchangeToken runs the in-band credential hook and swaps the session's auth
// context on success. doc scopes the failure reply for doc-level requests.
func (c *clientSession) exchangeToken(token []byte, doc string) *DisconnectError {
	hook := c.srv.cfg.AuthToken
	if hook == nil {
		return disconnectErr(ReasonUnauthorized, "token auth not enabled")
	}
	authCtx, err := hook(token)
	if err != nil {
		if doc != "" {
			c.send(message.NewAuthFail(doc, "invalid token"))
		} else {
			c.send(message.NewConnAuthFail("invalid token"))
		}
		return disconnectErr(ReasonUnauthorized, "token rejected")
	}
	c.mu.Lock()
	c.auth = authCtx
	c.mu.Unlock()
	return nil
}

// session returns the client's subscription to docID, opening the document
// session and subscribing lazily on first use.
func (c *clientSession) session(docID string) (*docSession, *DisconnectError) {
	c.mu.Lock()
	ds := c.docs[docID]
	c.mu.Unlock()
	if ds != nil && !ds.closing.Load() {
		return ds, nil
	}

	// A session can begin teardown between lookup and subscribe; re-open and
	// try again.
	for attempt := 0; attempt < 3; attempt++ {
		ds, err := c.srv.session(docID)
		if err != nil {
			c.srv.metrics.IncError(ReasonStorageError)
			log.WithError(err).WithField("document", docID).Error("Failed to open document session")
			return nil, disconnectErr(ReasonStorageError, "document unavailable")
		}
		if err := ds.subscribe(c); err != nil {
			continue
		}
		c.mu.Lock()
		c.docs[docID] = ds
		c.mu.Unlock()
		return ds, nil
	}
	return nil, disconnectErr(ReasonInternal, "document session unstable")
}

func (c *clientSession) forget(docID string) {
	c.mu.Lock()
	delete(c.docs, docID)
	c.mu.Unlock()
}

// detach is called by a document session tearing down while the client lives.
func (c *clientSession) detach(d *docSession) {
	c.forget(d.id)
}

// disconnect terminates the session once. A non-nil reason is reported to the
// client on a best-effort auth-fail frame, which doubles as the generic error
// notification; reason-free disconnects (clean close, peer gone) skip it.
func (c *clientSession) disconnect(derr *DisconnectError) {
	c.closeOnce.Do(func() {
		c.reason = derr
		go c.shutdownNow()
	})
}

func (c *clientSession) shutdownNow() {
	if c.reason != nil {
		c.srv.metrics.IncError(c.reason.Reason)
		log.WithFields(logrus.Fields{"client": c.id, "reason": c.reason.Reason}).Info("Disconnecting client")
		notify := message.NewConnAuthFail(c.reason.Error())
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = c.tr.Write(ctx, notify.Encoded())
		cancel()
	}
	_ = c.tr.Close()
	c.out.close()

	c.mu.Lock()
	docs := c.docs
	c.docs = make(map[string]*docSession)
	c.mu.Unlock()
	for _, ds := range docs {
		ds.unsubscribe(c)
	}

	c.srv.removeClient(c)
	c.srv.metrics.ClientDisconnected()
	close(c.done)
}
