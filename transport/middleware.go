package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/message"
	"github.com/teleportal-io/teleportal/wire"
)

// Middleware wraps a Transport with additional behavior. A middleware owns
// its inner transport's lifetime and forwards Close.
type Middleware func(Transport) Transport

type loggingTransport struct {
	next  Transport
	entry *logrus.Entry
}

// WithLogging logs every frame crossing the transport at debug level.
func WithLogging(entry *logrus.Entry) Middleware {
	return func(next Transport) Transport {
		return &loggingTransport{next: next, entry: entry}
	}
}

func (t *loggingTransport) Read(ctx context.Context) ([]byte, error) {
	frame, err := t.next.Read(ctx)
	if err != nil {
		return nil, err
	}
	t.entry.WithFields(logrus.Fields{
		"dir": "in", "kind": frameKind(frame), "bytes": len(frame),
	}).Debug("Frame")
	return frame, nil
}

func (t *loggingTransport) Write(ctx context.Context, frame []byte) error {
	t.entry.WithFields(logrus.Fields{
		"dir": "out", "kind": frameKind(frame), "bytes": len(frame),
	}).Debug("Frame")
	return t.next.Write(ctx, frame)
}

func (t *loggingTransport) Close() error { return t.next.Close() }

func frameKind(frame []byte) string {
	if len(frame) == 0 {
		return "malformed"
	}
	kind, _, err := wire.DecodeKindByte(frame[0])
	if err != nil {
		return "malformed"
	}
	return kind.String()
}

// DefaultAckTimeout bounds WaitForAck when the tracker's timeout is unset.
const DefaultAckTimeout = 10 * time.Second

// ErrAckTimeout is returned when no ack arrives within the timeout.
var ErrAckTimeout = errors.New("transport: timed out waiting for ack")

// AckTracker wraps a transport and matches inbound acks to frames previously
// written through it. Used by test harnesses and client-side reliability
// layers.
type AckTracker struct {
	next    Transport
	timeout time.Duration

	mu      sync.Mutex
	pending map[message.ID]chan struct{}
}

var _ Transport = (*AckTracker)(nil)

// WithAckTracking wraps next. A zero timeout selects DefaultAckTimeout.
func WithAckTracking(next Transport, timeout time.Duration) *AckTracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &AckTracker{next: next, timeout: timeout, pending: make(map[message.ID]chan struct{})}
}

// Write records the frame's id before forwarding it.
func (t *AckTracker) Write(ctx context.Context, frame []byte) error {
	id := message.DigestID(frame)
	t.mu.Lock()
	if _, ok := t.pending[id]; !ok {
		t.pending[id] = make(chan struct{})
	}
	t.mu.Unlock()
	return t.next.Write(ctx, frame)
}

// Read forwards frames, resolving waiters when an ack passes through.
func (t *AckTracker) Read(ctx context.Context) ([]byte, error) {
	frame, err := t.next.Read(ctx)
	if err != nil {
		return nil, err
	}
	if m, err := message.Decode(frame); err == nil {
		if ack, ok := m.Payload().(message.Ack); ok {
			t.mu.Lock()
			if ch, found := t.pending[ack.MessageID]; found {
				close(ch)
				delete(t.pending, ack.MessageID)
			}
			t.mu.Unlock()
		}
	}
	return frame, nil
}

// WaitForAck blocks until the identified frame is acked, the tracker's
// timeout elapses, or ctx is done. The caller must be concurrently draining
// Read for acks to be observed.
func (t *AckTracker) WaitForAck(ctx context.Context, id message.ID) error {
	t.mu.Lock()
	ch, ok := t.pending[id]
	if !ok {
		// Already acked (or never written); treat as resolved.
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close forwards to the inner transport.
func (t *AckTracker) Close() error { return t.next.Close() }
