package server

import (
	"sync"
	"time"

	"github.com/teleportal-io/teleportal/wire"
)

type outFrame struct {
	kind  wire.Kind
	frame []byte
}

// outQueue is a client session's bounded outbound buffer. When the buffer is
// at its high-water mark, awareness frames are shed (oldest awareness first,
// then the incoming one) because awareness is lossy by design. Doc frames are
// never dropped; they overflow the mark and start the slow-consumer clock,
// which the owning session checks to disconnect persistently slow clients.
type outQueue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	buf       []outFrame
	highWater int
	overSince time.Time
	closed    bool
}

func newOutQueue(highWater int) *outQueue {
	q := &outQueue{highWater: highWater}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues f, shedding awareness frames at the high-water mark. It
// returns how long the queue has continuously been over the mark (zero when
// it is not).
func (q *outQueue) push(f outFrame) time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0
	}
	if len(q.buf) >= q.highWater {
		if f.kind == wire.KindAwareness {
			if !q.evictOldestAwareness() {
				// Nothing sheddable buffered; shed the incoming frame.
				return q.overFor()
			}
		} else if q.overSince.IsZero() {
			q.overSince = time.Now()
		}
	}
	q.buf = append(q.buf, f)
	q.cond.Signal()
	return q.overFor()
}

func (q *outQueue) evictOldestAwareness() bool {
	for i, f := range q.buf {
		if f.kind == wire.KindAwareness {
			q.buf = append(q.buf[:i], q.buf[i+1:]...)
			return true
		}
	}
	return false
}

func (q *outQueue) overFor() time.Duration {
	if len(q.buf) < q.highWater {
		q.overSince = time.Time{}
		return 0
	}
	if q.overSince.IsZero() {
		return 0
	}
	return time.Since(q.overSince)
}

// pop blocks for the next frame. ok is false once the queue is closed and
// drained.
func (q *outQueue) pop() (f outFrame, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.buf) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.buf) == 0 {
		return outFrame{}, false
	}
	f = q.buf[0]
	q.buf = q.buf[1:]
	if len(q.buf) < q.highWater {
		q.overSince = time.Time{}
	}
	return f, true
}

func (q *outQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.buf = nil
	q.cond.Broadcast()
}

func (q *outQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}
