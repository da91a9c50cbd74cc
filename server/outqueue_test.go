package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/teleportal-io/teleportal/wire"
)

func drainKinds(q *outQueue) []wire.Kind {
	var kinds []wire.Kind
	for q.depth() > 0 {
		f, ok := q.pop()
		if !ok {
			break
		}
		kinds = append(kinds, f.kind)
	}
	return kinds
}

func TestOutQueueShedsOldestAwarenessFirst(t *testing.T) {
	q := newOutQueue(3)
	q.push(outFrame{kind: wire.KindAwareness, frame: []byte{1}})
	q.push(outFrame{kind: wire.KindDoc, frame: []byte{2}})
	q.push(outFrame{kind: wire.KindAwareness, frame: []byte{3}})

	// At the mark: a new awareness frame evicts the oldest awareness frame.
	q.push(outFrame{kind: wire.KindAwareness, frame: []byte{4}})
	require.Equal(t, 3, q.depth())

	f, ok := q.pop()
	require.True(t, ok)
	require.Equal(t, wire.KindDoc, f.kind)
	require.Equal(t, []byte{2}, f.frame)
}

func TestOutQueueDropsIncomingAwarenessWhenNoneBuffered(t *testing.T) {
	q := newOutQueue(2)
	q.push(outFrame{kind: wire.KindDoc, frame: []byte{1}})
	q.push(outFrame{kind: wire.KindDoc, frame: []byte{2}})

	q.push(outFrame{kind: wire.KindAwareness, frame: []byte{3}})
	require.Equal(t, []wire.Kind{wire.KindDoc, wire.KindDoc}, drainKinds(q))
}

func TestOutQueueNeverDropsDocFrames(t *testing.T) {
	q := newOutQueue(2)
	for i := byte(0); i < 5; i++ {
		q.push(outFrame{kind: wire.KindDoc, frame: []byte{i}})
	}
	require.Equal(t, 5, q.depth())
	for i := byte(0); i < 5; i++ {
		f, ok := q.pop()
		require.True(t, ok)
		require.Equal(t, []byte{i}, f.frame)
	}
}

func TestOutQueueSlowConsumerClock(t *testing.T) {
	q := newOutQueue(1)
	require.Zero(t, q.push(outFrame{kind: wire.KindDoc, frame: []byte{1}}))

	// Over the mark: the clock starts and keeps running while backed up.
	q.push(outFrame{kind: wire.KindDoc, frame: []byte{2}})
	time.Sleep(20 * time.Millisecond)
	over := q.push(outFrame{kind: wire.KindDoc, frame: []byte{3}})
	require.GreaterOrEqual(t, over, 20*time.Millisecond)

	// Draining below the mark resets it.
	for q.depth() > 0 {
		q.pop()
	}
	require.Zero(t, q.push(outFrame{kind: wire.KindAck, frame: []byte{4}}))
}

func TestOutQueuePopAfterClose(t *testing.T) {
	q := newOutQueue(4)
	q.push(outFrame{kind: wire.KindDoc, frame: []byte{1}})
	q.close()
	_, ok := q.pop()
	require.False(t, ok)
}

func TestOutQueuePushAfterCloseIsNoop(t *testing.T) {
	q := newOutQueue(4)
	q.close()
	require.Zero(t, q.push(outFrame{kind: wire.KindDoc, frame: []byte{1}}))
	require.Zero(t, q.depth())
}
