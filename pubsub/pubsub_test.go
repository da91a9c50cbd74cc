package pubsub

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFanOut(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	var mu sync.Mutex
	got := map[string][][]byte{}
	subscribe := func(source string) {
		_, err := ps.Subscribe("document/doc-1", source, func(data []byte, from string) {
			mu.Lock()
			defer mu.Unlock()
			got[source] = append(got[source], data)
			assert.Equal(t, "n1", from)
		})
		require.NoError(t, err)
	}
	subscribe("n1")
	subscribe("n2")
	subscribe("n3")

	require.NoError(t, ps.Publish("document/doc-1", []byte{0xff}, "n1"))

	mu.Lock()
	defer mu.Unlock()
	// The publisher's own subscription is filtered out.
	assert.Nil(t, got["n1"])
	assert.Len(t, got["n2"], 1)
	assert.Len(t, got["n3"], 1)
}

func TestMemoryTopicIsolation(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	var calls int
	_, err := ps.Subscribe("document/doc-1", "n2", func([]byte, string) { calls++ })
	require.NoError(t, err)

	require.NoError(t, ps.Publish("document/doc-2", []byte{0x01}, "n1"))
	assert.Zero(t, calls)
}

func TestMemoryUnsubscribe(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	var calls int
	unsub, err := ps.Subscribe("document/doc-1", "n2", func([]byte, string) { calls++ })
	require.NoError(t, err)

	require.NoError(t, ps.Publish("document/doc-1", []byte{0x01}, "n1"))
	unsub()
	unsub() // idempotent
	require.NoError(t, ps.Publish("document/doc-1", []byte{0x02}, "n1"))
	assert.Equal(t, 1, calls)
}

func TestMemoryHandlerPanicIsolated(t *testing.T) {
	ps := NewMemory()
	defer ps.Close()

	_, err := ps.Subscribe("document/doc-1", "n2", func([]byte, string) { panic("boom") })
	require.NoError(t, err)
	var calls int
	_, err = ps.Subscribe("document/doc-1", "n3", func([]byte, string) { calls++ })
	require.NoError(t, err)

	require.NoError(t, ps.Publish("document/doc-1", []byte{0x01}, "n1"))
	assert.Equal(t, 1, calls)
}

func TestMemoryClosed(t *testing.T) {
	ps := NewMemory()
	require.NoError(t, ps.Close())

	_, err := ps.Subscribe("document/doc-1", "n1", func([]byte, string) {})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, ps.Publish("document/doc-1", nil, "n1"), ErrClosed)
}
