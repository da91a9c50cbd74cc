package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-io/teleportal/message"
)

func TestPipeRoundTrip(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, []byte{0x01, 0x02}))
	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02}, got)

	require.NoError(t, b.Write(ctx, []byte{0x03}))
	got, err = a.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03}, got)
}

func TestPipeReadAfterCloseDrains(t *testing.T) {
	a, b := Pipe(4)
	ctx := context.Background()

	require.NoError(t, a.Write(ctx, []byte{0x01}))
	require.NoError(t, a.Close())

	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01}, got)

	_, err = b.Read(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPipeReadCancel(t *testing.T) {
	_, b := Pipe(1)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := b.Read(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPipeWriteBackPressure(t *testing.T) {
	a, _ := Pipe(1)
	ctx := context.Background()
	require.NoError(t, a.Write(ctx, []byte{0x01}))

	blocked, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := a.Write(blocked, []byte{0x02})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAckTrackerResolves(t *testing.T) {
	a, b := Pipe(4)
	tracker := WithAckTracking(a, time.Second)
	defer tracker.Close()
	ctx := context.Background()

	msg := message.NewUpdate("doc-1", []byte{0x01}, false)
	require.NoError(t, tracker.Write(ctx, msg.Encoded()))

	// The peer acks; a drain loop observes it.
	require.NoError(t, b.Write(ctx, message.NewAck(msg.ID()).Encoded()))
	go func() {
		for {
			if _, err := tracker.Read(context.Background()); err != nil {
				return
			}
		}
	}()

	assert.NoError(t, tracker.WaitForAck(ctx, msg.ID()))
}

func TestAckTrackerTimeout(t *testing.T) {
	a, _ := Pipe(4)
	tracker := WithAckTracking(a, 20*time.Millisecond)
	ctx := context.Background()

	msg := message.NewUpdate("doc-1", []byte{0x01}, false)
	require.NoError(t, tracker.Write(ctx, msg.Encoded()))
	assert.ErrorIs(t, tracker.WaitForAck(ctx, msg.ID()), ErrAckTimeout)
}
