package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPair(t *testing.T, maxMessageSize int64) (server, client *Conn) {
	t.Helper()
	accepted := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, maxMessageSize)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		accepted <- c
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, url, maxMessageSize)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	server = <-accepted
	t.Cleanup(func() { _ = server.Close() })
	return server, client
}

func TestRoundTrip(t *testing.T) {
	server, client := newTestPair(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Write(ctx, []byte{0x01, 0x02, 0x03}))
	got, err := server.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, got)

	require.NoError(t, server.Write(ctx, []byte{0x04}))
	got, err = client.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x04}, got)
}

func TestReadLimitEnforced(t *testing.T) {
	server, client := newTestPair(t, 8)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Write(ctx, make([]byte, 64)))
	_, err := server.Read(ctx)
	assert.Error(t, err, "oversized message must fail the read")
}

func TestReadDeadline(t *testing.T) {
	server, _ := newTestPair(t, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := server.Read(ctx)
	assert.Error(t, err)
}
