// Package transport defines the framed duplex pipe the server consumes,
// an in-process implementation, and middleware wrappers. Frames are encoded
// messages (kind byte plus body) without the stream length prefix; framing is
// the transport's concern.
package transport

import (
	"context"

	"github.com/pkg/errors"
)

// Transport is a bidirectional stream of framed binary messages.
//
// Read and Write honor ctx cancellation. Close releases both directions;
// reads after Close (or after the peer closes) fail with ErrClosed.
type Transport interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, frame []byte) error
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")
