package transport

import (
	"context"
	"sync"
)

type pipeEnd struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

var _ Transport = (*pipeEnd)(nil)

// Pipe returns two connected in-process transports. Frames written to one
// end are read from the other. capacity bounds each direction's buffer;
// writes beyond it block, modeling transport back-pressure.
func Pipe(capacity int) (Transport, Transport) {
	if capacity <= 0 {
		capacity = 16
	}
	ab := make(chan []byte, capacity)
	ba := make(chan []byte, capacity)
	done := make(chan struct{})
	once := &sync.Once{}
	a := &pipeEnd{in: ba, out: ab, done: done, once: once}
	b := &pipeEnd{in: ab, out: ba, done: done, once: once}
	return a, b
}

func (p *pipeEnd) Read(ctx context.Context) ([]byte, error) {
	// Drain buffered frames even when the pipe has been closed underneath.
	select {
	case f := <-p.in:
		return f, nil
	default:
	}
	select {
	case f := <-p.in:
		return f, nil
	case <-p.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *pipeEnd) Write(ctx context.Context, frame []byte) error {
	f := append([]byte(nil), frame...)
	select {
	case p.out <- f:
		return nil
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *pipeEnd) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
