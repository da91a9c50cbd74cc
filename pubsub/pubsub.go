// Package pubsub defines the topic fan-out substrate used for cross-node
// replication, plus an in-memory implementation for single-node deployments
// and tests.
package pubsub

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "pubsub")

// Handler consumes a published payload. source identifies the publisher.
type Handler func(data []byte, source string)

// Unsubscribe removes a subscription. Safe to call more than once.
type Unsubscribe func()

// TopicForDocument returns the canonical replication topic for a document.
func TopicForDocument(docID string) string {
	return "document/" + docID
}

// TopicForAcks returns the cross-node ack topic for a client. Reserved for
// test harnesses; production acks are delivered at the originating node.
func TopicForAcks(clientID string) string {
	return "ack/" + clientID
}

// PubSub is the fan-out contract. Delivery is at-least-once; ordering may be
// violated across topics but never within one. A subscription declares the
// source it belongs to, and publications from the same source are not
// delivered to it, so a node never receives its own messages.
type PubSub interface {
	Subscribe(topic, source string, h Handler) (Unsubscribe, error)
	Publish(topic string, data []byte, source string) error
	Close() error
}

// ErrClosed is returned by operations on a closed PubSub.
var ErrClosed = errors.New("pubsub: closed")

type memorySub struct {
	source  string
	handler Handler
}

// Memory is an in-process PubSub. Publication delivers synchronously to every
// matching subscriber; a panicking handler is isolated and does not affect
// the others.
type Memory struct {
	mu     sync.RWMutex
	closed bool
	nextID uint64
	topics map[string]map[uint64]*memorySub
}

var _ PubSub = (*Memory)(nil)

// NewMemory returns an empty in-memory PubSub.
func NewMemory() *Memory {
	return &Memory{topics: make(map[string]map[uint64]*memorySub)}
}

// Subscribe registers h for topic on behalf of source.
func (m *Memory) Subscribe(topic, source string, h Handler) (Unsubscribe, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	subs, ok := m.topics[topic]
	if !ok {
		subs = make(map[uint64]*memorySub)
		m.topics[topic] = subs
	}
	id := m.nextID
	m.nextID++
	subs[id] = &memorySub{source: source, handler: h}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if subs, ok := m.topics[topic]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(m.topics, topic)
				}
			}
		})
	}, nil
}

// Publish delivers data to every subscriber of topic whose source differs
// from the publisher's.
func (m *Memory) Publish(topic string, data []byte, source string) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	var targets []*memorySub
	for _, sub := range m.topics[topic] {
		if sub.source != source {
			targets = append(targets, sub)
		}
	}
	m.mu.RUnlock()

	for _, sub := range targets {
		deliver(topic, sub, data, source)
	}
	return nil
}

func deliver(topic string, sub *memorySub, data []byte, source string) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(logrus.Fields{"topic": topic, "recovered": r}).Error("Subscriber handler panicked")
		}
	}()
	sub.handler(data, source)
}

// Close drops all subscriptions. Subsequent operations fail with ErrClosed.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.topics = make(map[string]map[uint64]*memorySub)
	return nil
}
