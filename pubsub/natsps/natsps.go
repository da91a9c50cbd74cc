// Package natsps provides a NATS-backed pubsub.PubSub for multi-node
// deployments. Payloads are wrapped with the publisher's source id so the
// subscriber side can apply the same self-exclusion rule as the in-memory
// implementation.
package natsps

import (
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/pubsub"
	"github.com/teleportal-io/teleportal/wire"
)

var log = logrus.WithField("prefix", "natsps")

// Config configures the NATS connection.
type Config struct {
	// URL is the NATS server URL, e.g. "nats://127.0.0.1:4222".
	URL string
	// SubjectPrefix is prepended to every subject. Default "teleportal".
	SubjectPrefix string
	// Name is an optional NATS connection name.
	Name string
	// ReconnectWait is the delay between reconnect attempts. Default 2s.
	ReconnectWait time.Duration
}

// PubSub is a pubsub.PubSub over core NATS subjects. Delivery is
// at-least-once per the broker's semantics; per-subject ordering is
// preserved, which satisfies the within-document ordering contract.
type PubSub struct {
	cfg    Config
	conn   *nats.Conn
	mu     sync.Mutex
	closed bool
}

var _ pubsub.PubSub = (*PubSub)(nil)

// New connects to NATS and returns the adapter.
func New(cfg Config) (*PubSub, error) {
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "teleportal"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.WithField("url", c.ConnectedUrl()).Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, errors.Wrap(err, "connect to nats")
	}
	return &PubSub{cfg: cfg, conn: conn}, nil
}

func (p *PubSub) subject(topic string) string {
	// Topics use "/" separators; NATS subjects use ".".
	return p.cfg.SubjectPrefix + "." + strings.ReplaceAll(topic, "/", ".")
}

// Subscribe registers h for topic on behalf of source.
func (p *PubSub) Subscribe(topic, source string, h pubsub.Handler) (pubsub.Unsubscribe, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, pubsub.ErrClosed
	}
	sub, err := p.conn.Subscribe(p.subject(topic), func(msg *nats.Msg) {
		from, data, err := unwrap(msg.Data)
		if err != nil {
			log.WithError(err).WithField("topic", topic).Warn("Dropping undecodable pubsub payload")
			return
		}
		if from == source {
			return
		}
		h(data, from)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %q", topic)
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				log.WithError(err).WithField("topic", topic).Warn("Unsubscribe failed")
			}
		})
	}, nil
}

// Publish wraps data with source and publishes it to the topic's subject.
func (p *PubSub) Publish(topic string, data []byte, source string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return pubsub.ErrClosed
	}
	p.mu.Unlock()
	return p.conn.Publish(p.subject(topic), wrap(source, data))
}

// Close flushes and drains the connection.
func (p *PubSub) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	if err := p.conn.Drain(); err != nil {
		return errors.Wrap(err, "drain nats connection")
	}
	return nil
}

func wrap(source string, data []byte) []byte {
	buf := wire.AppendString(nil, source)
	return append(buf, data...)
}

func unwrap(b []byte) (source string, data []byte, err error) {
	source, rest, err := wire.String(b)
	if err != nil {
		return "", nil, err
	}
	return source, rest, nil
}
