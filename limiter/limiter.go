// Package limiter enforces the per-message rate rules and the frame size
// limit. Each rule tracks a sliding-window counter keyed by its scope (user,
// document, or both); counters live in a pluggable store so multi-node
// deployments can share one. An optional leaky-bucket burst limiter guards
// against raw frame floods ahead of rule evaluation.
package limiter

import (
	"fmt"
	"sync"
	"time"

	"github.com/kevinms/leakybucket-go"
	"github.com/patrickmn/go-cache"
)

// TrackBy selects the scope a rule's counters are keyed by.
type TrackBy string

const (
	TrackUser         TrackBy = "user"
	TrackDocument     TrackBy = "document"
	TrackUserDocument TrackBy = "user-document"
)

// Rule caps accepted messages per scope within a sliding window.
type Rule struct {
	ID          string
	MaxMessages int64
	Window      time.Duration
	TrackBy     TrackBy
}

// Exceeded reports which rule tripped and for which scope key. The enforcing
// policy (disconnect, hook) belongs to the caller.
type Exceeded struct {
	Rule     Rule
	ScopeKey string
}

func (e *Exceeded) Error() string {
	return fmt.Sprintf("rate limit %q exceeded for %q (%d per %s)",
		e.Rule.ID, e.ScopeKey, e.Rule.MaxMessages, e.Rule.Window)
}

// CounterStore is the counter substrate. IncrementAndRead must be atomic per
// key: it bumps the key's counter within the current window and returns the
// new count. Implementations expire state no sooner than twice the window.
type CounterStore interface {
	IncrementAndRead(key string, window time.Duration) (int64, error)
}

// Config configures a Limiter.
type Config struct {
	Rules []Rule
	// MaxMessageSize rejects frames longer than this many bytes. 0 disables
	// the check.
	MaxMessageSize uint64
	// Store overrides the in-memory counter store, e.g. with a shared
	// external one. Nil selects the in-memory store.
	Store CounterStore
	// BurstRate, when positive, caps raw inbound frames per second per
	// client with burst tolerance BurstSize, ahead of rule evaluation.
	BurstRate float64
	BurstSize int64
}

// Limiter applies the configured rules.
type Limiter struct {
	cfg   Config
	store CounterStore
	burst *leakybucket.Collector
}

// New builds a Limiter from cfg.
func New(cfg Config) *Limiter {
	store := cfg.Store
	if store == nil {
		store = NewMemoryStore()
	}
	l := &Limiter{cfg: cfg, store: store}
	if cfg.BurstRate > 0 {
		size := cfg.BurstSize
		if size <= 0 {
			size = int64(cfg.BurstRate)
		}
		l.burst = leakybucket.NewCollector(cfg.BurstRate, size, true /* deleteEmptyBuckets */)
	}
	return l
}

// MaxMessageSize returns the configured frame size cap (0 when disabled).
func (l *Limiter) MaxMessageSize() uint64 { return l.cfg.MaxMessageSize }

// AllowSize reports whether a frame of n bytes is within the size cap. The
// check needs only the frame's declared length, so oversized bodies are never
// read.
func (l *Limiter) AllowSize(n uint64) bool {
	return l.cfg.MaxMessageSize == 0 || n <= l.cfg.MaxMessageSize
}

// AllowBurst reports whether the client is within the raw frame burst cap.
func (l *Limiter) AllowBurst(clientID string) bool {
	if l.burst == nil {
		return true
	}
	return l.burst.Add(clientID, 1) == 1
}

// ScopeKey returns the counter key a rule uses for the given identities.
func (r Rule) ScopeKey(userID, docID string) string {
	switch r.TrackBy {
	case TrackUser:
		return userID
	case TrackDocument:
		return docID
	default:
		return userID + "/" + docID
	}
}

// Allow counts one message against every applicable rule. It returns the
// first tripped rule, or nil. A counter store failure is returned as err; the
// caller decides whether to fail open.
func (l *Limiter) Allow(userID, docID string) (*Exceeded, error) {
	for _, rule := range l.cfg.Rules {
		scope := rule.ScopeKey(userID, docID)
		count, err := l.store.IncrementAndRead(rule.ID+":"+scope, rule.Window)
		if err != nil {
			return nil, err
		}
		if count > rule.MaxMessages {
			return &Exceeded{Rule: rule, ScopeKey: scope}, nil
		}
	}
	return nil, nil
}

type windowCounter struct {
	start time.Time
	count int64
}

// MemoryStore is the in-process CounterStore. Counters expire at twice their
// rule's window.
type MemoryStore struct {
	mu    sync.Mutex
	cache *cache.Cache
}

var _ CounterStore = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cache: cache.New(cache.NoExpiration, time.Minute)}
}

// IncrementAndRead bumps the key's counter within its current window.
func (s *MemoryStore) IncrementAndRead(key string, window time.Duration) (int64, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	var c *windowCounter
	if v, ok := s.cache.Get(key); ok {
		c = v.(*windowCounter)
	} else {
		c = &windowCounter{start: now}
	}
	if now.Sub(c.start) >= window {
		c.start = now
		c.count = 0
	}
	c.count++
	s.cache.Set(key, c, 2*window)
	return c.count, nil
}
