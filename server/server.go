// Package server implements the synchronization core: it accepts framed
// transports, routes document traffic through per-document serial sessions,
// enforces rate and size limits, and replicates accepted updates across nodes
// through the pubsub substrate.
package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/teleportal-io/teleportal/limiter"
	"github.com/teleportal-io/teleportal/pubsub"
	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/transport"
)

// Config configures a Server. Storage is required; everything else has a
// working default.
type Config struct {
	// NodeID identifies this node as a pubsub source. Defaults to a random id.
	NodeID string

	Storage    storage.Storage
	Milestones storage.MilestoneStorage
	Files      storage.FileStorage
	Limiter    *limiter.Limiter
	PubSub     pubsub.PubSub

	Upgrade             UpgradeFunc
	AuthToken           AuthTokenFunc
	Authorize           AuthorizeFunc
	OnRateLimitExceeded RateLimitExceededFunc

	// MilestoneTriggers seed the metadata of documents created by this node.
	MilestoneTriggers []storage.Trigger

	// IdleTimeout disconnects clients that send nothing for this long.
	IdleTimeout time.Duration
	// SessionGrace keeps an empty document session open this long before
	// teardown, absorbing quick reconnects.
	SessionGrace time.Duration
	// TeardownTimeout bounds the wait for a closing session's async work.
	TeardownTimeout time.Duration
	// StorageTimeout bounds each storage operation.
	StorageTimeout time.Duration
	// WriteTimeout bounds each outbound transport write.
	WriteTimeout time.Duration
	// SlowConsumerGrace is how long a client's outbound queue may stay over
	// its high-water mark before the client is disconnected.
	SlowConsumerGrace time.Duration
	// OutboundQueueSize is the per-client outbound high-water mark, in frames.
	OutboundQueueSize int
	// InboxSize is the per-document event inbox capacity.
	InboxSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		IdleTimeout:       5 * time.Minute,
		SessionGrace:      30 * time.Second,
		TeardownTimeout:   10 * time.Second,
		StorageTimeout:    30 * time.Second,
		WriteTimeout:      10 * time.Second,
		SlowConsumerGrace: 15 * time.Second,
		OutboundQueueSize: 512,
		InboxSize:         256,
	}
}

// Server is the synchronization core. It owns the document session index and
// the connected client set.
type Server struct {
	cfg     *Config
	metrics *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	// sf collapses concurrent opens of the same document into one storage
	// load and one session.
	sf singleflight.Group

	mu      sync.RWMutex
	docs    map[string]*docSession
	clients map[string]*clientSession

	started   time.Time
	runningMu sync.Mutex
	running   bool
}

// New builds a Server from cfg, filling defaults for unset fields.
func New(cfg *Config) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if cfg.Storage == nil {
		return nil, errors.New("config: storage is required")
	}
	defaults := DefaultConfig()
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.Limiter == nil {
		cfg.Limiter = limiter.New(limiter.Config{})
	}
	if cfg.PubSub == nil {
		cfg.PubSub = pubsub.NewMemory()
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if cfg.SessionGrace <= 0 {
		cfg.SessionGrace = defaults.SessionGrace
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaults.TeardownTimeout
	}
	if cfg.StorageTimeout <= 0 {
		cfg.StorageTimeout = defaults.StorageTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SlowConsumerGrace <= 0 {
		cfg.SlowConsumerGrace = defaults.SlowConsumerGrace
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = defaults.OutboundQueueSize
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaults.InboxSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		metrics: NewMetrics(),
		ctx:     ctx,
		cancel:  cancel,
		docs:    make(map[string]*docSession),
		clients: make(map[string]*clientSession),
	}, nil
}

// Metrics exposes the server's collectors, for the monitoring endpoints.
func (s *Server) Metrics() *Metrics { return s.metrics }

// NodeID returns the pubsub source identity of this server.
func (s *Server) NodeID() string { return s.cfg.NodeID }

// Start marks the server ready to accept connections.
func (s *Server) Start() {
	s.runningMu.Lock()
	s.running = true
	s.started = time.Now()
	s.runningMu.Unlock()
	log.WithField("node", s.cfg.NodeID).Info("Sync server started")
}

// Stop disconnects every client, closes every document session, and waits for
// teardown to complete.
func (s *Server) Stop() error {
	s.runningMu.Lock()
	s.running = false
	s.runningMu.Unlock()
	s.cancel()

	s.mu.RLock()
	clients := make([]*clientSession, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	docs := make([]*docSession, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	for _, c := range clients {
		c.disconnect(disconnectErr(ReasonShutdown, "server stopping"))
	}
	for _, d := range docs {
		d.shutdown()
	}

	deadline := time.After(s.cfg.TeardownTimeout + time.Second)
	for _, d := range docs {
		select {
		case <-d.closed:
		case <-deadline:
			return errors.Errorf("timed out closing document session %q", d.id)
		}
	}
	log.Info("Sync server stopped")
	return nil
}

// Status reports nil while the server is accepting connections.
func (s *Server) Status() error {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	if !s.running {
		return errors.New("server not running")
	}
	return nil
}

// HandleConnection upgrades t into a client session and starts serving it.
// The call returns once the session loops are running.
func (s *Server) HandleConnection(t transport.Transport, meta ConnectionMetadata) error {
	if err := s.Status(); err != nil {
		_ = t.Close()
		return err
	}
	authCtx := Context{}
	if s.cfg.Upgrade != nil {
		var err error
		authCtx, err = s.cfg.Upgrade(meta)
		if err != nil {
			_ = t.Close()
			return errors.Wrap(err, "connection rejected")
		}
	}

	c := &clientSession{
		id:   uuid.NewString(),
		srv:  s,
		tr:   t,
		out:  newOutQueue(s.cfg.OutboundQueueSize),
		auth: authCtx,
		docs: make(map[string]*docSession),
		done: make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c.id] = c
	s.mu.Unlock()
	s.metrics.ClientConnected()
	log.WithField("client", c.id).Debug("Client connected")
	go c.run()
	return nil
}

// session returns the live document session for docID, opening one when none
// exists. Concurrent first-openers share a single load.
func (s *Server) session(docID string) (*docSession, error) {
	for {
		s.mu.RLock()
		ds := s.docs[docID]
		s.mu.RUnlock()
		if ds != nil {
			if !ds.closing.Load() {
				return ds, nil
			}
			// A session mid-teardown still owns the pubsub subscription; wait
			// it out rather than double-opening.
			select {
			case <-ds.closed:
			case <-s.ctx.Done():
				return nil, s.ctx.Err()
			}
			continue
		}

		v, err, _ := s.sf.Do(docID, func() (interface{}, error) {
			s.mu.RLock()
			existing := s.docs[docID]
			s.mu.RUnlock()
			if existing != nil && !existing.closing.Load() {
				return existing, nil
			}
			opened, err := s.openSession(s.ctx, docID)
			if err != nil {
				return nil, err
			}
			s.mu.Lock()
			s.docs[docID] = opened
			s.mu.Unlock()
			return opened, nil
		})
		if err != nil {
			return nil, err
		}
		ds = v.(*docSession)
		if ds.closing.Load() {
			continue
		}
		return ds, nil
	}
}

func (s *Server) removeSession(d *docSession) {
	s.mu.Lock()
	if s.docs[d.id] == d {
		delete(s.docs, d.id)
	}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *clientSession) {
	s.mu.Lock()
	delete(s.clients, c.id)
	s.mu.Unlock()
}

// StatusReport is the body of the /status endpoint.
type StatusReport struct {
	NodeID    string         `json:"nodeId"`
	Uptime    string         `json:"uptime"`
	Clients   int            `json:"clients"`
	Documents int            `json:"documents"`
	Metrics   StatusSnapshot `json:"metrics"`
}

// StatusReport snapshots the server's live state.
func (s *Server) StatusReport() StatusReport {
	s.mu.RLock()
	clients, docs := len(s.clients), len(s.docs)
	s.mu.RUnlock()
	s.runningMu.Lock()
	started := s.started
	s.runningMu.Unlock()
	return StatusReport{
		NodeID:    s.cfg.NodeID,
		Uptime:    time.Since(started).Round(time.Second).String(),
		Clients:   clients,
		Documents: docs,
		Metrics:   s.metrics.Snapshot(),
	}
}
