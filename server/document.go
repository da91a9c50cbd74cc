package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/message"
	"github.com/teleportal-io/teleportal/pubsub"
	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/wire"
)

var errSessionClosed = errors.New("document session closed")

type docEvent interface {
	isDocEvent()
}

type evSubscribe struct {
	c     *clientSession
	reply chan error
}

type evUnsubscribe struct {
	c *clientSession
}

// evInbound is a decoded client message addressed to this document.
type evInbound struct {
	c *clientSession
	m *message.Message
}

// evReplicated is an encoded frame received from another node.
type evReplicated struct {
	frame  []byte
	source string
}

func (evSubscribe) isDocEvent()   {}
func (evUnsubscribe) isDocEvent() {}
func (evInbound) isDocEvent()     {}
func (evReplicated) isDocEvent()  {}

// triggerState is the runtime counterpart of one milestone trigger.
type triggerState struct {
	count  uint64
	lastAt time.Time
}

// docSession serializes all activity for one document on a single goroutine.
// Every mutation flows through the inbox in arrival order, which is what makes
// the durability-then-ack-then-broadcast ordering per message trivially
// correct without locks around storage.
type docSession struct {
	id  string
	srv *Server

	meta *storage.Metadata
	// freshMeta marks a document created by this open; the first doc-scoped
	// message adopts its encryption flag into the metadata record.
	freshMeta bool
	localSV   []byte
	// svStale is set when accepted updates have advanced the merged state
	// past localSV; the next joiner forces a re-read.
	svStale bool
	trig    []triggerState

	inbox chan docEvent
	quitc chan struct{}
	// closed is closed only after teardown completed and the session was
	// removed from the server's index.
	closed chan struct{}

	closing atomic.Bool

	subscribers map[*clientSession]struct{}
	unsub       pubsub.Unsubscribe

	// pending tracks async work spawned by the actor (milestone snapshots,
	// RPC handlers). Teardown waits for it.
	pending sync.WaitGroup

	quitOnce sync.Once
}

// openSession loads the document and starts its actor. Called under the
// server's open singleflight so concurrent first-openers share one load.
func (s *Server) openSession(ctx context.Context, docID string) (*docSession, error) {
	start := time.Now()
	doc, err := s.cfg.Storage.GetDocument(ctx, docID)
	s.metrics.ObserveStorageOp("get_document", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "load document")
	}
	start = time.Now()
	meta, err := s.cfg.Storage.GetDocumentMetadata(ctx, docID)
	s.metrics.ObserveStorageOp("get_document_metadata", time.Since(start), err)
	if err != nil {
		return nil, errors.Wrap(err, "load document metadata")
	}

	d := &docSession{
		id:          docID,
		srv:         s,
		meta:        meta,
		inbox:       make(chan docEvent, s.cfg.InboxSize),
		quitc:       make(chan struct{}),
		closed:      make(chan struct{}),
		subscribers: make(map[*clientSession]struct{}),
	}
	if meta == nil {
		now := time.Now().UTC()
		d.meta = &storage.Metadata{CreatedAt: now, UpdatedAt: now, MilestoneTriggers: s.cfg.MilestoneTriggers}
		d.freshMeta = true
	}
	d.trig = make([]triggerState, len(d.meta.MilestoneTriggers))
	for i := range d.trig {
		d.trig[i].lastAt = time.Now()
	}
	if doc != nil {
		d.localSV = doc.StateVector
		s.metrics.SetDocumentSize(docID, uint64(len(doc.Update)))
	}

	unsub, err := s.cfg.PubSub.Subscribe(pubsub.TopicForDocument(docID), s.cfg.NodeID, d.onReplicated)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe replication topic")
	}
	d.unsub = unsub

	s.metrics.SessionOpened()
	log.WithField("document", docID).Debug("Opened document session")
	go d.run()
	return d, nil
}

// onReplicated is the pubsub handler. Delivery into the actor is best effort:
// replication is a secondary propagation path and must never let a remote
// publisher stall this node's inbox.
func (d *docSession) onReplicated(data []byte, source string) {
	select {
	case d.inbox <- evReplicated{frame: data, source: source}:
	case <-d.quitc:
	default:
		log.WithFields(logrus.Fields{"document": d.id, "source": source}).Warn("Dropped replicated frame, inbox full")
	}
}

// subscribe attaches c to the session. It fails with errSessionClosed when the
// session is tearing down; the caller re-opens and retries.
func (d *docSession) subscribe(c *clientSession) error {
	if d.closing.Load() {
		return errSessionClosed
	}
	reply := make(chan error, 1)
	select {
	case d.inbox <- evSubscribe{c: c, reply: reply}:
	case <-d.closed:
		return errSessionClosed
	}
	select {
	case err := <-reply:
		return err
	case <-d.closed:
		return errSessionClosed
	}
}

func (d *docSession) unsubscribe(c *clientSession) {
	select {
	case d.inbox <- evUnsubscribe{c: c}:
	case <-d.closed:
	}
}

// handle delivers a client message to the actor, blocking when the inbox is
// full. That back-pressure is deliberate: a client flooding one document slows
// its own read loop instead of growing an unbounded queue.
func (d *docSession) handle(c *clientSession, m *message.Message) error {
	select {
	case d.inbox <- evInbound{c: c, m: m}:
		return nil
	case <-d.closed:
		return errSessionClosed
	}
}

func (d *docSession) shutdown() {
	d.quitOnce.Do(func() { close(d.quitc) })
}

func (d *docSession) run() {
	defer d.teardown()

	var graceC <-chan time.Time
	var graceTimer *time.Timer

	for {
		select {
		case ev := <-d.inbox:
			switch ev := ev.(type) {
			case evSubscribe:
				d.addSubscriber(ev.c)
				if graceTimer != nil {
					graceTimer.Stop()
					graceTimer, graceC = nil, nil
				}
				ev.reply <- nil
			case evUnsubscribe:
				d.dropSubscriber(ev.c)
				if len(d.subscribers) == 0 && graceTimer == nil {
					graceTimer = time.NewTimer(d.srv.cfg.SessionGrace)
					graceC = graceTimer.C
				}
			case evInbound:
				d.onInbound(ev.c, ev.m)
			case evReplicated:
				d.broadcast(ev.frame, nil)
			}
		case <-graceC:
			if len(d.subscribers) == 0 {
				return
			}
			graceTimer, graceC = nil, nil
		case <-d.quitc:
			return
		}
	}
}

func (d *docSession) teardown() {
	d.closing.Store(true)
	d.shutdown()
	d.unsub()

	// Answer callers that raced their events into the inbox.
drain:
	for {
		select {
		case ev := <-d.inbox:
			if sub, ok := ev.(evSubscribe); ok {
				sub.reply <- errSessionClosed
			}
		default:
			break drain
		}
	}
	for c := range d.subscribers {
		c.detach(d)
	}

	done := make(chan struct{})
	go func() {
		d.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(d.srv.cfg.TeardownTimeout):
		log.WithField("document", d.id).Warn("Timed out waiting for pending document work")
	}

	d.srv.removeSession(d)
	d.srv.metrics.SessionClosed()
	d.srv.metrics.ForgetDocument(d.id)
	close(d.closed)
	log.WithField("document", d.id).Debug("Closed document session")
}

func (d *docSession) addSubscriber(c *clientSession) {
	if _, ok := d.subscribers[c]; ok {
		return
	}
	d.subscribers[c] = struct{}{}
	// Server-initiated sync: hand the joiner our state vector so it can send
	// back everything we are missing.
	if d.svStale {
		d.refreshStateVector()
	}
	c.send(message.NewSyncStep1(d.id, d.localSV, d.meta.Encrypted))
	d.fireEvent(storage.EventClientJoin)
}

// refreshStateVector re-reads the merged state vector after accepted updates
// so the sync-step-1 sent to a joiner reflects them. On a read failure the
// last known vector is kept; the joiner then resends entries the merger
// already holds.
func (d *docSession) refreshStateVector() {
	ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
	defer cancel()
	start := time.Now()
	doc, err := d.srv.cfg.Storage.GetDocument(ctx, d.id)
	d.srv.metrics.ObserveStorageOp("get_document", time.Since(start), err)
	if err != nil {
		log.WithError(err).WithField("document", d.id).Warn("Could not refresh state vector")
		return
	}
	d.svStale = false
	if doc != nil {
		d.localSV = doc.StateVector
		d.srv.metrics.SetDocumentSize(d.id, uint64(len(doc.Update)))
	}
}

func (d *docSession) dropSubscriber(c *clientSession) {
	if _, ok := d.subscribers[c]; !ok {
		return
	}
	delete(d.subscribers, c)
	d.fireEvent(storage.EventClientLeave)
}

func (d *docSession) onInbound(c *clientSession, m *message.Message) {
	start := time.Now()
	defer func() {
		d.srv.metrics.ObserveMessage(m.Kind().String(), time.Since(start))
	}()

	// RPC frames are control traffic and always plaintext; the encryption
	// mode binds document content only.
	if _, isRPC := m.Payload().(message.RPC); !isRPC {
		if err := d.checkEncryption(m); err != nil {
			c.disconnect(err)
			return
		}
	}
	if auth := d.srv.cfg.Authorize; auth != nil {
		if allow, deny := auth(c.authCtx(), m); !allow {
			c.disconnect(disconnectErr(ReasonUnauthorized, "%s", deny))
			return
		}
	}

	switch p := m.Payload().(type) {
	case message.SyncStep1:
		d.onSyncStep1(c, p)
	case message.SyncStep2:
		d.onDurableUpdate(c, m, "handle_sync_step2", func(ctx context.Context) error {
			return d.srv.cfg.Storage.HandleSyncStep2(ctx, d.id, p.Update)
		})
	case message.Update:
		d.onDurableUpdate(c, m, "handle_update", func(ctx context.Context) error {
			return d.srv.cfg.Storage.HandleUpdate(ctx, d.id, p.Update)
		})
	case message.SyncDone:
		// Client finished its half of the exchange; nothing to do.
	case message.Awareness:
		// Ephemeral by contract: fan out, never persist, never ack.
		d.broadcast(m.Encoded(), c)
		d.publish(m.Encoded())
	case message.RPC:
		d.onRPC(c, m, p)
	default:
		c.disconnect(disconnectErr(ReasonMalformedFrame, "unexpected %s payload", m.Kind()))
	}
}

// checkEncryption enforces the document's encryption mode symmetrically: a
// plaintext document rejects encrypted frames and vice versa. A document
// created by this session adopts the mode of its first doc-scoped message.
func (d *docSession) checkEncryption(m *message.Message) *DisconnectError {
	if d.freshMeta {
		d.freshMeta = false
		d.meta.Encrypted = m.Encrypted()
		d.meta.UpdatedAt = time.Now().UTC()
		d.writeMeta()
		return nil
	}
	if m.Encrypted() != d.meta.Encrypted {
		d.srv.metrics.IncError(ReasonEncryptionMismatch)
		return disconnectErr(ReasonEncryptionMismatch, "document %q encrypted=%t", d.id, d.meta.Encrypted)
	}
	return nil
}

func (d *docSession) writeMeta() {
	ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
	defer cancel()
	start := time.Now()
	err := d.srv.cfg.Storage.WriteDocumentMetadata(ctx, d.id, d.meta)
	d.srv.metrics.ObserveStorageOp("write_document_metadata", time.Since(start), err)
	if err != nil {
		log.WithError(err).WithField("document", d.id).Error("Failed to write document metadata")
	}
}

func (d *docSession) onSyncStep1(c *clientSession, p message.SyncStep1) {
	ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
	defer cancel()
	start := time.Now()
	diff, err := d.srv.cfg.Storage.HandleSyncStep1(ctx, d.id, p.StateVector)
	d.srv.metrics.ObserveStorageOp("handle_sync_step1", time.Since(start), err)
	if err != nil {
		d.srv.metrics.IncError(ReasonStorageError)
		c.disconnect(disconnectErr(ReasonStorageError, "sync failed"))
		return
	}
	if diff != nil {
		// The read went through the batcher, so this state vector reflects
		// every update accepted before the request.
		d.localSV = diff.StateVector
		d.svStale = false
		c.send(message.NewSyncStep2(d.id, diff.Update, d.meta.Encrypted))
	} else {
		c.send(message.NewSyncStep2(d.id, nil, d.meta.Encrypted))
	}
	c.send(message.NewSyncDone(d.id, d.meta.Encrypted))
}

// onDurableUpdate runs the write path shared by updates and sync-step-2:
// persist, then ack the sender, then broadcast to local subscribers, then
// publish for other nodes. The ack only ever follows a successful write.
func (d *docSession) onDurableUpdate(c *clientSession, m *message.Message, op string, write func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
	defer cancel()
	start := time.Now()
	err := write(ctx)
	d.srv.metrics.ObserveStorageOp(op, time.Since(start), err)
	if err != nil {
		d.srv.metrics.IncError(ReasonStorageError)
		log.WithError(err).WithFields(logrus.Fields{"document": d.id, "op": op}).Error("Storage write failed")
		c.disconnect(disconnectErr(ReasonStorageError, "update not persisted"))
		return
	}
	d.meta.UpdatedAt = time.Now().UTC()
	d.svStale = true

	c.send(message.NewAck(m.ID()))
	d.broadcast(m.Encoded(), c)
	d.publish(m.Encoded())
	d.countUpdate()
}

// broadcast fans an encoded frame out to local subscribers, skipping the
// originating client so a writer never hears its own update back.
func (d *docSession) broadcast(frame []byte, from *clientSession) {
	kind := wire.Kind(0)
	if len(frame) > 0 {
		if k, _, err := wire.DecodeKindByte(frame[0]); err == nil {
			kind = k
		}
	}
	for c := range d.subscribers {
		if c == from {
			continue
		}
		c.enqueue(kind, frame)
	}
}

func (d *docSession) publish(frame []byte) {
	if err := d.srv.cfg.PubSub.Publish(pubsub.TopicForDocument(d.id), frame, d.srv.cfg.NodeID); err != nil {
		d.srv.metrics.IncError(ReasonPubSubError)
		log.WithError(err).WithField("document", d.id).Error("Failed to publish update")
	}
}

// countUpdate advances the update-count and time-based milestone triggers.
func (d *docSession) countUpdate() {
	for i, t := range d.meta.MilestoneTriggers {
		switch t.Type {
		case storage.TriggerUpdateCount:
			d.trig[i].count++
			if t.Every > 0 && d.trig[i].count >= t.Every {
				d.trig[i].count = 0
				d.snapshotMilestone(t.Name)
			}
		case storage.TriggerTimeBased:
			if t.Interval > 0 && time.Since(d.trig[i].lastAt) >= t.Interval {
				d.trig[i].lastAt = time.Now()
				d.snapshotMilestone(t.Name)
			}
		}
	}
}

// fireEvent advances event-based milestone triggers.
func (d *docSession) fireEvent(event string) {
	for i, t := range d.meta.MilestoneTriggers {
		if t.Type == storage.TriggerEventBased && t.Event == event {
			d.trig[i].lastAt = time.Now()
			d.snapshotMilestone(t.Name)
		}
	}
}

// snapshotMilestone captures the merged document state asynchronously so a
// slow snapshot read never stalls the serial queue. Teardown waits for
// in-flight snapshots.
func (d *docSession) snapshotMilestone(name string) {
	if d.srv.cfg.Milestones == nil {
		return
	}
	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
		defer cancel()

		start := time.Now()
		doc, err := d.srv.cfg.Storage.GetDocument(ctx, d.id)
		d.srv.metrics.ObserveStorageOp("get_document", time.Since(start), err)
		if err != nil || doc == nil {
			if err != nil {
				log.WithError(err).WithField("document", d.id).Error("Milestone snapshot read failed")
			}
			return
		}
		d.srv.metrics.SetDocumentSize(d.id, uint64(len(doc.Update)))

		m := &storage.Milestone{
			ID:         uuid.NewString(),
			DocumentID: d.id,
			Name:       name,
			CreatedAt:  time.Now().UTC(),
			Snapshot:   doc.Update,
			State:      storage.MilestoneActive,
		}
		start = time.Now()
		err = d.srv.cfg.Milestones.CreateMilestone(ctx, m)
		d.srv.metrics.ObserveStorageOp("create_milestone", time.Since(start), err)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{"document": d.id, "milestone": name}).Error("Failed to create milestone")
			return
		}
		log.WithFields(logrus.Fields{"document": d.id, "milestone": name}).Debug("Created milestone")
	}()
}
