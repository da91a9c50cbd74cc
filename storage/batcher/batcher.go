// Package batcher interposes write batching between document sessions and a
// storage driver. Updates and metadata writes buffer per document and flush
// on a size threshold, a time threshold, or any read or delete of the same
// document, which preserves read-your-writes per document. Callers of the
// write operations still observe durability: they block until their batch has
// been flushed and receive the flush outcome.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/teleportal-io/teleportal/storage"
)

var log = logrus.WithField("prefix", "batcher")

// Config tunes batching behavior.
type Config struct {
	// MaxBatchBytes flushes a document's batch once its buffered update
	// bytes reach this threshold. Default 256 KiB.
	MaxBatchBytes int
	// BatchWait flushes a document's batch this long after its first
	// buffered write. Default 100ms.
	BatchWait time.Duration
}

// DefaultConfig returns the default batching configuration.
func DefaultConfig() Config {
	return Config{MaxBatchBytes: 256 << 10, BatchWait: 100 * time.Millisecond}
}

type opKind int

const (
	opUpdate opKind = iota
	opSyncStep2
	opMetadata
)

type batchOp struct {
	kind   opKind
	update []byte
	meta   *storage.Metadata
	done   chan error
}

type docBatch struct {
	docID string

	// flushMu serializes flushes and reads for this document. It is never
	// held while touching another document's state, so documents cannot
	// deadlock on each other.
	flushMu sync.Mutex

	mu    sync.Mutex
	ops   []batchOp
	bytes int
	timer *time.Timer
}

// Batcher wraps a storage.Storage with per-document write batching.
type Batcher struct {
	inner storage.Storage
	cfg   Config

	mu   sync.Mutex
	docs map[string]*docBatch
}

var _ storage.Storage = (*Batcher)(nil)

// New wraps inner with batching per cfg.
func New(inner storage.Storage, cfg Config) *Batcher {
	def := DefaultConfig()
	if cfg.MaxBatchBytes <= 0 {
		cfg.MaxBatchBytes = def.MaxBatchBytes
	}
	if cfg.BatchWait <= 0 {
		cfg.BatchWait = def.BatchWait
	}
	return &Batcher{inner: inner, cfg: cfg, docs: make(map[string]*docBatch)}
}

func (b *Batcher) batch(docID string) *docBatch {
	b.mu.Lock()
	defer b.mu.Unlock()
	db, ok := b.docs[docID]
	if !ok {
		db = &docBatch{docID: docID}
		b.docs[docID] = db
	}
	return db
}

// enqueue adds op to the document's batch and blocks until it is flushed or
// ctx expires. A context expiry means the write is not known durable.
func (b *Batcher) enqueue(ctx context.Context, docID string, op batchOp) error {
	op.done = make(chan error, 1)
	db := b.batch(docID)

	db.mu.Lock()
	db.ops = append(db.ops, op)
	db.bytes += len(op.update)
	full := db.bytes >= b.cfg.MaxBatchBytes
	if full {
		if db.timer != nil {
			db.timer.Stop()
			db.timer = nil
		}
	} else if db.timer == nil {
		db.timer = time.AfterFunc(b.cfg.BatchWait, func() { b.flush(db) })
	}
	db.mu.Unlock()

	if full {
		go b.flush(db)
	}

	select {
	case err := <-op.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// flush drains the document's buffered ops into the inner storage.
func (b *Batcher) flush(db *docBatch) {
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	b.flushLocked(db)
}

func (b *Batcher) flushLocked(db *docBatch) {
	db.mu.Lock()
	ops := db.ops
	db.ops = nil
	db.bytes = 0
	if db.timer != nil {
		db.timer.Stop()
		db.timer = nil
	}
	db.mu.Unlock()

	for _, op := range ops {
		var err error
		ctx := context.Background()
		switch op.kind {
		case opUpdate:
			err = b.inner.HandleUpdate(ctx, db.docID, op.update)
		case opSyncStep2:
			err = b.inner.HandleSyncStep2(ctx, db.docID, op.update)
		case opMetadata:
			err = b.inner.WriteDocumentMetadata(ctx, db.docID, op.meta)
		}
		if err != nil {
			log.WithError(err).WithField("document", db.docID).Warn("Batched write failed")
		}
		op.done <- err
	}
}

// HandleUpdate buffers the update and returns once its batch is durable.
func (b *Batcher) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	return b.enqueue(ctx, docID, batchOp{kind: opUpdate, update: update})
}

// HandleSyncStep2 buffers the bulk update and returns once its batch is
// durable.
func (b *Batcher) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	return b.enqueue(ctx, docID, batchOp{kind: opSyncStep2, update: update})
}

// WriteDocumentMetadata buffers the metadata write in order with the
// document's updates.
func (b *Batcher) WriteDocumentMetadata(ctx context.Context, docID string, meta *storage.Metadata) error {
	clone := *meta
	return b.enqueue(ctx, docID, batchOp{kind: opMetadata, meta: &clone})
}

// GetDocument flushes the document's pending writes, then reads. Pending
// writes to other documents are not disturbed.
func (b *Batcher) GetDocument(ctx context.Context, docID string) (*storage.Doc, error) {
	db := b.batch(docID)
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	b.flushLocked(db)
	return b.inner.GetDocument(ctx, docID)
}

// HandleSyncStep1 flushes the document's pending writes, then computes the
// diff.
func (b *Batcher) HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*storage.Doc, error) {
	db := b.batch(docID)
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	b.flushLocked(db)
	return b.inner.HandleSyncStep1(ctx, docID, remoteSV)
}

// GetDocumentMetadata flushes the document's pending writes, then reads.
func (b *Batcher) GetDocumentMetadata(ctx context.Context, docID string) (*storage.Metadata, error) {
	db := b.batch(docID)
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	b.flushLocked(db)
	return b.inner.GetDocumentMetadata(ctx, docID)
}

// DeleteDocument flushes the document's pending writes, releasing their
// waiting callers, then deletes it.
func (b *Batcher) DeleteDocument(ctx context.Context, docID string) error {
	db := b.batch(docID)
	db.flushMu.Lock()
	defer db.flushMu.Unlock()
	b.flushLocked(db)
	return b.inner.DeleteDocument(ctx, docID)
}

// Flush drains every document's pending writes. Used at shutdown.
func (b *Batcher) Flush() {
	b.mu.Lock()
	docs := make([]*docBatch, 0, len(b.docs))
	for _, db := range b.docs {
		docs = append(docs, db)
	}
	b.mu.Unlock()
	for _, db := range docs {
		b.flush(db)
	}
}
