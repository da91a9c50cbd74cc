// Package memorydb is an in-process storage.Storage used for single-node
// deployments without a data directory, and by the test harness.
package memorydb

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/teleportal-io/teleportal/crdt"
	"github.com/teleportal-io/teleportal/storage"
)

type record struct {
	doc        []byte
	meta       *storage.Metadata
	milestones map[string]*storage.Milestone
	files      map[string][]byte
}

// DB is an in-memory storage driver over a crdt.Merger. It implements
// storage.Storage, storage.MilestoneStorage and storage.FileStorage.
type DB struct {
	merger crdt.Merger

	mu   sync.RWMutex
	docs map[string]*record
}

var (
	_ storage.Storage          = (*DB)(nil)
	_ storage.MilestoneStorage = (*DB)(nil)
	_ storage.FileStorage      = (*DB)(nil)
)

// New returns an empty DB over merger. A nil merger defaults to the blob log.
func New(merger crdt.Merger) *DB {
	if merger == nil {
		merger = crdt.BlobLog{}
	}
	return &DB{merger: merger, docs: make(map[string]*record)}
}

func (db *DB) record(docID string) *record {
	rec, ok := db.docs[docID]
	if !ok {
		rec = &record{
			milestones: make(map[string]*storage.Milestone),
			files:      make(map[string][]byte),
		}
		db.docs[docID] = rec
	}
	return rec
}

// HandleUpdate appends a client update.
func (db *DB) HandleUpdate(_ context.Context, docID string, update []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec := db.record(docID)
	doc, err := db.merger.Apply(rec.doc, update)
	if err != nil {
		return storage.NewError(storage.KindIOError, "handle_update", err)
	}
	rec.doc = doc
	return nil
}

// GetDocument returns the merged state, or nil when never written.
func (db *DB) GetDocument(_ context.Context, docID string) (*storage.Doc, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.docs[docID]
	if !ok || rec.doc == nil {
		return nil, nil
	}
	sv, err := db.merger.StateVector(rec.doc)
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "get_document", err)
	}
	return &storage.Doc{
		Update:      append([]byte(nil), rec.doc...),
		StateVector: sv,
	}, nil
}

// HandleSyncStep1 computes the diff against remoteSV.
func (db *DB) HandleSyncStep1(_ context.Context, docID string, remoteSV []byte) (*storage.Doc, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	var doc []byte
	if rec, ok := db.docs[docID]; ok {
		doc = rec.doc
	}
	diff, err := db.merger.Diff(doc, remoteSV)
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "handle_sync_step1", err)
	}
	sv, err := db.merger.StateVector(doc)
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "handle_sync_step1", err)
	}
	return &storage.Doc{Update: diff, StateVector: sv}, nil
}

// HandleSyncStep2 applies a client's bulk update.
func (db *DB) HandleSyncStep2(_ context.Context, docID string, update []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec := db.record(docID)
	doc, err := db.merger.ApplyDiff(rec.doc, update)
	if err != nil {
		return storage.NewError(storage.KindIOError, "handle_sync_step2", err)
	}
	rec.doc = doc
	return nil
}

// GetDocumentMetadata returns the metadata record, or nil when absent.
func (db *DB) GetDocumentMetadata(_ context.Context, docID string) (*storage.Metadata, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.docs[docID]
	if !ok || rec.meta == nil {
		return nil, nil
	}
	meta := *rec.meta
	return &meta, nil
}

// WriteDocumentMetadata replaces the metadata record.
func (db *DB) WriteDocumentMetadata(_ context.Context, docID string, meta *storage.Metadata) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	clone := *meta
	db.record(docID).meta = &clone
	return nil
}

// DeleteDocument removes the document with its metadata, milestones and files.
func (db *DB) DeleteDocument(_ context.Context, docID string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.docs, docID)
	return nil
}

// CreateMilestone stores a milestone record.
func (db *DB) CreateMilestone(_ context.Context, m *storage.Milestone) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	clone := *m
	db.record(m.DocumentID).milestones[m.ID] = &clone
	return nil
}

// ListMilestones returns the document's milestones in unspecified order.
func (db *DB) ListMilestones(_ context.Context, docID string) ([]*storage.Milestone, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.docs[docID]
	if !ok {
		return nil, nil
	}
	out := make([]*storage.Milestone, 0, len(rec.milestones))
	for _, m := range rec.milestones {
		clone := *m
		out = append(out, &clone)
	}
	return out, nil
}

// GetMilestone returns one milestone.
func (db *DB) GetMilestone(_ context.Context, docID, milestoneID string) (*storage.Milestone, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.docs[docID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "get_milestone", errors.Errorf("document %q", docID))
	}
	m, ok := rec.milestones[milestoneID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "get_milestone", errors.Errorf("milestone %q", milestoneID))
	}
	clone := *m
	return &clone, nil
}

// SoftDeleteMilestone marks a milestone soft-deleted.
func (db *DB) SoftDeleteMilestone(_ context.Context, docID, milestoneID string) error {
	return db.setMilestoneState(docID, milestoneID, storage.MilestoneSoftDeleted)
}

// RestoreMilestone returns a soft-deleted milestone to service.
func (db *DB) RestoreMilestone(_ context.Context, docID, milestoneID string) error {
	return db.setMilestoneState(docID, milestoneID, storage.MilestoneRestored)
}

func (db *DB) setMilestoneState(docID, milestoneID string, state storage.MilestoneState) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	rec, ok := db.docs[docID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "set_milestone_state", errors.Errorf("document %q", docID))
	}
	m, ok := rec.milestones[milestoneID]
	if !ok {
		return storage.NewError(storage.KindNotFound, "set_milestone_state", errors.Errorf("milestone %q", milestoneID))
	}
	m.State = state
	return nil
}

// PutFile stores a document-scoped file blob.
func (db *DB) PutFile(_ context.Context, docID, key string, data []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.record(docID).files[key] = append([]byte(nil), data...)
	return nil
}

// GetFile returns a document-scoped file blob.
func (db *DB) GetFile(_ context.Context, docID, key string) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	rec, ok := db.docs[docID]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "get_file", errors.Errorf("document %q", docID))
	}
	data, ok := rec.files[key]
	if !ok {
		return nil, storage.NewError(storage.KindNotFound, "get_file", errors.Errorf("file %q", key))
	}
	return append([]byte(nil), data...), nil
}
