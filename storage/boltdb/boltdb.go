// Package boltdb is a bbolt-backed storage driver. Document blobs are stored
// snappy-compressed; metadata and milestones are stored as JSON. One file
// holds all documents.
package boltdb

import (
	"context"

	"github.com/golang/snappy"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/teleportal-io/teleportal/crdt"
	"github.com/teleportal-io/teleportal/storage"
)

var log = logrus.WithField("prefix", "boltdb")

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	documentsBucket  = []byte("documents")
	metadataBucket   = []byte("metadata")
	milestonesBucket = []byte("milestones")
	filesBucket      = []byte("files")
)

// DB is a storage.Storage, storage.MilestoneStorage and storage.FileStorage
// over a single bbolt file.
type DB struct {
	db     *bolt.DB
	merger crdt.Merger
}

var (
	_ storage.Storage          = (*DB)(nil)
	_ storage.MilestoneStorage = (*DB)(nil)
	_ storage.FileStorage      = (*DB)(nil)
)

// Open opens (creating if needed) the bolt file at path. A nil merger
// defaults to the blob log.
func Open(path string, merger crdt.Merger) (*DB, error) {
	if merger == nil {
		merger = crdt.BlobLog{}
	}
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "open", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{documentsBucket, metadataBucket, milestonesBucket, filesBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, storage.NewError(storage.KindIOError, "create buckets", err)
	}
	log.WithField("path", path).Info("Opened document store")
	return &DB{db: db, merger: merger}, nil
}

// Close closes the underlying bolt file.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) loadDoc(tx *bolt.Tx, docID string) ([]byte, error) {
	raw := tx.Bucket(documentsBucket).Get([]byte(docID))
	if raw == nil {
		return nil, nil
	}
	doc, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, errors.Wrap(err, "decompress document")
	}
	return doc, nil
}

func (d *DB) storeDoc(tx *bolt.Tx, docID string, doc []byte) error {
	return tx.Bucket(documentsBucket).Put([]byte(docID), snappy.Encode(nil, doc))
}

func (d *DB) mutateDoc(op string, docID string, fn func(doc []byte) ([]byte, error)) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		doc, err := d.loadDoc(tx, docID)
		if err != nil {
			return err
		}
		next, err := fn(doc)
		if err != nil {
			return err
		}
		return d.storeDoc(tx, docID, next)
	})
	if err != nil {
		return storage.NewError(storage.KindIOError, op, err)
	}
	return nil
}

// HandleUpdate appends a client update to the document.
func (d *DB) HandleUpdate(_ context.Context, docID string, update []byte) error {
	return d.mutateDoc("handle_update", docID, func(doc []byte) ([]byte, error) {
		return d.merger.Apply(doc, update)
	})
}

// HandleSyncStep2 applies a client's bulk update.
func (d *DB) HandleSyncStep2(_ context.Context, docID string, update []byte) error {
	return d.mutateDoc("handle_sync_step2", docID, func(doc []byte) ([]byte, error) {
		return d.merger.ApplyDiff(doc, update)
	})
}

// GetDocument returns the merged state, or nil when never written.
func (d *DB) GetDocument(_ context.Context, docID string) (*storage.Doc, error) {
	var out *storage.Doc
	err := d.db.View(func(tx *bolt.Tx) error {
		doc, err := d.loadDoc(tx, docID)
		if err != nil || doc == nil {
			return err
		}
		sv, err := d.merger.StateVector(doc)
		if err != nil {
			return err
		}
		out = &storage.Doc{Update: doc, StateVector: sv}
		return nil
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "get_document", err)
	}
	return out, nil
}

// HandleSyncStep1 computes the diff against remoteSV.
func (d *DB) HandleSyncStep1(_ context.Context, docID string, remoteSV []byte) (*storage.Doc, error) {
	var out *storage.Doc
	err := d.db.View(func(tx *bolt.Tx) error {
		doc, err := d.loadDoc(tx, docID)
		if err != nil {
			return err
		}
		diff, err := d.merger.Diff(doc, remoteSV)
		if err != nil {
			return err
		}
		sv, err := d.merger.StateVector(doc)
		if err != nil {
			return err
		}
		out = &storage.Doc{Update: diff, StateVector: sv}
		return nil
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "handle_sync_step1", err)
	}
	return out, nil
}

// GetDocumentMetadata returns the metadata record, or nil when absent.
func (d *DB) GetDocumentMetadata(_ context.Context, docID string) (*storage.Metadata, error) {
	var out *storage.Metadata
	err := d.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(metadataBucket).Get([]byte(docID))
		if raw == nil {
			return nil
		}
		var meta storage.Metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		out = &meta
		return nil
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "get_document_metadata", err)
	}
	return out, nil
}

// WriteDocumentMetadata replaces the metadata record.
func (d *DB) WriteDocumentMetadata(_ context.Context, docID string, meta *storage.Metadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return storage.NewError(storage.KindIOError, "write_document_metadata", err)
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metadataBucket).Put([]byte(docID), raw)
	})
	if err != nil {
		return storage.NewError(storage.KindIOError, "write_document_metadata", err)
	}
	return nil
}

// DeleteDocument removes the document, its metadata, milestones and files.
func (d *DB) DeleteDocument(_ context.Context, docID string) error {
	key := []byte(docID)
	err := d.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(documentsBucket).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(metadataBucket).Delete(key); err != nil {
			return err
		}
		for _, parent := range [][]byte{milestonesBucket, filesBucket} {
			b := tx.Bucket(parent)
			if b.Bucket(key) != nil {
				if err := b.DeleteBucket(key); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return storage.NewError(storage.KindIOError, "delete_document", err)
	}
	return nil
}

// CreateMilestone stores a milestone record.
func (d *DB) CreateMilestone(_ context.Context, m *storage.Milestone) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return storage.NewError(storage.KindIOError, "create_milestone", err)
	}
	err = d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(milestonesBucket).CreateBucketIfNotExists([]byte(m.DocumentID))
		if err != nil {
			return err
		}
		return b.Put([]byte(m.ID), raw)
	})
	if err != nil {
		return storage.NewError(storage.KindIOError, "create_milestone", err)
	}
	return nil
}

// ListMilestones returns the document's milestones in key order.
func (d *DB) ListMilestones(_ context.Context, docID string) ([]*storage.Milestone, error) {
	var out []*storage.Milestone
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(milestonesBucket).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, raw []byte) error {
			var m storage.Milestone
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			out = append(out, &m)
			return nil
		})
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "list_milestones", err)
	}
	return out, nil
}

// GetMilestone returns one milestone.
func (d *DB) GetMilestone(_ context.Context, docID, milestoneID string) (*storage.Milestone, error) {
	var out *storage.Milestone
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(milestonesBucket).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(milestoneID))
		if raw == nil {
			return nil
		}
		var m storage.Milestone
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		out = &m
		return nil
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "get_milestone", err)
	}
	if out == nil {
		return nil, storage.NewError(storage.KindNotFound, "get_milestone", errors.Errorf("milestone %q of %q", milestoneID, docID))
	}
	return out, nil
}

// SoftDeleteMilestone marks a milestone soft-deleted.
func (d *DB) SoftDeleteMilestone(ctx context.Context, docID, milestoneID string) error {
	return d.setMilestoneState(ctx, docID, milestoneID, storage.MilestoneSoftDeleted)
}

// RestoreMilestone returns a soft-deleted milestone to service.
func (d *DB) RestoreMilestone(ctx context.Context, docID, milestoneID string) error {
	return d.setMilestoneState(ctx, docID, milestoneID, storage.MilestoneRestored)
}

func (d *DB) setMilestoneState(ctx context.Context, docID, milestoneID string, state storage.MilestoneState) error {
	m, err := d.GetMilestone(ctx, docID, milestoneID)
	if err != nil {
		return err
	}
	m.State = state
	return d.CreateMilestone(ctx, m)
}

// PutFile stores a document-scoped file blob.
func (d *DB) PutFile(_ context.Context, docID, key string, data []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(filesBucket).CreateBucketIfNotExists([]byte(docID))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return storage.NewError(storage.KindIOError, "put_file", err)
	}
	return nil
}

// GetFile returns a document-scoped file blob.
func (d *DB) GetFile(_ context.Context, docID, key string) ([]byte, error) {
	var out []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(filesBucket).Bucket([]byte(docID))
		if b == nil {
			return nil
		}
		if raw := b.Get([]byte(key)); raw != nil {
			out = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, storage.NewError(storage.KindIOError, "get_file", err)
	}
	if out == nil {
		return nil, storage.NewError(storage.KindNotFound, "get_file", errors.Errorf("file %q of %q", key, docID))
	}
	return out, nil
}
