// Package lrucache interposes an LRU read cache for merged documents and
// metadata in front of a slower storage driver. Writes invalidate the cached
// entry; callers are expected to serialize writes and reads per document, as
// the batching layer above does.
package lrucache

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"github.com/teleportal-io/teleportal/storage"
)

// DefaultSize is the per-cache entry count when none is configured.
const DefaultSize = 1024

// Store caches GetDocument and GetDocumentMetadata results.
type Store struct {
	inner storage.Storage
	docs  *lru.Cache
	meta  *lru.Cache
}

var _ storage.Storage = (*Store)(nil)

// New wraps inner with caches of the given entry count.
func New(inner storage.Storage, size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	docs, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "document cache")
	}
	meta, err := lru.New(size)
	if err != nil {
		return nil, errors.Wrap(err, "metadata cache")
	}
	return &Store{inner: inner, docs: docs, meta: meta}, nil
}

func cloneDoc(d *storage.Doc) *storage.Doc {
	return &storage.Doc{
		Update:      append([]byte(nil), d.Update...),
		StateVector: append([]byte(nil), d.StateVector...),
	}
}

// GetDocument serves from cache when the document was read since its last
// write. Absent documents are not cached.
func (s *Store) GetDocument(ctx context.Context, docID string) (*storage.Doc, error) {
	if v, ok := s.docs.Get(docID); ok {
		return cloneDoc(v.(*storage.Doc)), nil
	}
	doc, err := s.inner.GetDocument(ctx, docID)
	if err != nil || doc == nil {
		return doc, err
	}
	s.docs.Add(docID, cloneDoc(doc))
	return doc, nil
}

// HandleUpdate writes through and invalidates the cached document.
func (s *Store) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	err := s.inner.HandleUpdate(ctx, docID, update)
	s.docs.Remove(docID)
	return err
}

// HandleSyncStep1 is a pure read of the diff; it is never cached.
func (s *Store) HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*storage.Doc, error) {
	return s.inner.HandleSyncStep1(ctx, docID, remoteSV)
}

// HandleSyncStep2 writes through and invalidates the cached document.
func (s *Store) HandleSyncStep2(ctx context.Context, docID string, update []byte) error {
	err := s.inner.HandleSyncStep2(ctx, docID, update)
	s.docs.Remove(docID)
	return err
}

// GetDocumentMetadata serves metadata from cache when possible.
func (s *Store) GetDocumentMetadata(ctx context.Context, docID string) (*storage.Metadata, error) {
	if v, ok := s.meta.Get(docID); ok {
		clone := *v.(*storage.Metadata)
		return &clone, nil
	}
	meta, err := s.inner.GetDocumentMetadata(ctx, docID)
	if err != nil || meta == nil {
		return meta, err
	}
	clone := *meta
	s.meta.Add(docID, &clone)
	return meta, nil
}

// WriteDocumentMetadata writes through and invalidates the cached record.
func (s *Store) WriteDocumentMetadata(ctx context.Context, docID string, meta *storage.Metadata) error {
	err := s.inner.WriteDocumentMetadata(ctx, docID, meta)
	s.meta.Remove(docID)
	return err
}

// DeleteDocument drops the document and both cache entries.
func (s *Store) DeleteDocument(ctx context.Context, docID string) error {
	err := s.inner.DeleteDocument(ctx, docID)
	s.docs.Remove(docID)
	s.meta.Remove(docID)
	return err
}
