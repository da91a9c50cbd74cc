package lrucache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/storage/memorydb"
)

type countingStore struct {
	storage.Storage
	gets atomic.Int64
}

func (c *countingStore) GetDocument(ctx context.Context, docID string) (*storage.Doc, error) {
	c.gets.Add(1)
	return c.Storage.GetDocument(ctx, docID)
}

func newCached(t *testing.T) (*Store, *countingStore) {
	t.Helper()
	inner := &countingStore{Storage: memorydb.New(nil)}
	s, err := New(inner, 8)
	require.NoError(t, err)
	return s, inner
}

func TestGetDocumentCached(t *testing.T) {
	ctx := context.Background()
	s, inner := newCached(t)
	require.NoError(t, s.HandleUpdate(ctx, "doc", []byte("one")))

	first, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	second, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), inner.gets.Load(), "second read should hit the cache")
}

func TestWriteInvalidates(t *testing.T) {
	ctx := context.Background()
	s, _ := newCached(t)
	require.NoError(t, s.HandleUpdate(ctx, "doc", []byte("one")))
	_, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)

	require.NoError(t, s.HandleUpdate(ctx, "doc", []byte("two")))
	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Contains(t, string(doc.Update), "two")
}

func TestAbsentDocumentNotCached(t *testing.T) {
	ctx := context.Background()
	s, inner := newCached(t)

	doc, err := s.GetDocument(ctx, "ghost")
	require.NoError(t, err)
	require.Nil(t, doc)

	// A later write must be visible despite the earlier miss.
	require.NoError(t, s.HandleUpdate(ctx, "ghost", []byte("now exists")))
	doc, err = s.GetDocument(ctx, "ghost")
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, int64(2), inner.gets.Load())
}

func TestCachedCopiesAreIsolated(t *testing.T) {
	ctx := context.Background()
	s, _ := newCached(t)
	require.NoError(t, s.HandleUpdate(ctx, "doc", []byte("base")))

	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	doc.Update[0] = 'X'

	again, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.NotEqual(t, byte('X'), again.Update[0], "caller mutation must not reach the cache")
}

func TestMetadataCacheInvalidation(t *testing.T) {
	ctx := context.Background()
	s, _ := newCached(t)
	now := time.Now().UTC()
	require.NoError(t, s.WriteDocumentMetadata(ctx, "doc", &storage.Metadata{CreatedAt: now, UpdatedAt: now}))

	meta, err := s.GetDocumentMetadata(ctx, "doc")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.False(t, meta.Encrypted)

	meta.Encrypted = true
	require.NoError(t, s.WriteDocumentMetadata(ctx, "doc", meta))
	meta, err = s.GetDocumentMetadata(ctx, "doc")
	require.NoError(t, err)
	assert.True(t, meta.Encrypted)
}

func TestDeleteDropsCaches(t *testing.T) {
	ctx := context.Background()
	s, _ := newCached(t)
	require.NoError(t, s.HandleUpdate(ctx, "doc", []byte("data")))
	_, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)

	require.NoError(t, s.DeleteDocument(ctx, "doc"))
	doc, err := s.GetDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Nil(t, doc)
}
