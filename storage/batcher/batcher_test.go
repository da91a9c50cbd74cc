package batcher

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-io/teleportal/crdt"
	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/storage/memorydb"
)

// countingStorage records inner operation counts and can inject write errors.
type countingStorage struct {
	storage.Storage
	updates  int64
	gets     int64
	failWith error
	mu       sync.Mutex
}

func (c *countingStorage) HandleUpdate(ctx context.Context, docID string, update []byte) error {
	atomic.AddInt64(&c.updates, 1)
	c.mu.Lock()
	err := c.failWith
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.Storage.HandleUpdate(ctx, docID, update)
}

func (c *countingStorage) GetDocument(ctx context.Context, docID string) (*storage.Doc, error) {
	atomic.AddInt64(&c.gets, 1)
	return c.Storage.GetDocument(ctx, docID)
}

func newTestBatcher(cfg Config) (*Batcher, *countingStorage) {
	inner := &countingStorage{Storage: memorydb.New(nil)}
	return New(inner, cfg), inner
}

func TestReadForcesFlush(t *testing.T) {
	// Long wait and large size thresholds: only the read can trigger a flush.
	b, inner := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.NoError(t, b.HandleUpdate(ctx, "doc-1", []byte{0x01}))
	}()

	// Wait for the write to be buffered, then read the same document.
	require.Eventually(t, func() bool {
		b.mu.Lock()
		db, ok := b.docs["doc-1"]
		b.mu.Unlock()
		if !ok {
			return false
		}
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.ops) == 1
	}, time.Second, time.Millisecond)

	doc, err := b.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	entries, err := crdt.DecodeLog(doc.Update)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x01}}, entries)
	assert.EqualValues(t, 1, atomic.LoadInt64(&inner.updates))
	wg.Wait()
}

func TestTimeThresholdFlush(t *testing.T) {
	b, inner := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: 10 * time.Millisecond})
	require.NoError(t, b.HandleUpdate(context.Background(), "doc-1", []byte{0x01}))
	assert.EqualValues(t, 1, atomic.LoadInt64(&inner.updates))
}

func TestSizeThresholdFlush(t *testing.T) {
	b, inner := newTestBatcher(Config{MaxBatchBytes: 4, BatchWait: time.Hour})

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.HandleUpdate(context.Background(), "doc-1", []byte{0x01, 0x02}))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 2, atomic.LoadInt64(&inner.updates))
}

func TestReadDoesNotFlushOtherDocuments(t *testing.T) {
	b, inner := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: time.Hour})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// Blocks until some flush; released by the deferred Flush below.
		_ = b.HandleUpdate(ctx, "doc-other", []byte{0x01})
	}()
	defer func() { b.Flush(); <-done }()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.docs["doc-other"] != nil
	}, time.Second, time.Millisecond)

	_, err := b.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	// doc-other's buffered write must still be pending.
	assert.EqualValues(t, 0, atomic.LoadInt64(&inner.updates))
}

func TestDeleteFlushesPendingWrites(t *testing.T) {
	b, inner := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: time.Hour})
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		done <- b.HandleUpdate(ctx, "doc-1", []byte{0x01})
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		db, ok := b.docs["doc-1"]
		b.mu.Unlock()
		if !ok {
			return false
		}
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.ops) == 1
	}, time.Second, time.Millisecond)

	// The delete flushes the buffered write, so its waiter is released with
	// the flush outcome rather than hanging until the timer.
	require.NoError(t, b.DeleteDocument(ctx, "doc-1"))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("buffered write never resolved")
	}
	assert.EqualValues(t, 1, atomic.LoadInt64(&inner.updates))

	doc, err := b.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestWriteErrorSurfacesToCaller(t *testing.T) {
	b, inner := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: 5 * time.Millisecond})
	inner.mu.Lock()
	inner.failWith = storage.NewError(storage.KindIOError, "handle_update", errors.New("disk gone"))
	inner.mu.Unlock()

	err := b.HandleUpdate(context.Background(), "doc-1", []byte{0x01})
	require.Error(t, err)
	assert.Equal(t, storage.KindIOError, storage.KindOf(err))
}

func TestMetadataOrderedWithUpdates(t *testing.T) {
	b, _ := newTestBatcher(Config{MaxBatchBytes: 1 << 20, BatchWait: time.Hour})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, b.HandleUpdate(ctx, "doc-1", []byte{0x01}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, b.WriteDocumentMetadata(ctx, "doc-1", &storage.Metadata{Encrypted: true}))
	}()

	require.Eventually(t, func() bool {
		b.mu.Lock()
		db, ok := b.docs["doc-1"]
		b.mu.Unlock()
		if !ok {
			return false
		}
		db.mu.Lock()
		defer db.mu.Unlock()
		return len(db.ops) == 2
	}, time.Second, time.Millisecond)

	meta, err := b.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Encrypted)
	wg.Wait()
}
