package memorydb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teleportal-io/teleportal/crdt"
	"github.com/teleportal-io/teleportal/storage"
)

func TestReadYourWrites(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	require.NoError(t, db.HandleUpdate(ctx, "doc-1", []byte{0x01, 0x02, 0x03}))

	doc, err := db.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, doc)
	entries, err := crdt.DecodeLog(doc.Update)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0x01, 0x02, 0x03}}, entries)
}

func TestGetDocumentAbsent(t *testing.T) {
	db := New(nil)
	doc, err := db.GetDocument(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

// A client that wrote 0xAA and left must be reproducible for a later joiner
// syncing from an empty state vector.
func TestSyncStep1AfterUpdate(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	require.NoError(t, db.HandleUpdate(ctx, "doc-2", []byte{0xaa}))

	diff, err := db.HandleSyncStep1(ctx, "doc-2", nil)
	require.NoError(t, err)

	var m crdt.BlobLog
	replica, err := m.ApplyDiff(nil, diff.Update)
	require.NoError(t, err)
	entries, err := crdt.DecodeLog(replica)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xaa}}, entries)
}

func TestMetadataRoundTrip(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	meta, err := db.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, meta)

	now := time.Now().UTC()
	require.NoError(t, db.WriteDocumentMetadata(ctx, "doc-1", &storage.Metadata{
		CreatedAt: now,
		UpdatedAt: now,
		Encrypted: true,
		MilestoneTriggers: []storage.Trigger{
			{Type: storage.TriggerUpdateCount, Name: "every-10", Every: 10},
		},
	}))

	meta, err = db.GetDocumentMetadata(ctx, "doc-1")
	require.NoError(t, err)
	require.NotNil(t, meta)
	assert.True(t, meta.Encrypted)
	require.Len(t, meta.MilestoneTriggers, 1)
	assert.Equal(t, uint64(10), meta.MilestoneTriggers[0].Every)
}

func TestMilestoneLifecycle(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	m := &storage.Milestone{
		ID:         "ms-1",
		DocumentID: "doc-1",
		Name:       "first",
		CreatedAt:  time.Now().UTC(),
		Snapshot:   []byte{0x01},
		State:      storage.MilestoneActive,
	}
	require.NoError(t, db.CreateMilestone(ctx, m))

	got, err := db.GetMilestone(ctx, "doc-1", "ms-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MilestoneActive, got.State)

	require.NoError(t, db.SoftDeleteMilestone(ctx, "doc-1", "ms-1"))
	got, err = db.GetMilestone(ctx, "doc-1", "ms-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MilestoneSoftDeleted, got.State)

	require.NoError(t, db.RestoreMilestone(ctx, "doc-1", "ms-1"))
	got, err = db.GetMilestone(ctx, "doc-1", "ms-1")
	require.NoError(t, err)
	assert.Equal(t, storage.MilestoneRestored, got.State)

	list, err := db.ListMilestones(ctx, "doc-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = db.GetMilestone(ctx, "doc-1", "nope")
	assert.True(t, storage.IsNotFound(err))
}

func TestDeleteDocument(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	require.NoError(t, db.HandleUpdate(ctx, "doc-1", []byte{0x01}))
	require.NoError(t, db.DeleteDocument(ctx, "doc-1"))

	doc, err := db.GetDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestFiles(t *testing.T) {
	db := New(nil)
	ctx := context.Background()

	require.NoError(t, db.PutFile(ctx, "doc-1", "attachment", []byte("payload")))
	data, err := db.GetFile(ctx, "doc-1", "attachment")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	_, err = db.GetFile(ctx, "doc-1", "nope")
	assert.True(t, storage.IsNotFound(err))
}
