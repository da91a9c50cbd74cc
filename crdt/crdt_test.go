package crdt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobLogApplyAndDiff(t *testing.T) {
	var m BlobLog

	doc, err := m.Apply(nil, []byte{0xaa})
	require.NoError(t, err)
	doc, err = m.Apply(doc, []byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	entries, err := DecodeLog(doc)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xaa}, {0x01, 0x02, 0x03}}, entries)

	sv, err := m.StateVector(doc)
	require.NoError(t, err)

	// A replica with an empty state vector is missing everything.
	diff, err := m.Diff(doc, nil)
	require.NoError(t, err)
	assert.Equal(t, doc, diff)

	// A caught-up replica is missing nothing.
	diff, err = m.Diff(doc, sv)
	require.NoError(t, err)
	assert.Empty(t, diff)
}

func TestBlobLogDiffSuffix(t *testing.T) {
	var m BlobLog

	doc, err := m.Apply(nil, []byte{0xaa})
	require.NoError(t, err)
	svAfterFirst, err := m.StateVector(doc)
	require.NoError(t, err)
	doc, err = m.Apply(doc, []byte{0xbb})
	require.NoError(t, err)

	diff, err := m.Diff(doc, svAfterFirst)
	require.NoError(t, err)
	entries, err := DecodeLog(diff)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xbb}}, entries)
}

// A diff applied over the empty document reproduces the source entries.
func TestBlobLogApplyDiffOverEmpty(t *testing.T) {
	var m BlobLog

	source, err := m.Apply(nil, []byte{0xaa})
	require.NoError(t, err)
	diff, err := m.Diff(source, nil)
	require.NoError(t, err)

	replica, err := m.ApplyDiff(nil, diff)
	require.NoError(t, err)
	entries, err := DecodeLog(replica)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{0xaa}}, entries)
}

func TestBlobLogRejectsGarbage(t *testing.T) {
	var m BlobLog
	_, err := m.StateVector([]byte{0xff})
	assert.Error(t, err)
	_, err = m.ApplyDiff(nil, []byte{0xff})
	assert.Error(t, err)
}
