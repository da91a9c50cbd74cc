package wire

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUvarintRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 127, 128, 300, 1 << 20, 1<<63 - 1, 1<<64 - 1}
	for _, v := range values {
		b := AppendUvarint(nil, v)
		got, rest, err := Uvarint(b)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Len(t, rest, 0)
	}
}

func TestBlobRoundTrip(t *testing.T) {
	b := AppendBlob(nil, []byte{0x01, 0x02, 0x03})
	b = AppendString(b, "doc-1")

	blob, rest, err := Blob(b)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, blob)

	s, rest, err := String(rest)
	require.NoError(t, err)
	assert.Equal(t, "doc-1", s)
	assert.Len(t, rest, 0)
}

func TestBlobTruncated(t *testing.T) {
	b := AppendUvarint(nil, 100) // declares 100 bytes, provides none
	_, _, err := Blob(b)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestKindByte(t *testing.T) {
	for _, k := range []Kind{KindDoc, KindAwareness, KindAck, KindAuth, KindFileRPC, KindMilestoneRPC} {
		for _, enc := range []bool{false, true} {
			got, gotEnc, err := DecodeKindByte(EncodeKindByte(k, enc))
			require.NoError(t, err)
			assert.Equal(t, k, got)
			assert.Equal(t, enc, gotEnc)
		}
	}
}

func TestKindByteUnknown(t *testing.T) {
	_, _, err := DecodeKindByte(0x7f)
	assert.True(t, errors.Is(err, ErrMalformed))
	_, _, err = DecodeKindByte(0x00)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestReadWriteFrame(t *testing.T) {
	frame := append([]byte{EncodeKindByte(KindAck, false)}, bytes.Repeat([]byte{0xab}, 16)...)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, frame))

	got, err := ReadFrame(&buf, 1024)
	require.NoError(t, err)
	assert.Equal(t, frame, got)
	assert.Zero(t, buf.Len())
}

// A frame declaring a length beyond the maximum is rejected from the prefix
// alone; its body must never be read.
func TestReadFrameSizeExceeded(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(AppendUvarint(nil, 2048))
	buf.Write(bytes.Repeat([]byte{0xff}, 2048))

	_, err := ReadFrame(&buf, 1024)
	require.True(t, errors.Is(err, ErrSizeExceeded))
	// Only the prefix was consumed.
	assert.Equal(t, 2048, buf.Len())
}

func TestReadFrameShortBody(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(AppendUvarint(nil, 10))
	buf.Write([]byte{0x01, 0x02})

	_, err := ReadFrame(&buf, 1024)
	assert.True(t, errors.Is(err, ErrMalformed))
}

func TestReadFrameEmpty(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(AppendUvarint(nil, 0))
	_, err := ReadFrame(&buf, 1024)
	assert.True(t, errors.Is(err, ErrMalformed))
}
