// Package wire implements the Teleportal binary framing: every frame is a
// varint length prefix followed by a kind byte and a kind-specific body.
// The codec is deterministic; equal messages encode to equal bytes.
//
// ReadFrame and WriteFrame carry the length prefix for byte-stream transport
// adapters (TCP and the like). Message-framed transports, the websocket
// adapter and the in-process pipe, exchange frame contents without it.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Kind identifies the frame body layout.
type Kind byte

const (
	KindDoc Kind = iota + 1
	KindAwareness
	KindAck
	KindAuth
	KindFileRPC
	KindMilestoneRPC
)

// encryptedBit is folded into the kind byte on the wire. Body layouts are
// identical for encrypted and plaintext frames; only the flag differs.
const encryptedBit = 0x80

const kindMask = 0x7f

// Doc frame sub-kinds.
const (
	DocSyncStep1 byte = iota
	DocSyncStep2
	DocUpdate
	DocSyncDone
	DocAuthRequest
	DocAuthFail
)

// maxVarintLen bounds the length prefix; 10 bytes covers any uint64.
const maxVarintLen = 10

var (
	// ErrSizeExceeded is returned when a frame's declared length is larger
	// than the configured maximum. The body is never read in that case.
	ErrSizeExceeded = errors.New("frame length exceeds maximum message size")
	// ErrMalformed is returned for any structurally invalid frame.
	ErrMalformed = errors.New("malformed frame")
)

func (k Kind) String() string {
	switch k {
	case KindDoc:
		return "doc"
	case KindAwareness:
		return "awareness"
	case KindAck:
		return "ack"
	case KindAuth:
		return "auth"
	case KindFileRPC:
		return "file-rpc"
	case KindMilestoneRPC:
		return "milestone-rpc"
	default:
		return "malformed"
	}
}

func validKind(k Kind) bool {
	return k >= KindDoc && k <= KindMilestoneRPC
}

// EncodeKindByte packs a kind and its encrypted flag into the wire kind byte.
func EncodeKindByte(k Kind, encrypted bool) byte {
	b := byte(k)
	if encrypted {
		b |= encryptedBit
	}
	return b
}

// DecodeKindByte splits a wire kind byte into kind and encrypted flag.
// The kind is validated; unknown kinds yield ErrMalformed.
func DecodeKindByte(b byte) (Kind, bool, error) {
	k := Kind(b & kindMask)
	if !validKind(k) {
		return 0, false, errors.Wrapf(ErrMalformed, "unknown kind byte %#x", b)
	}
	return k, b&encryptedBit != 0, nil
}

// AppendUvarint appends the varint encoding of v to dst.
func AppendUvarint(dst []byte, v uint64) []byte {
	var buf [maxVarintLen]byte
	n := binary.PutUvarint(buf[:], v)
	return append(dst, buf[:n]...)
}

// Uvarint reads a varint from the front of b, returning the value and the
// remaining bytes.
func Uvarint(b []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, nil, errors.Wrap(ErrMalformed, "truncated varint")
	}
	return v, b[n:], nil
}

// AppendBlob appends a length-prefixed byte blob to dst.
func AppendBlob(dst, blob []byte) []byte {
	dst = AppendUvarint(dst, uint64(len(blob)))
	return append(dst, blob...)
}

// Blob reads a length-prefixed byte blob from the front of b, returning the
// blob and the remaining bytes. The blob aliases b; callers that retain it
// beyond the frame's lifetime must copy.
func Blob(b []byte) ([]byte, []byte, error) {
	n, rest, err := Uvarint(b)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(rest)) {
		return nil, nil, errors.Wrapf(ErrMalformed, "blob length %d exceeds remaining %d bytes", n, len(rest))
	}
	return rest[:n], rest[n:], nil
}

// AppendString appends a length-prefixed UTF-8 string to dst.
func AppendString(dst []byte, s string) []byte {
	dst = AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

// String reads a length-prefixed string from the front of b. Non-UTF8
// content is rejected by the message layer, which owns document id
// validation.
func String(b []byte) (string, []byte, error) {
	blob, rest, err := Blob(b)
	if err != nil {
		return "", nil, err
	}
	return string(blob), rest, nil
}

// ReadUvarint reads a varint from r one byte at a time, so no more than the
// prefix itself is consumed from the stream.
func ReadUvarint(r io.Reader) (uint64, error) {
	var buf [1]byte
	var v uint64
	var shift uint
	for i := 0; i < maxVarintLen; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, err
		}
		b := buf[0]
		if b < 0x80 {
			if i == maxVarintLen-1 && b > 1 {
				return 0, errors.Wrap(ErrMalformed, "varint overflows uint64")
			}
			return v | uint64(b)<<shift, nil
		}
		v |= uint64(b&0x7f) << shift
		shift += 7
	}
	return 0, errors.Wrap(ErrMalformed, "varint too long")
}

// ReadFrame reads one length-prefixed frame from r and returns its contents
// (kind byte plus body, prefix stripped). When the declared length exceeds
// maxSize the body is NOT read and ErrSizeExceeded is returned; the caller is
// expected to drop the connection rather than resynchronize the stream.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	n, err := ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, errors.Wrap(ErrMalformed, "empty frame")
	}
	if maxSize > 0 && n > maxSize {
		return nil, errors.Wrapf(ErrSizeExceeded, "declared length %d, max %d", n, maxSize)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, errors.Wrap(ErrMalformed, "short frame body")
	}
	return frame, nil
}

// WriteFrame writes frame (kind byte plus body) to w with its varint length
// prefix. The prefix and body go out in a single Write so framed transports
// can map one call to one transport message.
func WriteFrame(w io.Writer, frame []byte) error {
	buf := make([]byte, 0, maxVarintLen+len(frame))
	buf = AppendUvarint(buf, uint64(len(frame)))
	buf = append(buf, frame...)
	_, err := w.Write(buf)
	return err
}
