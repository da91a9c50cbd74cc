// Package crdt abstracts the document update algebra the storage layer needs.
// Updates are opaque byte blobs; a Merger folds them into a document blob,
// digests documents into state vectors, and computes the diff a remote
// replica is missing. The method split mirrors the storage operations: Apply
// backs handleUpdate, ApplyDiff backs handleSyncStep2, Diff and StateVector
// back handleSyncStep1.
package crdt

import (
	"github.com/pkg/errors"

	"github.com/teleportal-io/teleportal/wire"
)

// Merger is the pluggable update algebra. Implementations must be safe for
// concurrent use; all inputs and outputs are owned by the caller.
type Merger interface {
	// Apply folds a single client update into a document blob. An empty doc
	// is the empty document.
	Apply(doc []byte, update []byte) ([]byte, error)
	// ApplyDiff folds a bulk diff (as produced by Diff) into a document blob.
	ApplyDiff(doc []byte, diff []byte) ([]byte, error)
	// StateVector digests a document blob into its compact state vector.
	StateVector(doc []byte) ([]byte, error)
	// Diff returns the portion of doc a replica at remoteSV is missing. An
	// empty remoteSV means the replica has nothing; a replica that is caught
	// up gets an empty diff.
	Diff(doc []byte, remoteSV []byte) ([]byte, error)
}

// BlobLog is a Merger that models a document as an append-only log of update
// blobs and a state vector as the log length. It honors the contract the
// server relies on (diff/merge coherence, commutativity across senders)
// without interpreting update contents, which suits tests and deployments
// whose clients perform their own merging. Yjs deployments plug a
// Yjs-compatible Merger instead.
type BlobLog struct{}

var _ Merger = BlobLog{}

// ErrBadDocument is returned when a blob is not a valid log encoding.
var ErrBadDocument = errors.New("crdt: malformed document blob")

// EncodeLog frames entries into a single document blob.
func EncodeLog(entries [][]byte) []byte {
	buf := []byte{}
	for _, e := range entries {
		buf = wire.AppendBlob(buf, e)
	}
	return buf
}

// DecodeLog splits a document blob back into its entries. Entries are copies.
func DecodeLog(doc []byte) ([][]byte, error) {
	var entries [][]byte
	rest := doc
	for len(rest) > 0 {
		var e []byte
		var err error
		e, rest, err = wire.Blob(rest)
		if err != nil {
			return nil, errors.Wrap(ErrBadDocument, err.Error())
		}
		entries = append(entries, append([]byte(nil), e...))
	}
	return entries, nil
}

// Apply appends the client update as one log entry.
func (BlobLog) Apply(doc []byte, update []byte) ([]byte, error) {
	if _, err := DecodeLog(doc); err != nil {
		return nil, err
	}
	return wire.AppendBlob(append([]byte(nil), doc...), update), nil
}

// ApplyDiff appends every entry of the diff log.
func (BlobLog) ApplyDiff(doc []byte, diff []byte) ([]byte, error) {
	if _, err := DecodeLog(doc); err != nil {
		return nil, err
	}
	if _, err := DecodeLog(diff); err != nil {
		return nil, errors.Wrap(err, "diff")
	}
	return append(append([]byte(nil), doc...), diff...), nil
}

// StateVector returns the varint-encoded log length.
func (BlobLog) StateVector(doc []byte) ([]byte, error) {
	entries, err := DecodeLog(doc)
	if err != nil {
		return nil, err
	}
	return wire.AppendUvarint(nil, uint64(len(entries))), nil
}

// Diff returns the log suffix past the remote's known length.
func (BlobLog) Diff(doc []byte, remoteSV []byte) ([]byte, error) {
	entries, err := DecodeLog(doc)
	if err != nil {
		return nil, err
	}
	var known uint64
	if len(remoteSV) > 0 {
		known, _, err = wire.Uvarint(remoteSV)
		if err != nil {
			return nil, errors.Wrap(ErrBadDocument, "bad remote state vector")
		}
	}
	if known >= uint64(len(entries)) {
		return []byte{}, nil
	}
	return EncodeLog(entries[known:]), nil
}
