// Package message provides the typed envelope exchanged between Teleportal
// peers, and its binary codec on top of the wire framing.
//
// A message's identity is the 128-bit digest of its encoded frame. Encoding
// is deterministic, so the sender and every receiver derive the same id
// without an id field on the wire; ack matching relies on this.
package message

import (
	"encoding/hex"
	"sync"
	"unicode/utf8"

	"github.com/google/uuid"
	sha256 "github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/teleportal-io/teleportal/wire"
)

// ID is a 128-bit message or request identity.
type ID [16]byte

func (id ID) String() string { return hex.EncodeToString(id[:]) }

// DigestID derives a message id from an encoded frame.
func DigestID(frame []byte) ID {
	sum := sha256.Sum256(frame)
	var id ID
	copy(id[:], sum[:16])
	return id
}

// NewRequestID returns a random id for RPC request/response pairing.
func NewRequestID() ID {
	return ID(uuid.New())
}

// Payload is the kind-specific content of a message.
type Payload interface {
	isPayload()
}

// SyncStep1 asks the peer for everything it has beyond the state vector.
type SyncStep1 struct{ StateVector []byte }

// SyncStep2 answers a SyncStep1 with the computed diff.
type SyncStep2 struct{ Update []byte }

// Update carries an incremental document update.
type Update struct{ Update []byte }

// SyncDone signals the initial exchange is complete.
type SyncDone struct{}

// AuthRequest carries a client credential.
type AuthRequest struct{ Token []byte }

// AuthFail tells a client why it was denied.
type AuthFail struct{ Reason string }

// Awareness carries ephemeral presence data. Never persisted.
type Awareness struct{ Update []byte }

// Ack acknowledges durable receipt of the identified message.
type Ack struct{ MessageID ID }

// RPC is the request/response payload shared by file and milestone calls.
type RPC struct {
	RequestID ID
	Op        byte
	Response  bool
	Body      []byte
}

func (SyncStep1) isPayload()   {}
func (SyncStep2) isPayload()   {}
func (Update) isPayload()      {}
func (SyncDone) isPayload()    {}
func (AuthRequest) isPayload() {}
func (AuthFail) isPayload()    {}
func (Awareness) isPayload()   {}
func (Ack) isPayload()         {}
func (RPC) isPayload()         {}

// Milestone RPC operations.
const (
	MilestoneOpCreate byte = iota + 1
	MilestoneOpList
	MilestoneOpGet
	MilestoneOpDelete
	MilestoneOpRestore
)

// File RPC operations.
const (
	FileOpPut byte = iota + 1
	FileOpGet
)

// RPCOpUnsupported is the response op when no sub-collaborator is registered.
const RPCOpUnsupported byte = 0x7f

// Auth frame sub-kinds (connection scoped, no document).
const (
	authSubRequest byte = iota
	authSubFail
)

// Message is the envelope routed through the server. Context travels with the
// message during local routing only; it is never serialized.
type Message struct {
	kind      wire.Kind
	document  string
	encrypted bool
	payload   Payload

	Context map[string]interface{}

	once    sync.Once
	encoded []byte
	id      ID
}

// Kind returns the frame kind.
func (m *Message) Kind() wire.Kind { return m.kind }

// Document returns the addressed document id; empty for non-doc-scoped kinds.
func (m *Message) Document() string { return m.document }

// Encrypted reports the frame's encryption flag.
func (m *Message) Encrypted() bool { return m.encrypted }

// Payload returns the typed payload.
func (m *Message) Payload() Payload { return m.payload }

// Encoded returns the encoded frame (kind byte plus body, without the length
// prefix). The encoding is computed once and cached.
func (m *Message) Encoded() []byte {
	m.materialize()
	return m.encoded
}

// ID returns the message identity, the digest of the encoded frame.
func (m *Message) ID() ID {
	m.materialize()
	return m.id
}

// Equal compares messages by identity.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.ID() == o.ID()
}

func (m *Message) materialize() {
	m.once.Do(func() {
		if m.encoded == nil {
			m.encoded = m.encode()
		}
		m.id = DigestID(m.encoded)
	})
}

func new_(kind wire.Kind, doc string, encrypted bool, p Payload) *Message {
	return &Message{kind: kind, document: doc, encrypted: encrypted, payload: p}
}

// NewSyncStep1 builds a doc sync-step-1 message.
func NewSyncStep1(doc string, stateVector []byte, encrypted bool) *Message {
	return new_(wire.KindDoc, doc, encrypted, SyncStep1{StateVector: stateVector})
}

// NewSyncStep2 builds a doc sync-step-2 message.
func NewSyncStep2(doc string, update []byte, encrypted bool) *Message {
	return new_(wire.KindDoc, doc, encrypted, SyncStep2{Update: update})
}

// NewUpdate builds a doc update message.
func NewUpdate(doc string, update []byte, encrypted bool) *Message {
	return new_(wire.KindDoc, doc, encrypted, Update{Update: update})
}

// NewSyncDone builds a doc sync-done message.
func NewSyncDone(doc string, encrypted bool) *Message {
	return new_(wire.KindDoc, doc, encrypted, SyncDone{})
}

// NewAuthRequest builds a doc-scoped auth request.
func NewAuthRequest(doc string, token []byte) *Message {
	return new_(wire.KindDoc, doc, false, AuthRequest{Token: token})
}

// NewAuthFail builds a doc-scoped auth failure.
func NewAuthFail(doc, reason string) *Message {
	return new_(wire.KindDoc, doc, false, AuthFail{Reason: reason})
}

// NewConnAuthRequest builds a connection-scoped auth request.
func NewConnAuthRequest(token []byte) *Message {
	return new_(wire.KindAuth, "", false, AuthRequest{Token: token})
}

// NewConnAuthFail builds a connection-scoped auth failure.
func NewConnAuthFail(reason string) *Message {
	return new_(wire.KindAuth, "", false, AuthFail{Reason: reason})
}

// NewAwareness builds an awareness update message.
func NewAwareness(doc string, update []byte, encrypted bool) *Message {
	return new_(wire.KindAwareness, doc, encrypted, Awareness{Update: update})
}

// NewAck builds an ack for the identified message.
func NewAck(of ID) *Message {
	return new_(wire.KindAck, "", false, Ack{MessageID: of})
}

// NewFileRPC builds a file-rpc message. RPC frames carry no document content
// and are always plaintext, regardless of the document's encryption mode.
func NewFileRPC(doc string, rpc RPC) *Message {
	return new_(wire.KindFileRPC, doc, false, rpc)
}

// NewMilestoneRPC builds a milestone-rpc message. Like file-rpc frames, these
// are always plaintext.
func NewMilestoneRPC(doc string, rpc RPC) *Message {
	return new_(wire.KindMilestoneRPC, doc, false, rpc)
}

func (m *Message) encode() []byte {
	buf := []byte{wire.EncodeKindByte(m.kind, m.encrypted)}
	switch p := m.payload.(type) {
	case SyncStep1:
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocSyncStep1)
		buf = wire.AppendBlob(buf, p.StateVector)
	case SyncStep2:
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocSyncStep2)
		buf = wire.AppendBlob(buf, p.Update)
	case Update:
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocUpdate)
		buf = wire.AppendBlob(buf, p.Update)
	case SyncDone:
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocSyncDone)
	case AuthRequest:
		if m.kind == wire.KindAuth {
			buf = append(buf, authSubRequest)
			buf = wire.AppendBlob(buf, p.Token)
			break
		}
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocAuthRequest)
		buf = wire.AppendBlob(buf, p.Token)
	case AuthFail:
		if m.kind == wire.KindAuth {
			buf = append(buf, authSubFail)
			buf = wire.AppendString(buf, p.Reason)
			break
		}
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, wire.DocAuthFail)
		buf = wire.AppendString(buf, p.Reason)
	case Awareness:
		buf = wire.AppendString(buf, m.document)
		buf = wire.AppendBlob(buf, p.Update)
	case Ack:
		buf = append(buf, p.MessageID[:]...)
	case RPC:
		buf = wire.AppendString(buf, m.document)
		buf = append(buf, p.RequestID[:]...)
		var flags byte
		if p.Response {
			flags = 1
		}
		buf = append(buf, flags, p.Op)
		buf = wire.AppendBlob(buf, p.Body)
	}
	return buf
}

// Decode parses an encoded frame (kind byte plus body). Payload slices alias
// frame; the frame itself is retained as the message's cached encoding, so a
// decoded payload body is allocated exactly once, by the frame reader.
func Decode(frame []byte) (*Message, error) {
	if len(frame) == 0 {
		return nil, errors.Wrap(wire.ErrMalformed, "empty frame")
	}
	kind, encrypted, err := wire.DecodeKindByte(frame[0])
	if err != nil {
		return nil, err
	}
	m := &Message{kind: kind, encrypted: encrypted, encoded: frame}
	body := frame[1:]

	switch kind {
	case wire.KindDoc:
		if err := m.decodeDoc(body); err != nil {
			return nil, err
		}
	case wire.KindAwareness:
		doc, rest, err := decodeDocID(body)
		if err != nil {
			return nil, err
		}
		update, rest, err := wire.Blob(rest)
		if err != nil {
			return nil, err
		}
		if len(rest) != 0 {
			return nil, trailingBytes(rest)
		}
		m.document = doc
		m.payload = Awareness{Update: update}
	case wire.KindAck:
		if len(body) != 16 {
			return nil, errors.Wrapf(wire.ErrMalformed, "ack body is %d bytes, want 16", len(body))
		}
		var id ID
		copy(id[:], body)
		m.payload = Ack{MessageID: id}
	case wire.KindAuth:
		if err := m.decodeAuth(body); err != nil {
			return nil, err
		}
	case wire.KindFileRPC, wire.KindMilestoneRPC:
		if err := m.decodeRPC(body); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Message) decodeDoc(body []byte) error {
	doc, rest, err := decodeDocID(body)
	if err != nil {
		return err
	}
	if len(rest) < 1 {
		return errors.Wrap(wire.ErrMalformed, "doc frame missing sub-kind")
	}
	sub, rest := rest[0], rest[1:]
	m.document = doc

	switch sub {
	case wire.DocSyncStep1:
		sv, rest, err := wire.Blob(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = SyncStep1{StateVector: sv}
	case wire.DocSyncStep2, wire.DocUpdate:
		update, rest, err := wire.Blob(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		if sub == wire.DocSyncStep2 {
			m.payload = SyncStep2{Update: update}
		} else {
			m.payload = Update{Update: update}
		}
	case wire.DocSyncDone:
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = SyncDone{}
	case wire.DocAuthRequest:
		token, rest, err := wire.Blob(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = AuthRequest{Token: token}
	case wire.DocAuthFail:
		reason, rest, err := wire.String(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = AuthFail{Reason: reason}
	default:
		return errors.Wrapf(wire.ErrMalformed, "unknown doc sub-kind %#x", sub)
	}
	return nil
}

func (m *Message) decodeAuth(body []byte) error {
	if len(body) < 1 {
		return errors.Wrap(wire.ErrMalformed, "auth frame missing sub-kind")
	}
	sub, rest := body[0], body[1:]
	switch sub {
	case authSubRequest:
		token, rest, err := wire.Blob(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = AuthRequest{Token: token}
	case authSubFail:
		reason, rest, err := wire.String(rest)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			return trailingBytes(rest)
		}
		m.payload = AuthFail{Reason: reason}
	default:
		return errors.Wrapf(wire.ErrMalformed, "unknown auth sub-kind %#x", sub)
	}
	return nil
}

func (m *Message) decodeRPC(body []byte) error {
	doc, rest, err := decodeDocID(body)
	if err != nil {
		return err
	}
	if len(rest) < 16+2 {
		return errors.Wrap(wire.ErrMalformed, "short rpc frame")
	}
	var req ID
	copy(req[:], rest[:16])
	flags, op := rest[16], rest[17]
	payload, rest, err := wire.Blob(rest[18:])
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return trailingBytes(rest)
	}
	m.document = doc
	m.payload = RPC{RequestID: req, Op: op, Response: flags&1 != 0, Body: payload}
	return nil
}

func decodeDocID(b []byte) (string, []byte, error) {
	raw, rest, err := wire.Blob(b)
	if err != nil {
		return "", nil, err
	}
	if !utf8.Valid(raw) {
		return "", nil, errors.Wrap(wire.ErrMalformed, "document id is not valid UTF-8")
	}
	return string(raw), rest, nil
}

func trailingBytes(rest []byte) error {
	return errors.Wrapf(wire.ErrMalformed, "%d trailing bytes after payload", len(rest))
}

// CloneBytes copies b; payload slices alias the decode buffer and must be
// copied before they outlive the frame.
func CloneBytes(b []byte) []byte {
	return append([]byte(nil), b...)
}
