package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"

	"github.com/teleportal-io/teleportal/message"
	"github.com/teleportal-io/teleportal/storage"
	"github.com/teleportal-io/teleportal/wire"
)

var jsonrpc = jsoniter.ConfigCompatibleWithStandardLibrary

// RPC response status bytes. Every response body starts with one; an error
// status is followed by a length-prefixed reason string.
const (
	rpcStatusOK    byte = 0
	rpcStatusError byte = 1
)

// Milestone RPC request and response shapes. Milestone bodies are JSON after
// the status byte; file bodies stay binary.
type milestoneCreateRequest struct {
	Name string `json:"name"`
}

type milestoneRef struct {
	ID string `json:"id"`
}

// onRPC serves a milestone or file call. The storage round trip runs off the
// serial queue; request ordering against document updates is not part of the
// RPC contract.
func (d *docSession) onRPC(c *clientSession, m *message.Message, p message.RPC) {
	if p.Response {
		// Clients only send requests.
		c.disconnect(disconnectErr(ReasonMalformedFrame, "unexpected rpc response"))
		return
	}
	supported := (m.Kind() == wire.KindMilestoneRPC && d.srv.cfg.Milestones != nil) ||
		(m.Kind() == wire.KindFileRPC && d.srv.cfg.Files != nil)
	if !supported {
		// Degrade gracefully when no sub-collaborator is registered.
		c.send(rpcResponse(m.Kind(), d.id, p.RequestID, message.RPCOpUnsupported, []byte{rpcStatusOK}))
		return
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.srv.cfg.StorageTimeout)
		defer cancel()

		var body []byte
		var err error
		if m.Kind() == wire.KindMilestoneRPC {
			body, err = d.serveMilestoneRPC(ctx, p)
		} else {
			body, err = d.serveFileRPC(ctx, p)
		}
		if err != nil {
			c.send(rpcResponse(m.Kind(), d.id, p.RequestID, p.Op, rpcError(err)))
			return
		}
		c.send(rpcResponse(m.Kind(), d.id, p.RequestID, p.Op, append([]byte{rpcStatusOK}, body...)))
	}()
}

func rpcResponse(kind wire.Kind, doc string, req message.ID, op byte, body []byte) *message.Message {
	rpc := message.RPC{RequestID: req, Op: op, Response: true, Body: body}
	if kind == wire.KindMilestoneRPC {
		return message.NewMilestoneRPC(doc, rpc)
	}
	return message.NewFileRPC(doc, rpc)
}

// rpcError encodes a failure response body. Storage errors cross the wire as
// their kind only; internal detail stays in the server log.
func rpcError(err error) []byte {
	return wire.AppendString([]byte{rpcStatusError}, string(storage.KindOf(err)))
}

func (d *docSession) serveMilestoneRPC(ctx context.Context, p message.RPC) ([]byte, error) {
	ms := d.srv.cfg.Milestones
	switch p.Op {
	case message.MilestoneOpCreate:
		var req milestoneCreateRequest
		if err := jsonrpc.Unmarshal(p.Body, &req); err != nil {
			return nil, err
		}
		created, err := d.createMilestoneNow(ctx, req.Name)
		if err != nil {
			return nil, err
		}
		return jsonrpc.Marshal(created)
	case message.MilestoneOpList:
		list, err := d.storageList(ctx, ms)
		if err != nil {
			return nil, err
		}
		// Snapshots are fetched individually; the listing stays light.
		refs := make([]*storage.Milestone, 0, len(list))
		for _, m := range list {
			clone := *m
			clone.Snapshot = nil
			refs = append(refs, &clone)
		}
		return jsonrpc.Marshal(refs)
	case message.MilestoneOpGet:
		var req milestoneRef
		if err := jsonrpc.Unmarshal(p.Body, &req); err != nil {
			return nil, err
		}
		start := time.Now()
		m, err := ms.GetMilestone(ctx, d.id, req.ID)
		d.srv.metrics.ObserveStorageOp("get_milestone", time.Since(start), err)
		if err != nil {
			return nil, err
		}
		return jsonrpc.Marshal(m)
	case message.MilestoneOpDelete:
		var req milestoneRef
		if err := jsonrpc.Unmarshal(p.Body, &req); err != nil {
			return nil, err
		}
		start := time.Now()
		err := ms.SoftDeleteMilestone(ctx, d.id, req.ID)
		d.srv.metrics.ObserveStorageOp("soft_delete_milestone", time.Since(start), err)
		return nil, err
	case message.MilestoneOpRestore:
		var req milestoneRef
		if err := jsonrpc.Unmarshal(p.Body, &req); err != nil {
			return nil, err
		}
		start := time.Now()
		err := ms.RestoreMilestone(ctx, d.id, req.ID)
		d.srv.metrics.ObserveStorageOp("restore_milestone", time.Since(start), err)
		return nil, err
	default:
		return nil, errUnknownRPCOp(p.Op)
	}
}

func (d *docSession) storageList(ctx context.Context, ms storage.MilestoneStorage) ([]*storage.Milestone, error) {
	start := time.Now()
	list, err := ms.ListMilestones(ctx, d.id)
	d.srv.metrics.ObserveStorageOp("list_milestones", time.Since(start), err)
	return list, err
}

// createMilestoneNow is the synchronous variant of the trigger-driven
// snapshot, for on-demand milestone creation.
func (d *docSession) createMilestoneNow(ctx context.Context, name string) (*storage.Milestone, error) {
	start := time.Now()
	doc, err := d.srv.cfg.Storage.GetDocument(ctx, d.id)
	d.srv.metrics.ObserveStorageOp("get_document", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	var snapshot []byte
	if doc != nil {
		snapshot = doc.Update
		d.srv.metrics.SetDocumentSize(d.id, uint64(len(doc.Update)))
	}
	m := &storage.Milestone{
		ID:         uuid.NewString(),
		DocumentID: d.id,
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		Snapshot:   snapshot,
		State:      storage.MilestoneActive,
	}
	start = time.Now()
	err = d.srv.cfg.Milestones.CreateMilestone(ctx, m)
	d.srv.metrics.ObserveStorageOp("create_milestone", time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (d *docSession) serveFileRPC(ctx context.Context, p message.RPC) ([]byte, error) {
	fs := d.srv.cfg.Files
	switch p.Op {
	case message.FileOpPut:
		key, rest, err := wire.String(p.Body)
		if err != nil {
			return nil, err
		}
		data, _, err := wire.Blob(rest)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		err = fs.PutFile(ctx, d.id, key, message.CloneBytes(data))
		d.srv.metrics.ObserveStorageOp("put_file", time.Since(start), err)
		return nil, err
	case message.FileOpGet:
		key, _, err := wire.String(p.Body)
		if err != nil {
			return nil, err
		}
		start := time.Now()
		data, err := fs.GetFile(ctx, d.id, key)
		d.srv.metrics.ObserveStorageOp("get_file", time.Since(start), err)
		if err != nil {
			return nil, err
		}
		return wire.AppendBlob(nil, data), nil
	default:
		return nil, errUnknownRPCOp(p.Op)
	}
}

type errUnknownRPCOp byte

func (e errUnknownRPCOp) Error() string { return "unknown rpc op" }
