// Package storage defines the persistence contract consumed by document
// sessions, together with the record types stored through it. Drivers live in
// sub-packages; the batcher sub-package interposes write batching between the
// sessions and a driver.
package storage

import (
	"context"
	"time"
)

// Doc is a document's merged state as returned by reads.
type Doc struct {
	Update      []byte
	StateVector []byte
}

// TriggerType discriminates milestone trigger descriptors.
type TriggerType string

const (
	TriggerUpdateCount TriggerType = "update-count"
	TriggerTimeBased   TriggerType = "time-based"
	TriggerEventBased  TriggerType = "event-based"
)

// Milestone trigger event vocabulary.
const (
	EventClientJoin  = "client-join"
	EventClientLeave = "client-leave"
)

// Trigger describes when a milestone snapshot should be taken. Exactly one of
// the configuration fields is meaningful for a given Type.
type Trigger struct {
	Type TriggerType `json:"type"`
	// Name labels milestones created by this trigger.
	Name string `json:"name"`
	// Every is the accepted-update interval for update-count triggers.
	Every uint64 `json:"every,omitempty"`
	// Interval is the minimum spacing for time-based triggers.
	Interval time.Duration `json:"interval,omitempty"`
	// Event names the firing event for event-based triggers.
	Event string `json:"event,omitempty"`
}

// Metadata is the per-document metadata record.
type Metadata struct {
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
	Encrypted         bool      `json:"encrypted"`
	MilestoneTriggers []Trigger `json:"milestoneTriggers,omitempty"`
}

// MilestoneState is a milestone's lifecycle state.
type MilestoneState string

const (
	MilestoneActive      MilestoneState = "active"
	MilestoneSoftDeleted MilestoneState = "soft-deleted"
	MilestoneRestored    MilestoneState = "restored"
)

// Milestone is a named snapshot of a document's merged state.
type Milestone struct {
	ID         string         `json:"id"`
	DocumentID string         `json:"documentId"`
	Name       string         `json:"name"`
	CreatedAt  time.Time      `json:"createdAt"`
	Snapshot   []byte         `json:"snapshot,omitempty"`
	State      MilestoneState `json:"state"`
}

// Storage is the persistence contract. All operations are context-bound; a
// driver surfaces failures as *Error values carrying one of the error kinds.
//
// GetDocument returns (nil, nil) for a document that has never been written;
// an empty document is a legal state.
type Storage interface {
	// HandleUpdate appends a client update to the document. When it returns
	// nil the update is durable.
	HandleUpdate(ctx context.Context, docID string, update []byte) error
	// GetDocument returns the merged current state, or nil when absent.
	GetDocument(ctx context.Context, docID string) (*Doc, error)
	// HandleSyncStep1 computes the diff against the remote state vector and
	// returns it with the server's current state vector.
	HandleSyncStep1(ctx context.Context, docID string, remoteSV []byte) (*Doc, error)
	// HandleSyncStep2 applies a client's bulk update.
	HandleSyncStep2(ctx context.Context, docID string, update []byte) error
	// GetDocumentMetadata returns the metadata record, or nil when absent.
	GetDocumentMetadata(ctx context.Context, docID string) (*Metadata, error)
	// WriteDocumentMetadata replaces the metadata record.
	WriteDocumentMetadata(ctx context.Context, docID string, meta *Metadata) error
	// DeleteDocument removes the document, its metadata and milestones.
	DeleteDocument(ctx context.Context, docID string) error
}

// MilestoneStorage is the optional milestone sub-collaborator.
type MilestoneStorage interface {
	CreateMilestone(ctx context.Context, m *Milestone) error
	ListMilestones(ctx context.Context, docID string) ([]*Milestone, error)
	GetMilestone(ctx context.Context, docID, milestoneID string) (*Milestone, error)
	// SoftDeleteMilestone marks the milestone deleted without discarding it.
	SoftDeleteMilestone(ctx context.Context, docID, milestoneID string) error
	// RestoreMilestone returns a soft-deleted milestone to service.
	RestoreMilestone(ctx context.Context, docID, milestoneID string) error
}

// FileStorage is the optional file sub-collaborator, keyed per document.
type FileStorage interface {
	PutFile(ctx context.Context, docID, key string, data []byte) error
	GetFile(ctx context.Context, docID, key string) ([]byte, error)
}
