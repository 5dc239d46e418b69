package evidence

import (
	"context"
	"time"

	"github.com/alibi-app/alibi/internal/shared/types"
)

// Lifecycle event types
const (
	EventReceived        = "evidence.received"
	EventProofRequested  = "evidence.proof_requested"
	EventVerified        = "evidence.verified"
	EventFailed          = "evidence.failed"
	EventMetadataUpdated = "evidence.metadata_updated"
	EventDeleted         = "evidence.deleted"
)

// Event describes one lifecycle change. It carries the fingerprint, never
// the content.
type Event struct {
	ID            types.ID   `json:"id"`
	Type          string     `json:"type"`
	RecordID      types.ID   `json:"record_id"`
	OwnerID       types.ID   `json:"owner_id"`
	Fingerprint   string     `json:"fingerprint,omitempty"`
	State         State      `json:"state,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	TimestampedAt *time.Time `json:"timestamped_at,omitempty"`
	OccurredAt    time.Time  `json:"occurred_at"`
}

// Publisher receives lifecycle events. Publishing is best effort; the
// ledger is the source of truth.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, Event) error { return nil }
