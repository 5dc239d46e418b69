package evidence

import (
	"context"
	"time"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/fingerprint"
	"github.com/alibi-app/alibi/internal/shared/types"
)

// ProofClaim is what a successful RECEIVED|FAILED -> PROOF_REQUESTED
// transition hands to the caller.
type ProofClaim struct {
	From        State
	OwnerID     types.ID
	Fingerprint fingerprint.Fingerprint
}

// Repository persists records. Every state change is a single conditional
// write keyed by id and expected state; the boolean results report whether
// the guard held.
type Repository interface {
	Create(ctx context.Context, r *Record) error

	// Get returns the record including tombstoned ones, or NotFound.
	Get(ctx context.Context, id types.ID) (*Record, error)

	// List returns the owner's live records, newest capture first.
	List(ctx context.Context, owner types.ID, filter ListFilter) ([]*Record, int, error)

	// UpdateMetadata applies the update to a live, owned, unverified record.
	// Returns NotFound or Conflict when the guard fails.
	UpdateMetadata(ctx context.Context, id, owner types.ID, update MetadataUpdate, now time.Time) (*Record, error)

	// ClaimProofRequest moves a live record without proof from RECEIVED or
	// FAILED to PROOF_REQUESTED, clears the failure reason and counts the attempt.
	ClaimProofRequest(ctx context.Context, id types.ID, now time.Time) (*ProofClaim, bool, error)

	// CompleteVerified moves a live PROOF_REQUESTED record to VERIFIED,
	// writing token, timestamp and authority in the same statement.
	CompleteVerified(ctx context.Context, id types.ID, token []byte, timestampedAt time.Time, authority string, now time.Time) (bool, error)

	// CompleteFailed moves a live PROOF_REQUESTED record to FAILED.
	CompleteFailed(ctx context.Context, id types.ID, reason string, now time.Time) (bool, error)

	// Tombstone marks a live owned record deleted and returns it as it was.
	// Absent, foreign and already tombstoned records are NotFound.
	Tombstone(ctx context.Context, id, owner types.ID, now time.Time) (*Record, error)

	// Purge removes the row unconditionally.
	Purge(ctx context.Context, id types.ID) error

	// PurgeIfTombstoned removes the row only when it carries a tombstone.
	PurgeIfTombstoned(ctx context.Context, id types.ID) (bool, error)

	// CountLiveByLocator counts live records referencing loc.
	CountLiveByLocator(ctx context.Context, loc blob.Locator) (int, error)

	// ListIDsByState returns ids of live records in state.
	ListIDsByState(ctx context.Context, state State) ([]types.ID, error)

	// FailStaleRequests fails live PROOF_REQUESTED records whose request
	// started before cutoff.
	FailStaleRequests(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error)

	// PurgeTombstoned removes tombstoned rows that no worker will finish:
	// those not in flight, or in flight since before cutoff.
	PurgeTombstoned(ctx context.Context, cutoff time.Time) ([]*Record, error)
}
