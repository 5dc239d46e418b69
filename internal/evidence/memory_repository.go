package evidence

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alibi-app/alibi/internal/blob"
	"github.com/alibi-app/alibi/internal/shared/errors"
	"github.com/alibi-app/alibi/internal/shared/types"
)

// MemoryRepository keeps records in process memory. It is used when the
// database is disabled and in tests.
type MemoryRepository struct {
	mu      sync.Mutex
	records map[types.ID]*Record
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[types.ID]*Record)}
}

func (m *MemoryRepository) Create(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.records[r.ID]; exists {
		return errors.Conflict("evidence with this id already exists")
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemoryRepository) Get(ctx context.Context, id types.ID) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return nil, errors.NotFound("evidence", id.String())
	}
	return cloneRecord(r), nil
}

func (m *MemoryRepository) List(ctx context.Context, owner types.ID, filter ListFilter) ([]*Record, int, error) {
	filter = filter.normalized()
	search := strings.ToLower(filter.Search)

	m.mu.Lock()
	var matched []*Record
	for _, r := range m.records {
		if r.OwnerID != owner || r.IsDeleted() {
			continue
		}
		if filter.Category != nil && r.Category != *filter.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(r.Title), search) {
			continue
		}
		matched = append(matched, cloneRecord(r))
	}
	m.mu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CapturedAt.Equal(matched[j].CapturedAt) {
			return matched[i].CapturedAt.After(matched[j].CapturedAt)
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if filter.Offset >= total {
		return []*Record{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > total {
		end = total
	}
	return matched[filter.Offset:end], total, nil
}

func (m *MemoryRepository) UpdateMetadata(ctx context.Context, id, owner types.ID, update MetadataUpdate, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != owner || r.IsDeleted() {
		return nil, errors.NotFound("evidence", id.String())
	}
	if !r.CanEditMetadata() {
		return nil, errors.Conflict("verified evidence cannot be edited")
	}

	meta := update.Apply(Metadata{Title: r.Title, Description: r.Description, Category: r.Category})
	r.Title, r.Description, r.Category = meta.Title, meta.Description, meta.Category
	r.UpdatedAt = now
	return cloneRecord(r), nil
}

func (m *MemoryRepository) ClaimProofRequest(ctx context.Context, id types.ID, now time.Time) (*ProofClaim, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.IsDeleted() || !r.State.CanRequestProof() || r.ProofToken != nil {
		return nil, false, nil
	}

	claim := &ProofClaim{From: r.State, OwnerID: r.OwnerID, Fingerprint: r.Fingerprint}
	r.State = StateProofRequested
	r.FailureReason = ""
	r.ProofRequestedAt = &now
	r.Attempts++
	r.UpdatedAt = now
	return claim, true, nil
}

func (m *MemoryRepository) CompleteVerified(ctx context.Context, id types.ID, token []byte, timestampedAt time.Time, authority string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.IsDeleted() || r.State != StateProofRequested || r.ProofToken != nil {
		return false, nil
	}

	ts := timestampedAt
	r.State = StateVerified
	r.ProofToken = append([]byte(nil), token...)
	r.TimestampedAt = &ts
	r.Authority = authority
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) CompleteFailed(ctx context.Context, id types.ID, reason string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.IsDeleted() || r.State != StateProofRequested {
		return false, nil
	}

	r.State = StateFailed
	r.FailureReason = reason
	r.UpdatedAt = now
	return true, nil
}

func (m *MemoryRepository) Tombstone(ctx context.Context, id, owner types.ID, now time.Time) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || r.OwnerID != owner || r.IsDeleted() {
		return nil, errors.NotFound("evidence", id.String())
	}

	before := cloneRecord(r)
	r.DeletedAt = &now
	return before, nil
}

func (m *MemoryRepository) Purge(ctx context.Context, id types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)
	return nil
}

func (m *MemoryRepository) PurgeIfTombstoned(ctx context.Context, id types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok || !r.IsDeleted() {
		return false, nil
	}
	delete(m.records, id)
	return true, nil
}

func (m *MemoryRepository) CountLiveByLocator(ctx context.Context, loc blob.Locator) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.records {
		if r.BlobLocator == loc && !r.IsDeleted() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListIDsByState(ctx context.Context, state State) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []types.ID
	for _, r := range m.records {
		if r.State == state && !r.IsDeleted() {
			ids = append(ids, r.ID)
		}
	}
	return ids, nil
}

func (m *MemoryRepository) FailStaleRequests(ctx context.Context, cutoff time.Time, reason string, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, r := range m.records {
		if r.IsDeleted() || r.State != StateProofRequested {
			continue
		}
		if r.ProofRequestedAt != nil && !r.ProofRequestedAt.Before(cutoff) {
			continue
		}
		r.State = StateFailed
		r.FailureReason = reason
		r.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemoryRepository) PurgeTombstoned(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged []*Record
	for id, r := range m.records {
		if !r.IsDeleted() {
			continue
		}
		inFlight := r.State == StateProofRequested && r.ProofRequestedAt != nil && !r.ProofRequestedAt.Before(cutoff)
		if inFlight {
			continue
		}
		purged = append(purged, cloneRecord(r))
		delete(m.records, id)
	}
	return purged, nil
}

func cloneRecord(r *Record) *Record {
	c := *r
	if r.ProofToken != nil {
		c.ProofToken = append([]byte(nil), r.ProofToken...)
	}
	if r.TimestampedAt != nil {
		t := *r.TimestampedAt
		c.TimestampedAt = &t
	}
	if r.ProofRequestedAt != nil {
		t := *r.ProofRequestedAt
		c.ProofRequestedAt = &t
	}
	if r.DeletedAt != nil {
		t := *r.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}
