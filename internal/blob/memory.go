package blob

import (
	"context"
	"errors"
	"sync"

	"github.com/alibi-app/alibi/internal/fingerprint"
)

var errUnavailable = errors.New("blob store unavailable")

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[Locator][]byte
	down  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[Locator][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte) (Locator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return "", errUnavailable
	}
	loc := LocatorFor(fingerprint.Compute(data))
	if _, ok := s.blobs[loc]; !ok {
		s.blobs[loc] = append([]byte(nil), data...)
	}
	return loc, nil
}

func (s *MemoryStore) Get(ctx context.Context, loc Locator) ([]byte, error) {
	if _, err := loc.key(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.down {
		return nil, errUnavailable
	}
	data, ok := s.blobs[loc]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, loc Locator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		return errUnavailable
	}
	delete(s.blobs, loc)
	return nil
}

func (s *MemoryStore) Available(ctx context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.down
}

func (s *MemoryStore) Name() string {
	return "mem"
}

// SetAvailable simulates a backend outage.
func (s *MemoryStore) SetAvailable(up bool) {
	s.mu.Lock()
	s.down = !up
	s.mu.Unlock()
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
