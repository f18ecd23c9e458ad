package authority

import (
	"context"
	"sync"

	"github.com/kettlebird/flowboard/pkg/collab"
)

// Snapshot is a persisted document plus the version counter that produced it.
type Snapshot struct {
	Document collab.Document `json:"document"`
	Version  uint64          `json:"version"`
}

// Store persists document snapshots. Load returns (nil, nil) for a document
// that has never been saved.
type Store interface {
	Load(ctx context.Context, documentID string) (*Snapshot, error)
	Save(ctx context.Context, documentID string, snap Snapshot) error
	Close() error
}

// MemStore keeps snapshots in memory. Used in tests and as the fallback when
// no persistence backend is configured.
type MemStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemStore() *MemStore {
	return &MemStore{snaps: make(map[string]Snapshot)}
}

func (s *MemStore) Load(ctx context.Context, documentID string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[documentID]
	if !ok {
		return nil, nil
	}
	return &snap, nil
}

func (s *MemStore) Save(ctx context.Context, documentID string, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[documentID] = snap
	return nil
}

func (s *MemStore) Close() error {
	return nil
}
