// Package snapshot shares the gathered load and expert maps between the
// orchestrator and the planning worker.
package snapshot

import (
	"context"
	"sync"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/expertmap"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/mapstore"
	"github.com/kuaishou/open_expert_keeper/expert_keeper/workload"
)

// Snapshot is an immutable view; readers must not modify its content.
type Snapshot struct {
	Version    uint64
	ExpertMaps expertmap.GlobalMap
	MoeLoad    *workload.Matrix
}

type Store struct {
	mu      sync.RWMutex
	current Snapshot
	persist mapstore.Store
}

func NewStore() *Store {
	return &Store{}
}

// WithPersistence makes Persist save the expert maps to backend.
func (s *Store) WithPersistence(backend mapstore.Store) *Store {
	s.persist = backend
	return s
}

func (s *Store) PublishExpertMaps(maps expertmap.GlobalMap) uint64 {
	cloned := maps.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Version++
	s.current.ExpertMaps = cloned
	return s.current.Version
}

func (s *Store) PublishMoeLoad(load *workload.Matrix) uint64 {
	cloned := load.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current.Version++
	s.current.MoeLoad = cloned
	return s.current.Version
}

func (s *Store) Latest() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Version
}

// Persist saves the latest expert maps. It does nothing without a backend.
func (s *Store) Persist(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	maps := s.Latest().ExpertMaps
	if maps == nil {
		return errs.Configurationf("no expert map published")
	}
	return s.persist.Save(ctx, maps.Deployment())
}
