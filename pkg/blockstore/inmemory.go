package blockstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/grafana/rill/pkg/model"
)

// InMemory is a process-local Store. maxReplication caps the replication
// level it will accept, standing in for the number of reachable peers.
type InMemory struct {
	maxReplication int

	mtx    sync.RWMutex
	blocks map[model.BlockID][]byte
}

func NewInMemory(maxReplication int) *InMemory {
	if maxReplication < 1 {
		maxReplication = 1
	}
	return &InMemory{
		maxReplication: maxReplication,
		blocks:         map[model.BlockID][]byte{},
	}
}

func (s *InMemory) Put(_ context.Context, id model.BlockID, data []byte, level model.StorageLevel) error {
	if !level.Valid() {
		return errors.Wrapf(ErrStoreUnavailable, "invalid storage level %+v", level)
	}
	if level.Replication > s.maxReplication {
		return errors.Wrapf(ErrStoreUnavailable, "replication %d exceeds available %d", level.Replication, s.maxReplication)
	}

	b := make([]byte, len(data))
	copy(b, data)

	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.blocks[id] = b

	return nil
}

func (s *InMemory) Get(_ context.Context, id model.BlockID) ([]byte, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	b, ok := s.blocks[id]
	if !ok {
		return nil, errors.Wrap(ErrBlockNotFound, id.String())
	}

	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

func (s *InMemory) Remove(_ context.Context, id model.BlockID) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.blocks, id)
	return nil
}

// Len returns the number of stored blocks.
func (s *InMemory) Len() int {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return len(s.blocks)
}
