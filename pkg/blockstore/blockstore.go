package blockstore

import (
	"context"

	"github.com/pkg/errors"

	"github.com/grafana/rill/pkg/model"
)

var (
	// ErrStoreUnavailable means the store cannot satisfy the requested
	// durability right now.
	ErrStoreUnavailable = errors.New("block store unavailable")
	// ErrBlockNotFound means no block exists under the given id.
	ErrBlockNotFound = errors.New("block not found")
)

// Store is a cluster-wide key to bytes map with replication. Implementations
// must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, id model.BlockID, data []byte, level model.StorageLevel) error
	Get(ctx context.Context, id model.BlockID) ([]byte, error)
	Remove(ctx context.Context, id model.BlockID) error
}
