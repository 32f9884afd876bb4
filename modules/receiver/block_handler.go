package receiver

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/rill/pkg/blockstore"
	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wal"
)

// BlockHandler stores one block and returns a locator for it. Implementations
// are selected by the write ahead log setting.
type BlockHandler interface {
	StoreBlock(ctx context.Context, id model.BlockID, b model.Block) (model.StoreResult, error)
	CleanupOldBlocks(ctx context.Context, threshold time.Time) error
	Stop() error
}

// NewBlockHandler builds the handler for one receiver.
func NewBlockHandler(cfg Config, streamID model.StreamID, store blockstore.Store, level model.StorageLevel, logger kitlog.Logger) (BlockHandler, error) {
	if !level.Valid() {
		return nil, fmt.Errorf("invalid storage level %+v", level)
	}

	if !cfg.WALEnabled {
		return &DirectHandler{
			store:  store,
			level:  level,
			logger: logger,
		}, nil
	}

	walName := fmt.Sprintf("receiver-%d", streamID)
	w, err := wal.New(&wal.Config{
		Filepath: filepath.Join(cfg.CheckpointDir, walName),
	}, walName, logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening receiver wal")
	}

	return &WALHandler{
		store:  store,
		level:  level,
		wal:    w,
		logger: logger,
	}, nil
}

// DirectHandler inserts blocks into the block store only. Its cleanup is a
// no-op: it removes nothing from the block store.
type DirectHandler struct {
	store  blockstore.Store
	level  model.StorageLevel
	logger kitlog.Logger
}

func (h *DirectHandler) StoreBlock(ctx context.Context, id model.BlockID, b model.Block) (model.StoreResult, error) {
	data, err := model.SerializeBlock(b)
	if err != nil {
		return model.StoreResult{}, err
	}

	err = putWithRetry(ctx, h.store, id, data, h.level)
	if err != nil {
		return model.StoreResult{}, err
	}

	return model.NewDirectStoreResult(id, h.level), nil
}

func (h *DirectHandler) CleanupOldBlocks(context.Context, time.Time) error { return nil }

func (h *DirectHandler) Stop() error { return nil }

// WALHandler appends each block to a write ahead log and inserts it into the
// block store concurrently. Both writes must succeed. The returned handle is
// enough to rehydrate the block if the store loses its replicas.
type WALHandler struct {
	store  blockstore.Store
	level  model.StorageLevel
	wal    *wal.WAL
	logger kitlog.Logger
}

func (h *WALHandler) StoreBlock(ctx context.Context, id model.BlockID, b model.Block) (model.StoreResult, error) {
	data, err := model.SerializeBlock(b)
	if err != nil {
		return model.StoreResult{}, err
	}

	var handle wal.RecordHandle

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var appendErr error
		handle, appendErr = h.wal.Append(data)
		if appendErr != nil {
			return errors.Wrap(blockstore.ErrStoreUnavailable, appendErr.Error())
		}
		return nil
	})
	g.Go(func() error {
		return putWithRetry(gctx, h.store, id, data, h.level)
	})

	err = g.Wait()
	if err != nil {
		// an appended record without a matching store insert stays in the log
		// until CleanupOldBlocks truncates its segment
		return model.StoreResult{}, err
	}

	return model.NewWALStoreResult(id, h.level, handle), nil
}

func (h *WALHandler) CleanupOldBlocks(_ context.Context, threshold time.Time) error {
	level.Debug(h.logger).Log("msg", "truncating receiver wal", "threshold", threshold)
	return h.wal.TruncateBefore(threshold)
}

func (h *WALHandler) Stop() error {
	return h.wal.Close()
}

func putWithRetry(ctx context.Context, store blockstore.Store, id model.BlockID, data []byte, level model.StorageLevel) error {
	err := store.Put(ctx, id, data, level)
	if err == nil {
		return nil
	}

	// one retry, replication may succeed on a different set of peers
	err = store.Put(ctx, id, data, level)
	if err != nil {
		return errors.Wrapf(err, "storing block %s", id)
	}

	return nil
}
