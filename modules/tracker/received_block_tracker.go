package tracker

import (
	"path/filepath"
	"sync"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wal"
)

var (
	metricBlocksAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "tracker_blocks_added_total",
		Help:      "Total block reports accepted by the tracker.",
	})
	metricBlocksAddFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "tracker_blocks_add_failed_total",
		Help:      "Total block reports refused because the event could not be logged.",
	})
	metricBatchesAllocated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "tracker_batches_allocated_total",
		Help:      "Total batch allocations committed.",
	})
	metricBatchesCleaned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "tracker_batches_cleaned_total",
		Help:      "Total allocated batches removed by cleanup.",
	})
)

// ReceivedBlockTracker is the authoritative log of block arrivals, batch
// allocations and cleanups. With the WAL enabled every state change is made
// durable before it is applied, and the whole state is rebuilt from the log
// on construction.
type ReceivedBlockTracker struct {
	logger kitlog.Logger
	wal    *wal.WAL // nil when disabled

	mtx           sync.Mutex
	unallocated   map[model.StreamID][]model.ReceivedBlockInfo
	allocated     map[model.BatchTime]map[model.StreamID][]model.ReceivedBlockInfo
	lastAllocated model.BatchTime
	hasAllocated  bool
}

// NewReceivedBlockTracker builds the tracker and, when the WAL is enabled,
// replays the event log end to end. Replay failure aborts construction.
func NewReceivedBlockTracker(cfg Config, logger kitlog.Logger) (*ReceivedBlockTracker, error) {
	t := &ReceivedBlockTracker{
		logger:      logger,
		unallocated: map[model.StreamID][]model.ReceivedBlockInfo{},
		allocated:   map[model.BatchTime]map[model.StreamID][]model.ReceivedBlockInfo{},
	}

	if !cfg.WALEnabled {
		return t, nil
	}

	w, err := wal.New(&wal.Config{
		Filepath: filepath.Join(cfg.CheckpointDir, "tracker"),
	}, "tracker", logger)
	if err != nil {
		return nil, errors.Wrap(err, "opening tracker event log")
	}
	t.wal = w

	replayed := 0
	err = w.Replay(func(rec []byte) error {
		replayed++
		return t.applyEvent(rec)
	})
	if err != nil {
		_ = w.Close()
		if errors.Is(err, wal.ErrCorrupt) {
			return nil, errors.Wrap(ErrRecoveryCorruption, err.Error())
		}
		return nil, err
	}

	if replayed > 0 {
		level.Info(logger).Log("msg", "recovered tracker state from event log", "events", replayed)
	}

	return t, nil
}

// AddBlock records one reported block. With the WAL enabled the event is
// appended first; a failed append refuses the block.
func (t *ReceivedBlockTracker) AddBlock(info model.ReceivedBlockInfo) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	err := t.writeEvent(tagBlockAdded, blockAddedEvent{Info: info})
	if err != nil {
		level.Error(t.logger).Log("msg", "failed to log block addition", "block", info.BlockID(), "err", err)
		metricBlocksAddFailed.Inc()
		return false
	}

	t.applyBlockAdded(info)
	metricBlocksAdded.Inc()
	return true
}

// AllocateBlocksToBatch drains every stream's unallocated queue into the
// given batch. Batch times must be strictly increasing: an allocation at or
// before the last one is a no-op, which keeps replayed or clock-regressed
// calls from reallocating blocks.
func (t *ReceivedBlockTracker) AllocateBlocksToBatch(batchTime model.BatchTime) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if t.hasAllocated && batchTime <= t.lastAllocated {
		level.Warn(t.logger).Log("msg", "batch allocation requested for an old batch time, ignoring",
			"batch_time", batchTime, "last_allocated", t.lastAllocated)
		return
	}

	snapshot := map[model.StreamID][]model.ReceivedBlockInfo{}
	for streamID, queue := range t.unallocated {
		blocks := make([]model.ReceivedBlockInfo, len(queue))
		copy(blocks, queue)
		snapshot[streamID] = blocks
	}

	err := t.writeEvent(tagBatchAllocated, batchAllocatedEvent{Time: batchTime, Blocks: snapshot})
	if err != nil {
		level.Error(t.logger).Log("msg", "failed to log batch allocation, blocks stay unallocated",
			"batch_time", batchTime, "err", err)
		return
	}

	t.applyBatchAllocated(batchTime, snapshot)
	metricBatchesAllocated.Inc()
}

// GetBlocksOfBatch returns the committed stream to blocks mapping for a
// batch, or an empty map.
func (t *ReceivedBlockTracker) GetBlocksOfBatch(batchTime model.BatchTime) map[model.StreamID][]model.ReceivedBlockInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	out := map[model.StreamID][]model.ReceivedBlockInfo{}
	for streamID, blocks := range t.allocated[batchTime] {
		out[streamID] = blocks
	}
	return out
}

func (t *ReceivedBlockTracker) GetBlocksOfBatchAndStream(batchTime model.BatchTime, streamID model.StreamID) []model.ReceivedBlockInfo {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	batch, ok := t.allocated[batchTime]
	if !ok {
		return nil
	}
	return batch[streamID]
}

func (t *ReceivedBlockTracker) HasUnallocatedBlocks() bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	for _, queue := range t.unallocated {
		if len(queue) > 0 {
			return true
		}
	}
	return false
}

// LastAllocatedBatchTime returns the newest allocated batch time, and false
// if nothing has been allocated.
func (t *ReceivedBlockTracker) LastAllocatedBatchTime() (model.BatchTime, bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	return t.lastAllocated, t.hasAllocated
}

// CleanupOldBatches forgets allocated batches older than threshold and lets
// the event log drop segments that only cover them. waitForCompletion blocks
// until the cleanup event is on stable storage.
func (t *ReceivedBlockTracker) CleanupOldBatches(threshold model.BatchTime, waitForCompletion bool) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	err := t.writeEvent(tagBatchCleanedUp, batchCleanedUpEvent{Time: threshold})
	if err != nil {
		level.Warn(t.logger).Log("msg", "failed to log batch cleanup, skipping", "threshold", threshold, "err", err)
		return
	}

	t.applyBatchCleanedUp(threshold)

	if t.wal != nil {
		walErr := t.wal.TruncateBefore(threshold.Time())
		if walErr != nil {
			level.Warn(t.logger).Log("msg", "failed to truncate tracker event log", "err", walErr)
		}
		if waitForCompletion {
			walErr = t.wal.Sync()
			if walErr != nil {
				level.Warn(t.logger).Log("msg", "failed to sync tracker event log", "err", walErr)
			}
		}
	}
}

func (t *ReceivedBlockTracker) Stop() {
	if t.wal != nil {
		err := t.wal.Close()
		if err != nil {
			level.Warn(t.logger).Log("msg", "error closing tracker event log", "err", err)
		}
	}
}

func (t *ReceivedBlockTracker) writeEvent(tag byte, payload interface{}) error {
	if t.wal == nil {
		return nil
	}

	rec, err := marshalEvent(tag, payload)
	if err != nil {
		return err
	}

	_, err = t.wal.Append(rec)
	return err
}

// state transitions, shared by live operation and replay; lock held

func (t *ReceivedBlockTracker) applyBlockAdded(info model.ReceivedBlockInfo) {
	t.unallocated[info.StreamID] = append(t.unallocated[info.StreamID], info)
}

func (t *ReceivedBlockTracker) applyBatchAllocated(batchTime model.BatchTime, blocks map[model.StreamID][]model.ReceivedBlockInfo) {
	for streamID := range t.unallocated {
		t.unallocated[streamID] = nil
	}
	t.allocated[batchTime] = blocks
	t.lastAllocated = batchTime
	t.hasAllocated = true
}

func (t *ReceivedBlockTracker) applyBatchCleanedUp(threshold model.BatchTime) {
	for batchTime := range t.allocated {
		if batchTime < threshold {
			delete(t.allocated, batchTime)
			metricBatchesCleaned.Inc()
		}
	}
}
