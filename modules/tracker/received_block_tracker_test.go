package tracker

import (
	"flag"
	"fmt"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wal"
)

func testTrackerConfig(t *testing.T, walEnabled bool) Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.ContinueOnError))
	cfg.WALEnabled = walEnabled
	if walEnabled {
		cfg.CheckpointDir = t.TempDir()
	}
	return cfg
}

func newBlockTracker(t *testing.T, cfg Config) *ReceivedBlockTracker {
	bt, err := NewReceivedBlockTracker(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(bt.Stop)
	return bt
}

func blockInfo(streamID model.StreamID, seq int64) model.ReceivedBlockInfo {
	return model.ReceivedBlockInfo{
		StreamID:   streamID,
		NumRecords: 1,
		Result:     model.NewDirectStoreResult(model.BlockID{StreamID: streamID, Seq: seq}, model.DefaultStorageLevel),
	}
}

func TestAllocateTwoBatches(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	b1, b2, b3 := blockInfo(0, 1), blockInfo(0, 2), blockInfo(0, 3)
	require.True(t, bt.AddBlock(b1))
	require.True(t, bt.AddBlock(b2))
	require.True(t, bt.AddBlock(b3))
	require.True(t, bt.HasUnallocatedBlocks())

	bt.AllocateBlocksToBatch(100)
	bt.AllocateBlocksToBatch(200)

	require.Equal(t, map[model.StreamID][]model.ReceivedBlockInfo{
		0: {b1, b2, b3},
	}, bt.GetBlocksOfBatch(100))
	require.Equal(t, map[model.StreamID][]model.ReceivedBlockInfo{
		0: {},
	}, bt.GetBlocksOfBatch(200))
	require.False(t, bt.HasUnallocatedBlocks())
}

func TestInterleavedAllocation(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	b1, b2, b3, b4 := blockInfo(0, 1), blockInfo(0, 2), blockInfo(0, 3), blockInfo(0, 4)
	for _, b := range []model.ReceivedBlockInfo{b1, b2, b3} {
		require.True(t, bt.AddBlock(b))
	}
	bt.AllocateBlocksToBatch(100)

	require.True(t, bt.AddBlock(b4))
	bt.AllocateBlocksToBatch(200)

	require.Equal(t, []model.ReceivedBlockInfo{b4}, bt.GetBlocksOfBatchAndStream(200, 0))
	require.False(t, bt.HasUnallocatedBlocks())
}

func TestDuplicateAllocationIsNoOp(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	b1, b5 := blockInfo(0, 1), blockInfo(0, 5)
	require.True(t, bt.AddBlock(b1))
	bt.AllocateBlocksToBatch(100)

	require.True(t, bt.AddBlock(b5))
	bt.AllocateBlocksToBatch(100)

	require.Equal(t, []model.ReceivedBlockInfo{b1}, bt.GetBlocksOfBatchAndStream(100, 0))
	require.True(t, bt.HasUnallocatedBlocks())

	// earlier batch times are rejected too
	bt.AllocateBlocksToBatch(50)
	require.Empty(t, bt.GetBlocksOfBatch(50))
	require.True(t, bt.HasUnallocatedBlocks())

	last, ok := bt.LastAllocatedBatchTime()
	require.True(t, ok)
	require.Equal(t, model.BatchTime(100), last)
}

func TestArrivalOrderPreservedPerStream(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	var expected0, expected1 []model.ReceivedBlockInfo
	for i := int64(1); i <= 50; i++ {
		b0, b1 := blockInfo(0, i), blockInfo(1, i)
		require.True(t, bt.AddBlock(b0))
		require.True(t, bt.AddBlock(b1))
		expected0 = append(expected0, b0)
		expected1 = append(expected1, b1)
	}

	bt.AllocateBlocksToBatch(1000)
	require.Equal(t, expected0, bt.GetBlocksOfBatchAndStream(1000, 0))
	require.Equal(t, expected1, bt.GetBlocksOfBatchAndStream(1000, 1))
}

func TestBlocksAppearInExactlyOneBatch(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	seen := map[string]model.BatchTime{}
	for batch := model.BatchTime(100); batch <= 500; batch += 100 {
		for i := 0; i < 5; i++ {
			require.True(t, bt.AddBlock(blockInfo(0, int64(batch)*10+int64(i))))
		}
		bt.AllocateBlocksToBatch(batch)

		for otherBatch := model.BatchTime(100); otherBatch <= batch; otherBatch += 100 {
			for _, info := range bt.GetBlocksOfBatchAndStream(otherBatch, 0) {
				key := info.BlockID().String()
				if prev, ok := seen[key]; ok {
					require.Equal(t, prev, otherBatch, "block %s moved between batches", key)
					continue
				}
				seen[key] = otherBatch
			}
		}
	}

	require.Len(t, seen, 25)
}

func TestCleanupOldBatches(t *testing.T) {
	bt := newBlockTracker(t, testTrackerConfig(t, false))

	for batch := model.BatchTime(100); batch <= 300; batch += 100 {
		require.True(t, bt.AddBlock(blockInfo(0, int64(batch))))
		bt.AllocateBlocksToBatch(batch)
	}

	bt.CleanupOldBatches(300, false)

	require.Empty(t, bt.GetBlocksOfBatch(100))
	require.Empty(t, bt.GetBlocksOfBatch(200))
	require.Len(t, bt.GetBlocksOfBatchAndStream(300, 0), 1)
}

func TestRecoveryAfterCrash(t *testing.T) {
	cfg := testTrackerConfig(t, true)

	b1, b2, b3, b4 := blockInfo(0, 1), blockInfo(0, 2), blockInfo(0, 3), blockInfo(0, 4)

	bt := newBlockTracker(t, cfg)
	require.True(t, bt.AddBlock(b1))
	require.True(t, bt.AddBlock(b2))
	require.True(t, bt.AddBlock(b3))
	bt.AllocateBlocksToBatch(100)
	bt.Stop()

	// restart from the event log alone
	recovered := newBlockTracker(t, cfg)
	require.Equal(t, []model.ReceivedBlockInfo{b1, b2, b3}, recovered.GetBlocksOfBatchAndStream(100, 0))
	require.False(t, recovered.HasUnallocatedBlocks())

	require.True(t, recovered.AddBlock(b4))
	recovered.AllocateBlocksToBatch(200)

	require.Equal(t, []model.ReceivedBlockInfo{b1, b2, b3}, recovered.GetBlocksOfBatchAndStream(100, 0))
	require.Equal(t, []model.ReceivedBlockInfo{b4}, recovered.GetBlocksOfBatchAndStream(200, 0))

	// allocation monotonicity survives recovery
	recovered.AllocateBlocksToBatch(150)
	require.Empty(t, recovered.GetBlocksOfBatch(150))
}

func TestRecoveryWithUnallocatedBlocks(t *testing.T) {
	cfg := testTrackerConfig(t, true)

	b1, b2 := blockInfo(0, 1), blockInfo(1, 1)

	bt := newBlockTracker(t, cfg)
	require.True(t, bt.AddBlock(b1))
	require.True(t, bt.AddBlock(b2))
	bt.Stop()

	recovered := newBlockTracker(t, cfg)
	require.True(t, recovered.HasUnallocatedBlocks())

	recovered.AllocateBlocksToBatch(100)
	require.Equal(t, []model.ReceivedBlockInfo{b1}, recovered.GetBlocksOfBatchAndStream(100, 0))
	require.Equal(t, []model.ReceivedBlockInfo{b2}, recovered.GetBlocksOfBatchAndStream(100, 1))
}

func TestRecoveryReplaysCleanup(t *testing.T) {
	cfg := testTrackerConfig(t, true)

	bt := newBlockTracker(t, cfg)
	for batch := model.BatchTime(100); batch <= 300; batch += 100 {
		require.True(t, bt.AddBlock(blockInfo(0, int64(batch))))
		bt.AllocateBlocksToBatch(batch)
	}
	bt.CleanupOldBatches(300, true)
	bt.Stop()

	recovered := newBlockTracker(t, cfg)
	require.Empty(t, recovered.GetBlocksOfBatch(100))
	require.Empty(t, recovered.GetBlocksOfBatch(200))
	require.Len(t, recovered.GetBlocksOfBatchAndStream(300, 0), 1)
}

func TestCrashRestartEquivalence(t *testing.T) {
	// replaying any prefix of operations must land in the same state as
	// running them without interruption
	type op func(*ReceivedBlockTracker)
	ops := []op{
		func(bt *ReceivedBlockTracker) { bt.AddBlock(blockInfo(0, 1)) },
		func(bt *ReceivedBlockTracker) { bt.AddBlock(blockInfo(1, 1)) },
		func(bt *ReceivedBlockTracker) { bt.AllocateBlocksToBatch(100) },
		func(bt *ReceivedBlockTracker) { bt.AddBlock(blockInfo(0, 2)) },
		func(bt *ReceivedBlockTracker) { bt.AllocateBlocksToBatch(200) },
		func(bt *ReceivedBlockTracker) { bt.CleanupOldBatches(200, false) },
		func(bt *ReceivedBlockTracker) { bt.AddBlock(blockInfo(1, 2)) },
	}

	for prefix := 1; prefix <= len(ops); prefix++ {
		t.Run(fmt.Sprintf("prefix_%d", prefix), func(t *testing.T) {
			cfgA := testTrackerConfig(t, true)
			cfgB := testTrackerConfig(t, true)

			interrupted := newBlockTracker(t, cfgA)
			uninterrupted := newBlockTracker(t, cfgB)

			for i := 0; i < prefix; i++ {
				ops[i](interrupted)
				ops[i](uninterrupted)
			}

			interrupted.Stop()
			recovered := newBlockTracker(t, cfgA)

			for _, batch := range []model.BatchTime{100, 200} {
				require.Equal(t, uninterrupted.GetBlocksOfBatch(batch), recovered.GetBlocksOfBatch(batch))
			}
			require.Equal(t, uninterrupted.HasUnallocatedBlocks(), recovered.HasUnallocatedBlocks())

			wantLast, wantOK := uninterrupted.LastAllocatedBatchTime()
			gotLast, gotOK := recovered.LastAllocatedBatchTime()
			require.Equal(t, wantOK, gotOK)
			require.Equal(t, wantLast, gotLast)
		})
	}
}

func TestRecoveryCorruptionAbortsStart(t *testing.T) {
	cfg := testTrackerConfig(t, true)

	// an event log written by a future version, or trashed on disk
	w, err := wal.New(&wal.Config{Filepath: cfg.CheckpointDir + "/tracker"}, "test", log.NewNopLogger())
	require.NoError(t, err)
	_, err = w.Append([]byte{0xfe, 0x01, 0x02})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = NewReceivedBlockTracker(cfg, log.NewNopLogger())
	require.ErrorIs(t, err, ErrRecoveryCorruption)
}
