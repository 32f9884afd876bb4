package app

import (
	"context"
	"testing"
	"time"

	"github.com/grafana/dskit/services"
	"github.com/stretchr/testify/require"

	"github.com/grafana/rill/pkg/blockstore"
	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wire"
)

func testAppConfig(t *testing.T, target string) *Config {
	cfg := defaultConfig(t)
	cfg.Target = target
	cfg.Tracker.BindAddr = "localhost:0"
	cfg.Inputs = []InputConfig{
		{StreamID: 0, Name: "in-0", SocketAddr: "localhost:9000"},
		{StreamID: 1, Name: "in-1", SocketAddr: "localhost:9001"},
	}
	return cfg
}

func TestNewCoordinator(t *testing.T) {
	a, err := New(testAppConfig(t, TargetCoordinator))
	require.NoError(t, err)

	require.NotNil(t, a.tracker)
	require.Len(t, a.svcs, 1)

	// no blockstore path configured means the in-process store
	require.IsType(t, &blockstore.InMemory{}, a.store)
}

func TestNewWorker(t *testing.T) {
	a, err := New(testAppConfig(t, TargetWorker))
	require.NoError(t, err)

	require.Nil(t, a.tracker)
	// one supervisor per input stream
	require.Len(t, a.svcs, 2)
}

func TestNewAll(t *testing.T) {
	cfg := testAppConfig(t, TargetAll)
	cfg.BlockStore.Path = t.TempDir()

	a, err := New(cfg)
	require.NoError(t, err)

	require.NotNil(t, a.tracker)
	require.Len(t, a.svcs, 1)
	require.IsType(t, &blockstore.Local{}, a.store)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testAppConfig(t, "querier")
	_, err := New(cfg)
	require.Error(t, err)
}

func TestBatchLoopAllocatesReportedBlocks(t *testing.T) {
	cfg := testAppConfig(t, TargetCoordinator)
	cfg.BatchInterval = 10 * time.Millisecond

	a, err := New(cfg)
	require.NoError(t, err)

	require.NoError(t, services.StartAndAwaitRunning(context.Background(), a.tracker))
	t.Cleanup(func() {
		a.tracker.StopAsync()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.tracker.AwaitTerminated(ctx)
	})

	ok, err := a.tracker.HandleAddBlock(wire.AddBlock{Info: model.ReceivedBlockInfo{
		StreamID:   0,
		NumRecords: 1,
		Result:     model.NewDirectStoreResult(model.BlockID{StreamID: 0, Seq: 1}, model.DefaultStorageLevel),
	}})
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, a.tracker.HasUnallocatedBlocks())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.runBatchLoop(ctx)

	require.Eventually(t, func() bool {
		return !a.tracker.HasUnallocatedBlocks()
	}, 2*time.Second, 10*time.Millisecond)
}
