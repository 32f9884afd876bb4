package wire

import (
	"context"
	"flag"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/grafana/dskit/backoff"
	"github.com/stretchr/testify/require"

	"github.com/grafana/rill/pkg/model"
)

type capturingTrackerHandler struct {
	mtx          sync.Mutex
	registered   []RegisterReceiver
	blocks       []AddBlock
	errs         []ReportError
	deregistered []DeregisterReceiver

	registerOK bool
}

func (h *capturingTrackerHandler) HandleRegisterReceiver(msg RegisterReceiver) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.registered = append(h.registered, msg)
	return h.registerOK, nil
}

func (h *capturingTrackerHandler) HandleAddBlock(msg AddBlock) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.blocks = append(h.blocks, msg)
	return true, nil
}

func (h *capturingTrackerHandler) HandleReportError(msg ReportError) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.errs = append(h.errs, msg)
}

func (h *capturingTrackerHandler) HandleDeregisterReceiver(msg DeregisterReceiver) (bool, error) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.deregistered = append(h.deregistered, msg)
	return true, nil
}

func (h *capturingTrackerHandler) snapshot() (int, int, int, int) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	return len(h.registered), len(h.blocks), len(h.errs), len(h.deregistered)
}

func testClientConfig() ClientConfig {
	cfg := ClientConfig{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.ContinueOnError))
	return cfg
}

func startTrackerServer(t *testing.T, h TrackerHandler) *TrackerServer {
	srv, err := NewTrackerServer("localhost:0", h, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv
}

func TestTrackerAskRoundTrip(t *testing.T) {
	h := &capturingTrackerHandler{registerOK: true}
	srv := startTrackerServer(t, h)
	c := NewTrackerClientForEndpoint(srv.Addr(), testClientConfig(), log.NewNopLogger())
	ctx := context.Background()

	ok, err := c.RegisterReceiver(ctx, RegisterReceiver{StreamID: 1, Typ: "socket", Host: "workerhost", Endpoint: "workerhost:1234"})
	require.NoError(t, err)
	require.True(t, ok)

	info := model.ReceivedBlockInfo{
		StreamID:   1,
		NumRecords: 3,
		Result:     model.NewDirectStoreResult(model.BlockID{StreamID: 1, Seq: 1}, model.DefaultStorageLevel),
	}
	ok, err = c.AddBlock(ctx, AddBlock{Info: info})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.DeregisterReceiver(ctx, DeregisterReceiver{StreamID: 1, Message: "done"})
	require.NoError(t, err)
	require.True(t, ok)

	registered, blocks, _, deregistered := h.snapshot()
	require.Equal(t, 1, registered)
	require.Equal(t, 1, blocks)
	require.Equal(t, 1, deregistered)

	h.mtx.Lock()
	require.Equal(t, info, h.blocks[0].Info)
	h.mtx.Unlock()
}

func TestTrackerRejectionTravelsBack(t *testing.T) {
	h := &capturingTrackerHandler{registerOK: false}
	srv := startTrackerServer(t, h)
	c := NewTrackerClientForEndpoint(srv.Addr(), testClientConfig(), log.NewNopLogger())

	ok, err := c.RegisterReceiver(context.Background(), RegisterReceiver{StreamID: 99})
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReportErrorIsTellStyle(t *testing.T) {
	h := &capturingTrackerHandler{}
	srv := startTrackerServer(t, h)
	c := NewTrackerClientForEndpoint(srv.Addr(), testClientConfig(), log.NewNopLogger())

	c.ReportError(context.Background(), ReportError{StreamID: 1, Message: "boom", Error: "cause"})

	require.Eventually(t, func() bool {
		_, _, errs, _ := h.snapshot()
		return errs == 1
	}, time.Second, 10*time.Millisecond)
}

func TestAskTimesOutAgainstDeadEndpoint(t *testing.T) {
	cfg := testClientConfig()
	cfg.AskTimeout = 200 * time.Millisecond
	cfg.Backoff = backoff.Config{MinBackoff: 10 * time.Millisecond, MaxBackoff: 50 * time.Millisecond}

	// nothing listens here
	c := NewTrackerClientForEndpoint("localhost:1", cfg, log.NewNopLogger())

	start := time.Now()
	_, err := c.AddBlock(context.Background(), AddBlock{})
	require.ErrorIs(t, err, ErrTrackerUnavailable)
	require.Less(t, time.Since(start), 5*time.Second)
}

type capturingReceiverHandler struct {
	mtx      sync.Mutex
	stops    int
	cleanups []CleanupOldBlocks
}

func (h *capturingReceiverHandler) HandleStopReceiver(StopReceiver) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.stops++
}

func (h *capturingReceiverHandler) HandleCleanupOldBlocks(msg CleanupOldBlocks) {
	h.mtx.Lock()
	defer h.mtx.Unlock()
	h.cleanups = append(h.cleanups, msg)
}

func TestReceiverCommands(t *testing.T) {
	h := &capturingReceiverHandler{}
	srv, err := NewReceiverServer("localhost:0", h, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})

	c := NewReceiverClient(log.NewNopLogger())
	ctx := context.Background()

	c.StopReceiver(ctx, srv.Addr())
	c.CleanupOldBlocks(ctx, srv.Addr(), CleanupOldBlocks{ThreshTime: 12345})

	require.Eventually(t, func() bool {
		h.mtx.Lock()
		defer h.mtx.Unlock()
		return h.stops == 1 && len(h.cleanups) == 1 && h.cleanups[0].ThreshTime == model.BatchTime(12345)
	}, time.Second, 10*time.Millisecond)
}
