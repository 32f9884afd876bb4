package receiver

import (
	"flag"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/grafana/rill/pkg/model"
)

type capturingListener struct {
	mtx       sync.Mutex
	generated []model.BlockID
	pushed    []generatedBlock
	errs      []string

	pushGate chan struct{} // when set, OnPushBlock waits on it per block
}

func (l *capturingListener) OnGenerateBlock(id model.BlockID) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.generated = append(l.generated, id)
}

func (l *capturingListener) OnPushBlock(id model.BlockID, records []model.Record) {
	if l.pushGate != nil {
		<-l.pushGate
	}
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.pushed = append(l.pushed, generatedBlock{id: id, records: records})
}

func (l *capturingListener) OnError(message string, _ error) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	l.errs = append(l.errs, message)
}

func (l *capturingListener) pushedBlocks() []generatedBlock {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	out := make([]generatedBlock, len(l.pushed))
	copy(out, l.pushed)
	return out
}

func testGeneratorConfig(t *testing.T) Config {
	cfg := Config{}
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.ContinueOnError))
	cfg.BlockInterval = 20 * time.Millisecond
	return cfg
}

func newTestGenerator(t *testing.T, cfg Config, listener BlockGeneratorListener) *BlockGenerator {
	seq := atomic.NewInt64(0)
	nextID := func() model.BlockID {
		return model.BlockID{StreamID: 0, Seq: seq.Inc()}
	}
	return NewBlockGenerator(cfg, listener, nextID, log.NewNopLogger())
}

func TestBlockGeneratorLifecycle(t *testing.T) {
	listener := &capturingListener{}
	g := newTestGenerator(t, testGeneratorConfig(t), listener)

	// not started yet
	require.ErrorIs(t, g.AddData(model.Record("early")), ErrNotStarted)
	require.ErrorIs(t, g.Stop(), ErrNotStarted)

	require.NoError(t, g.Start())
	require.ErrorIs(t, g.Start(), ErrAlreadyStarted)

	require.NoError(t, g.Stop())
	require.ErrorIs(t, g.AddData(model.Record("late")), ErrNotStarted)

	// stop is idempotent once stopped
	require.NoError(t, g.Stop())
}

func TestBlockGeneratorCutsBlocksOnInterval(t *testing.T) {
	listener := &capturingListener{}
	g := newTestGenerator(t, testGeneratorConfig(t), listener)
	require.NoError(t, g.Start())
	defer func() { require.NoError(t, g.Stop()) }()

	require.NoError(t, g.AddData(model.Record("a")))
	require.NoError(t, g.AddData(model.Record("b")))

	require.Eventually(t, func() bool {
		return len(listener.pushedBlocks()) == 1
	}, time.Second, 5*time.Millisecond)

	blk := listener.pushedBlocks()[0]
	require.Equal(t, []model.Record{model.Record("a"), model.Record("b")}, blk.records)
	require.Equal(t, model.BlockID{StreamID: 0, Seq: 1}, blk.id)

	// empty intervals cut nothing
	time.Sleep(100 * time.Millisecond)
	require.Len(t, listener.pushedBlocks(), 1)
}

func TestBlockGeneratorStopFlushesPartialBuffer(t *testing.T) {
	cfg := testGeneratorConfig(t)
	cfg.BlockInterval = time.Hour // the timer never fires on its own

	listener := &capturingListener{}
	g := newTestGenerator(t, cfg, listener)
	require.NoError(t, g.Start())

	require.NoError(t, g.AddData(model.Record("buffered")))
	require.NoError(t, g.Stop())

	pushed := listener.pushedBlocks()
	require.Len(t, pushed, 1)
	require.Equal(t, []model.Record{model.Record("buffered")}, pushed[0].records)
}

func TestBlockGeneratorPreservesRecordOrder(t *testing.T) {
	listener := &capturingListener{}
	g := newTestGenerator(t, testGeneratorConfig(t), listener)
	require.NoError(t, g.Start())

	var expected []model.Record
	for i := 0; i < 200; i++ {
		rec := model.Record(fmt.Sprintf("record-%03d", i))
		expected = append(expected, rec)
		require.NoError(t, g.AddData(rec))
	}

	require.NoError(t, g.Stop())

	var actual []model.Record
	var lastSeq int64
	for _, blk := range listener.pushedBlocks() {
		require.Greater(t, blk.id.Seq, lastSeq)
		lastSeq = blk.id.Seq
		actual = append(actual, blk.records...)
	}
	require.Equal(t, expected, actual)
}

func TestBlockGeneratorStopsCleanly(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	listener := &capturingListener{}
	g := newTestGenerator(t, testGeneratorConfig(t), listener)
	require.NoError(t, g.Start())
	require.NoError(t, g.AddData(model.Record("rec")))
	require.NoError(t, g.Stop())
}

func TestBlockGeneratorBackpressure(t *testing.T) {
	cfg := testGeneratorConfig(t)
	cfg.BlockQueueSize = 1

	listener := &capturingListener{pushGate: make(chan struct{})}
	g := newTestGenerator(t, cfg, listener)
	require.NoError(t, g.Start())

	// one block in flight at the blocked consumer, one in the queue, one
	// building: the next cut wedges the timer on the full queue
	require.NoError(t, g.AddData(model.Record("one")))
	require.Eventually(t, func() bool {
		listener.mtx.Lock()
		defer listener.mtx.Unlock()
		return len(listener.generated) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.AddData(model.Record("two")))
	require.Eventually(t, func() bool {
		listener.mtx.Lock()
		defer listener.mtx.Unlock()
		return len(listener.generated) == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, g.AddData(model.Record("three")))
	time.Sleep(3 * cfg.BlockInterval)

	added := make(chan error, 1)
	go func() {
		added <- g.AddData(model.Record("four"))
	}()

	select {
	case <-added:
		t.Fatal("AddData should block while the handoff queue is full")
	case <-time.After(100 * time.Millisecond):
	}

	// draining the consumer releases the producer
	close(listener.pushGate)
	require.NoError(t, <-added)

	require.NoError(t, g.Stop())
}
