package receiver

import (
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/rill/pkg/model"
)

var (
	// ErrNotStarted is returned for data added outside the Active state.
	ErrNotStarted = errors.New("block generator not active")
	// ErrAlreadyStarted is returned for a second Start.
	ErrAlreadyStarted = errors.New("block generator already started")

	metricBlocksGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "block_generator_blocks_generated_total",
		Help:      "Total blocks cut from the record buffer.",
	})
	metricBlocksPushed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "block_generator_blocks_pushed_total",
		Help:      "Total blocks handed to the push listener.",
	})
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "rill",
		Name:      "block_generator_queue_length",
		Help:      "Blocks waiting in the handoff queue.",
	})
)

const (
	generatorInitialized int32 = iota
	generatorActive
	generatorStoppedAddingData
	generatorStoppedGeneratingBlocks
	generatorStoppedAll
)

// BlockGeneratorListener receives block lifecycle callbacks. OnPushBlock is
// invoked from a single consumer goroutine, so pushes are sequential.
type BlockGeneratorListener interface {
	OnGenerateBlock(id model.BlockID)
	OnPushBlock(id model.BlockID, records []model.Record)
	OnError(message string, err error)
}

type generatedBlock struct {
	id      model.BlockID
	records []model.Record
}

// BlockGenerator buffers individual records and cuts them into blocks on a
// fixed interval. Cut blocks travel through a bounded handoff queue to a
// consumer that pushes them downstream. AddData blocks once the queue is
// full: the cutter holds the buffer lock while it enqueues.
type BlockGenerator struct {
	interval  time.Duration
	queueSize int
	logger    kitlog.Logger
	listener  BlockGeneratorListener
	nextID    func() model.BlockID

	state *atomic.Int32

	mtx    sync.Mutex
	buffer []model.Record

	queue        chan generatedBlock
	stopTimer    chan struct{}
	timerDone    chan struct{}
	consumerDone chan struct{}
}

func NewBlockGenerator(cfg Config, listener BlockGeneratorListener, nextID func() model.BlockID, logger kitlog.Logger) *BlockGenerator {
	return &BlockGenerator{
		interval:     cfg.BlockInterval,
		queueSize:    cfg.BlockQueueSize,
		logger:       logger,
		listener:     listener,
		nextID:       nextID,
		state:        atomic.NewInt32(generatorInitialized),
		queue:        make(chan generatedBlock, cfg.BlockQueueSize),
		stopTimer:    make(chan struct{}),
		timerDone:    make(chan struct{}),
		consumerDone: make(chan struct{}),
	}
}

func (g *BlockGenerator) Start() error {
	if !g.state.CompareAndSwap(generatorInitialized, generatorActive) {
		return ErrAlreadyStarted
	}

	go g.runTimer()
	go g.runConsumer()

	level.Info(g.logger).Log("msg", "block generator started", "interval", g.interval, "queue_size", g.queueSize)
	return nil
}

// AddData appends one record to the building buffer. It blocks while the
// handoff queue is full.
func (g *BlockGenerator) AddData(rec model.Record) error {
	return g.AddMultiple([]model.Record{rec})
}

// AddMultiple appends a batch of records atomically: they end up in the same
// block.
func (g *BlockGenerator) AddMultiple(recs []model.Record) error {
	if g.state.Load() != generatorActive {
		return ErrNotStarted
	}

	g.mtx.Lock()
	defer g.mtx.Unlock()

	// recheck under the lock, Stop may have won the race
	if g.state.Load() != generatorActive {
		return ErrNotStarted
	}

	g.buffer = append(g.buffer, recs...)
	return nil
}

// Stop progresses through the shutdown states in order: reject new data,
// flush the partial buffer, stop the timer, drain the queue, stop the
// consumer. Safe to call multiple times.
func (g *BlockGenerator) Stop() error {
	if !g.state.CompareAndSwap(generatorActive, generatorStoppedAddingData) {
		if g.state.Load() == generatorInitialized {
			return ErrNotStarted
		}
		<-g.consumerDone
		return nil
	}

	level.Info(g.logger).Log("msg", "stopping block generator")

	close(g.stopTimer)
	<-g.timerDone

	g.state.Store(generatorStoppedGeneratingBlocks)
	close(g.queue)
	<-g.consumerDone

	g.state.Store(generatorStoppedAll)
	level.Info(g.logger).Log("msg", "block generator stopped")
	return nil
}

func (g *BlockGenerator) runTimer() {
	defer close(g.timerDone)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			g.cutBlock()
		case <-g.stopTimer:
			// final cut flushes whatever is buffered
			g.cutBlock()
			return
		}
	}
}

// cutBlock swaps the building buffer for a fresh one and enqueues the old
// buffer as a block. The buffer lock is held across the enqueue so producers
// stall while the queue is full.
func (g *BlockGenerator) cutBlock() {
	g.mtx.Lock()
	defer g.mtx.Unlock()

	if len(g.buffer) == 0 {
		return
	}

	if g.state.Load() >= generatorStoppedGeneratingBlocks {
		g.listener.OnError("cannot enqueue block, generator is shut down", nil)
		return
	}

	records := g.buffer
	g.buffer = nil

	id := g.nextID()
	g.listener.OnGenerateBlock(id)

	g.queue <- generatedBlock{id: id, records: records}
	metricBlocksGenerated.Inc()
	metricQueueLength.Set(float64(len(g.queue)))
}

func (g *BlockGenerator) runConsumer() {
	defer close(g.consumerDone)

	for blk := range g.queue {
		metricQueueLength.Set(float64(len(g.queue)))
		g.listener.OnPushBlock(blk.id, blk.records)
		metricBlocksPushed.Inc()
	}
}
