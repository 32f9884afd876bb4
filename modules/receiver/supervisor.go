package receiver

import (
	"context"
	"net"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/rill/pkg/blockstore"
	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wire"
)

// ErrRegistrationRejected means the tracker refused this receiver, either
// because the stream id is unknown or another instance is still registered.
// Fatal to the supervisor.
var ErrRegistrationRejected = errors.New("receiver registration rejected by tracker")

var (
	metricBlocksReported = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "supervisor_blocks_reported_total",
		Help:      "Total blocks stored and reported to the tracker.",
	}, []string{"stream"})
	metricReportFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "rill",
		Name:      "supervisor_report_failures_total",
		Help:      "Total blocks that failed to store or report.",
	}, []string{"stream"})
)

const (
	supervisorInitialized int32 = iota
	supervisorStarted
	supervisorReceiverStarted
	supervisorStopping
	supervisorStopped
)

// Supervisor hosts one receiver on a worker: it owns the block generator and
// block handler, stores and reports generated blocks, and consumes
// coordinator commands.
type Supervisor struct {
	services.Service

	cfg      Config
	streamID model.StreamID
	runID    string
	receiver Receiver
	logger   kitlog.Logger

	generator *BlockGenerator
	handler   BlockHandler
	client    *wire.TrackerClient
	cmdServer *wire.ReceiverServer

	state *atomic.Int32
	seq   *atomic.Int64

	reasonMtx  sync.Mutex
	stopReason string
	stopError  error

	pushCtx    context.Context
	cancelPush context.CancelFunc
}

func NewSupervisor(cfg Config, streamID model.StreamID, rcvr Receiver, store blockstore.Store, logger kitlog.Logger) (*Supervisor, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	runID := uuid.New().String()
	logger = kitlog.With(logger, "stream", int(streamID), "run_id", runID)

	handler, err := NewBlockHandler(cfg, streamID, store, rcvr.StorageLevel(), logger)
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cfg:      cfg,
		streamID: streamID,
		runID:    runID,
		receiver: rcvr,
		logger:   logger,
		handler:  handler,
		client:   wire.NewTrackerClient(cfg.Client, logger),
		state:    atomic.NewInt32(supervisorInitialized),
		seq:      atomic.NewInt64(0),
	}
	s.pushCtx, s.cancelPush = context.WithCancel(context.Background())
	s.generator = NewBlockGenerator(cfg, &generatorListener{sup: s}, s.nextBlockID, logger)
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)

	return s, nil
}

// SetTrackerEndpoint overrides the configured coordinator address with an
// already resolved host:port. Used by in-process runs and tests.
func (s *Supervisor) SetTrackerEndpoint(endpoint string) {
	s.client = wire.NewTrackerClientForEndpoint(endpoint, s.cfg.Client, s.logger)
}

func (s *Supervisor) starting(ctx context.Context) error {
	s.state.Store(supervisorStarted)

	cmdServer, err := wire.NewReceiverServer(net.JoinHostPort(s.cfg.Host, "0"), s, s.logger)
	if err != nil {
		return errors.Wrap(err, "starting command endpoint")
	}
	s.cmdServer = cmdServer

	err = s.generator.Start()
	if err != nil {
		return err
	}

	ok, err := s.client.RegisterReceiver(ctx, wire.RegisterReceiver{
		StreamID: s.streamID,
		Typ:      s.receiver.Name(),
		Host:     s.cfg.Host,
		Endpoint: cmdServer.Addr(),
	})
	if err != nil {
		if errors.Is(err, wire.ErrTrackerUnavailable) {
			return errors.Wrap(err, "registering receiver")
		}
		// the tracker answered with a refusal reason
		return errors.Wrap(ErrRegistrationRejected, err.Error())
	}
	if !ok {
		return ErrRegistrationRejected
	}

	err = s.receiver.Start(s)
	if err != nil {
		return errors.Wrap(err, "starting receiver")
	}

	s.state.Store(supervisorReceiverStarted)
	level.Info(s.logger).Log("msg", "receiver started", "type", s.receiver.Name(), "endpoint", cmdServer.Addr())
	return nil
}

func (s *Supervisor) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// stopping drains in order: receiver first so no new records arrive, then the
// generator so every buffered record is pushed and reported, then the
// deregistration. Shutdown always completes, failures are downgraded.
func (s *Supervisor) stopping(failure error) error {
	s.state.Store(supervisorStopping)

	reason, reasonErr := s.takeStopReason(failure)
	level.Info(s.logger).Log("msg", "stopping receiver", "reason", reason, "err", reasonErr)

	err := s.receiver.Stop()
	if err != nil {
		level.Warn(s.logger).Log("msg", "error stopping receiver", "err", err)
	}

	err = s.generator.Stop()
	if err != nil && !errors.Is(err, ErrNotStarted) {
		level.Warn(s.logger).Log("msg", "error stopping block generator", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Client.AskTimeout)
	defer cancel()

	errStr := ""
	if reasonErr != nil {
		errStr = reasonErr.Error()
	}
	_, err = s.client.DeregisterReceiver(ctx, wire.DeregisterReceiver{
		StreamID: s.streamID,
		Message:  reason,
		Error:    errStr,
	})
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to deregister receiver", "err", err)
	}

	s.cancelPush()

	if s.cmdServer != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), wire.DefaultStopTimeout)
		defer stopCancel()
		err = s.cmdServer.Stop(stopCtx)
		if err != nil {
			level.Warn(s.logger).Log("msg", "error stopping command endpoint", "err", err)
		}
	}

	err = s.handler.Stop()
	if err != nil {
		level.Warn(s.logger).Log("msg", "error stopping block handler", "err", err)
	}

	s.state.Store(supervisorStopped)
	level.Info(s.logger).Log("msg", "receiver stopped", "reason", reason)
	return nil
}

// Stop initiates an orderly shutdown with a reason.
func (s *Supervisor) Stop(message string, err error) {
	s.reasonMtx.Lock()
	if s.stopReason == "" {
		s.stopReason = message
		s.stopError = err
	}
	s.reasonMtx.Unlock()

	s.StopAsync()
}

// AwaitTermination blocks until the supervisor has fully stopped.
func (s *Supervisor) AwaitTermination(ctx context.Context) error {
	return s.AwaitTerminated(ctx)
}

func (s *Supervisor) takeStopReason(failure error) (string, error) {
	s.reasonMtx.Lock()
	defer s.reasonMtx.Unlock()

	if s.stopReason != "" {
		return s.stopReason, s.stopError
	}
	if failure != nil {
		return "Stopped by error", failure
	}
	return "Stopped by supervisor", nil
}

// Restart stops and relaunches the receiver after a delay, without tearing
// down the supervisor.
func (s *Supervisor) Restart(message string, err error) {
	s.onError(message, err)

	go func() {
		stopErr := s.receiver.Stop()
		if stopErr != nil {
			level.Warn(s.logger).Log("msg", "error stopping receiver for restart", "err", stopErr)
		}

		time.Sleep(s.cfg.RestartDelay)

		if s.state.Load() != supervisorReceiverStarted {
			return
		}

		startErr := s.receiver.Start(s)
		if startErr != nil {
			s.onError("failed to restart receiver", startErr)
			return
		}
		level.Info(s.logger).Log("msg", "receiver restarted", "reason", message)
	}()
}

// wire.ReceiverHandler

func (s *Supervisor) HandleStopReceiver(wire.StopReceiver) {
	s.Stop("Stopped by driver", nil)
}

func (s *Supervisor) HandleCleanupOldBlocks(msg wire.CleanupOldBlocks) {
	err := s.handler.CleanupOldBlocks(context.Background(), msg.ThreshTime.Time())
	if err != nil {
		level.Warn(s.logger).Log("msg", "failed to clean up old blocks", "threshold", msg.ThreshTime, "err", err)
	}
}

// Output

func (s *Supervisor) PushSingle(rec model.Record) error {
	return s.generator.AddData(rec)
}

func (s *Supervisor) PushRecords(recs []model.Record, blockID *model.BlockID) error {
	return s.pushAndReportBlock(&model.RecordsBlock{Records: recs}, blockID)
}

func (s *Supervisor) PushIterator(next func() (model.Record, bool), blockID *model.BlockID) error {
	return s.pushAndReportBlock(&model.IteratorBlock{Next: next}, blockID)
}

func (s *Supervisor) PushBytes(data []byte, blockID *model.BlockID) error {
	return s.pushAndReportBlock(&model.BytesBlock{Data: data}, blockID)
}

func (s *Supervisor) ReportError(message string, err error) {
	errStr := ""
	if err != nil {
		errStr = err.Error()
	}
	level.Warn(s.logger).Log("msg", "receiver error reported", "message", message, "err", err)

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Client.AskTimeout)
	defer cancel()
	s.client.ReportError(ctx, wire.ReportError{
		StreamID: s.streamID,
		Message:  message,
		Error:    errStr,
	})
}

// pushAndReportBlock stores a block and reports it to the tracker. The store
// is synchronous and must complete before the report: a block the tracker
// knows about is always durable.
func (s *Supervisor) pushAndReportBlock(block model.Block, blockID *model.BlockID) error {
	id := s.nextBlockID()
	if blockID != nil {
		id = *blockID
	}

	numRecords := block.NumRecords()

	result, err := s.handler.StoreBlock(s.pushCtx, id, block)
	if err != nil {
		metricReportFailures.WithLabelValues(id.StreamID.String()).Inc()
		return errors.Wrapf(err, "storing block %s", id)
	}

	info := model.ReceivedBlockInfo{
		StreamID:   s.streamID,
		NumRecords: numRecords,
		Result:     result,
	}

	ok, err := s.client.AddBlock(s.pushCtx, wire.AddBlock{Info: info})
	if err != nil {
		// the block stays stored but unreported, the tracker's own log is the
		// authority on what was reported
		metricReportFailures.WithLabelValues(id.StreamID.String()).Inc()
		return errors.Wrapf(err, "reporting block %s", id)
	}
	if !ok {
		metricReportFailures.WithLabelValues(id.StreamID.String()).Inc()
		return errors.Errorf("tracker refused block %s", id)
	}

	metricBlocksReported.WithLabelValues(id.StreamID.String()).Inc()
	level.Debug(s.logger).Log("msg", "block stored and reported", "block", id, "records", numRecords)
	return nil
}

func (s *Supervisor) nextBlockID() model.BlockID {
	return model.BlockID{StreamID: s.streamID, Seq: s.seq.Inc()}
}

// onError reports a failure and keeps going.
func (s *Supervisor) onError(message string, err error) {
	s.ReportError(message, err)
}

type generatorListener struct {
	sup *Supervisor
}

func (l *generatorListener) OnGenerateBlock(model.BlockID) {}

func (l *generatorListener) OnPushBlock(id model.BlockID, records []model.Record) {
	err := l.sup.pushAndReportBlock(&model.RecordsBlock{Records: records}, &id)
	if err != nil {
		l.sup.onError("failed to push block", err)
	}
}

func (l *generatorListener) OnError(message string, err error) {
	l.sup.onError(message, err)
}
