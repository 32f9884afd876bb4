package tracker

import (
	"context"
	"sync"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/wire"
)

// ErrUnknownStreamID means a receiver tried to register a stream id outside
// the declared set. Fatal to that receiver.
var ErrUnknownStreamID = errors.New("unknown stream id")

var metricActiveReceivers = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "rill",
	Name:      "tracker_active_receivers",
	Help:      "Receivers currently registered with the tracker.",
})

// ReceiverTracker is the coordinator front end: it keeps the registry of live
// receivers, routes RPCs from their supervisors, launches receiver tasks and
// exposes the batch allocation API.
type ReceiverTracker struct {
	services.Service

	cfg    Config
	inputs []InputStream
	logger kitlog.Logger

	streamIDs    map[model.StreamID]struct{}
	blockTracker *ReceivedBlockTracker
	server       *wire.TrackerServer
	bus          *ListenerBus
	clients      *wire.ReceiverClient
	launcher     *receiverLauncher

	taskLauncher TaskLauncher
	runReceiver  RunReceiverFunc

	// receiverInfo holds the active registrations, lastKnownInfo every
	// registration ever seen, for diagnostics.
	receiverInfo  sync.Map
	lastKnownInfo sync.Map
}

// New builds a tracker over a fixed set of input streams. taskLauncher and
// runReceiver may be nil when receiver launch is skipped.
func New(cfg Config, inputs []InputStream, taskLauncher TaskLauncher, runReceiver RunReceiverFunc, logger kitlog.Logger) (*ReceiverTracker, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	streamIDs := make(map[model.StreamID]struct{}, len(inputs))
	for _, in := range inputs {
		streamIDs[in.StreamID] = struct{}{}
	}

	t := &ReceiverTracker{
		cfg:          cfg,
		inputs:       inputs,
		logger:       logger,
		streamIDs:    streamIDs,
		bus:          NewListenerBus(logger),
		clients:      wire.NewReceiverClient(logger),
		taskLauncher: taskLauncher,
		runReceiver:  runReceiver,
	}
	t.Service = services.NewBasicService(t.starting, t.running, t.stopping)

	return t, nil
}

func (t *ReceiverTracker) starting(context.Context) error {
	blockTracker, err := NewReceivedBlockTracker(t.cfg, t.logger)
	if err != nil {
		return err
	}
	t.blockTracker = blockTracker

	if len(t.inputs) == 0 {
		level.Info(t.logger).Log("msg", "no input streams, receiver tracker is idle")
		return nil
	}

	server, err := wire.NewTrackerServer(t.cfg.BindAddr, t, t.logger)
	if err != nil {
		return errors.Wrap(err, "starting tracker endpoint")
	}
	t.server = server
	level.Info(t.logger).Log("msg", "receiver tracker started", "endpoint", server.Addr(), "streams", len(t.inputs))

	if !t.cfg.SkipReceiverLaunch {
		if t.taskLauncher == nil || t.runReceiver == nil {
			return errors.New("receiver launch requires a task launcher, set skip_receiver_launch to opt out")
		}
		t.launcher = newReceiverLauncher(t.taskLauncher, t.runReceiver, buildReceiverTasks(t.inputs), t.cfg.SpreadReceivers, t.logger)
		t.launcher.start()
	}

	return nil
}

func (t *ReceiverTracker) running(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// stopping tells every live receiver to shut down, waits out the launcher
// and, if configured, polls until all receivers have deregistered. Errors are
// collected but never abort the stop path.
func (t *ReceiverTracker) stopping(failure error) error {
	var errs error

	if t.server != nil {
		t.stopReceivers()

		if t.launcher != nil {
			joined := t.launcher.join(t.cfg.LauncherJoinTimeout)
			if !joined {
				t.launcher.stop()
			}
		}

		if t.cfg.GracefulShutdown {
			t.awaitReceiversStopped()
		}

		ctx, cancel := context.WithTimeout(context.Background(), wire.DefaultStopTimeout)
		defer cancel()
		err := t.server.Stop(ctx)
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	if t.blockTracker != nil {
		t.blockTracker.Stop()
	}
	t.bus.Stop()

	if errs != nil {
		level.Warn(t.logger).Log("msg", "errors during tracker shutdown", "err", errs)
	}
	level.Info(t.logger).Log("msg", "receiver tracker stopped")
	return nil
}

// Endpoint returns the resolved tracker endpoint address.
func (t *ReceiverTracker) Endpoint() string {
	if t.server == nil {
		return ""
	}
	return t.server.Addr()
}

// RegisterListener subscribes to receiver lifecycle events.
func (t *ReceiverTracker) RegisterListener(l Listener) {
	t.bus.Register(l)
}

// batch generator API

func (t *ReceiverTracker) AllocateBlocksToBatch(batchTime model.BatchTime) {
	t.blockTracker.AllocateBlocksToBatch(batchTime)
}

func (t *ReceiverTracker) GetBlocksOfBatch(batchTime model.BatchTime) map[model.StreamID][]model.ReceivedBlockInfo {
	return t.blockTracker.GetBlocksOfBatch(batchTime)
}

func (t *ReceiverTracker) GetBlocksOfBatchAndStream(batchTime model.BatchTime, streamID model.StreamID) []model.ReceivedBlockInfo {
	return t.blockTracker.GetBlocksOfBatchAndStream(batchTime, streamID)
}

func (t *ReceiverTracker) HasUnallocatedBlocks() bool {
	return t.blockTracker.HasUnallocatedBlocks()
}

// CleanupOldBlocksAndBatches forgets batches older than threshold and tells
// every live receiver its block handler may drop data below it. The
// broadcast is unconditional: the block store is not assumed to expire
// blocks on its own.
func (t *ReceiverTracker) CleanupOldBlocksAndBatches(ctx context.Context, threshold model.BatchTime) {
	t.blockTracker.CleanupOldBatches(threshold, false)

	msg := wire.CleanupOldBlocks{ThreshTime: threshold}
	for _, info := range t.activeReceivers() {
		if info.Endpoint == "" {
			continue
		}
		t.clients.CleanupOldBlocks(ctx, info.Endpoint, msg)
	}
}

// wire.TrackerHandler

func (t *ReceiverTracker) HandleRegisterReceiver(msg wire.RegisterReceiver) (bool, error) {
	if _, ok := t.streamIDs[msg.StreamID]; !ok {
		return false, errors.Wrapf(ErrUnknownStreamID, "stream %d", msg.StreamID)
	}

	if existing, ok := t.receiverInfo.Load(msg.StreamID); ok {
		if info := existing.(model.ReceiverInfo); info.Active {
			return false, errors.Errorf("stream %d already has an active receiver on %s", msg.StreamID, info.Host)
		}
	}

	info := model.ReceiverInfo{
		StreamID: msg.StreamID,
		Name:     msg.Typ,
		Endpoint: msg.Endpoint,
		Active:   true,
		Host:     msg.Host,
	}
	t.receiverInfo.Store(msg.StreamID, info)
	t.lastKnownInfo.Store(msg.StreamID, info)
	metricActiveReceivers.Inc()

	level.Info(t.logger).Log("msg", "receiver registered", "stream", msg.StreamID, "type", msg.Typ, "host", msg.Host, "endpoint", msg.Endpoint)
	t.bus.PublishReceiverStarted(info)
	return true, nil
}

func (t *ReceiverTracker) HandleAddBlock(msg wire.AddBlock) (bool, error) {
	return t.blockTracker.AddBlock(msg.Info), nil
}

func (t *ReceiverTracker) HandleReportError(msg wire.ReportError) {
	info := t.loadInfo(msg.StreamID)
	info.LastErrorMessage = msg.Message
	info.LastError = msg.Error
	info.LastErrorTime = time.Now()

	if info.Active {
		t.receiverInfo.Store(msg.StreamID, info)
	}
	t.lastKnownInfo.Store(msg.StreamID, info)

	level.Warn(t.logger).Log("msg", "receiver reported an error", "stream", msg.StreamID, "message", msg.Message, "err", msg.Error)
	t.bus.PublishReceiverError(info)
}

func (t *ReceiverTracker) HandleDeregisterReceiver(msg wire.DeregisterReceiver) (bool, error) {
	info := t.loadInfo(msg.StreamID)
	wasActive := info.Active

	info.Active = false
	info.Endpoint = ""
	if msg.Error != "" {
		info.LastErrorMessage = msg.Message
		info.LastError = msg.Error
		info.LastErrorTime = time.Now()
	}

	t.receiverInfo.Delete(msg.StreamID)
	t.lastKnownInfo.Store(msg.StreamID, info)
	if wasActive {
		metricActiveReceivers.Dec()
	}

	level.Info(t.logger).Log("msg", "receiver deregistered", "stream", msg.StreamID, "message", msg.Message, "err", msg.Error)
	t.bus.PublishReceiverStopped(info)
	return true, nil
}

// loadInfo returns the best known info for a stream, synthesizing a bare one
// for streams that never registered.
func (t *ReceiverTracker) loadInfo(streamID model.StreamID) model.ReceiverInfo {
	if v, ok := t.receiverInfo.Load(streamID); ok {
		return v.(model.ReceiverInfo)
	}
	if v, ok := t.lastKnownInfo.Load(streamID); ok {
		return v.(model.ReceiverInfo)
	}
	return model.ReceiverInfo{StreamID: streamID}
}

func (t *ReceiverTracker) activeReceivers() []model.ReceiverInfo {
	out := []model.ReceiverInfo{}
	t.receiverInfo.Range(func(_, v interface{}) bool {
		out = append(out, v.(model.ReceiverInfo))
		return true
	})
	return out
}

// AllReceivers returns the last known info for every stream that ever
// registered.
func (t *ReceiverTracker) AllReceivers() []model.ReceiverInfo {
	out := []model.ReceiverInfo{}
	t.lastKnownInfo.Range(func(_, v interface{}) bool {
		out = append(out, v.(model.ReceiverInfo))
		return true
	})
	return out
}

func (t *ReceiverTracker) stopReceivers() {
	ctx, cancel := context.WithTimeout(context.Background(), wire.DefaultStopTimeout)
	defer cancel()

	receivers := t.activeReceivers()
	level.Info(t.logger).Log("msg", "sending stop signal to all receivers", "count", len(receivers))
	for _, info := range receivers {
		if info.Endpoint == "" {
			continue
		}
		t.clients.StopReceiver(ctx, info.Endpoint)
	}
}

// awaitReceiversStopped polls until every receiver has deregistered and the
// launcher job has returned.
func (t *ReceiverTracker) awaitReceiversStopped() {
	deadline := time.Now().Add(t.cfg.GracefulStopTimeout)
	for time.Now().Before(deadline) {
		launcherRunning := t.launcher != nil && t.launcher.isRunning()
		if len(t.activeReceivers()) == 0 && !launcherRunning {
			level.Info(t.logger).Log("msg", "all receivers deregistered")
			return
		}
		time.Sleep(t.cfg.GracefulPollInterval)
	}

	level.Warn(t.logger).Log("msg", "timed out waiting for receivers to deregister", "still_active", len(t.activeReceivers()))
}
