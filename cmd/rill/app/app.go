package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/grafana/rill/modules/receiver"
	"github.com/grafana/rill/modules/tracker"
	"github.com/grafana/rill/pkg/blockstore"
	"github.com/grafana/rill/pkg/model"
	"github.com/grafana/rill/pkg/util/log"
)

// App wires the configured target's modules together and runs them until a
// signal arrives.
type App struct {
	cfg    *Config
	logger kitlog.Logger

	store   blockstore.Store
	tracker *tracker.ReceiverTracker
	svcs    []services.Service
}

func New(cfg *Config) (*App, error) {
	err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:    cfg,
		logger: log.Logger,
	}

	err = a.setupBlockStore()
	if err != nil {
		return nil, err
	}

	switch cfg.Target {
	case TargetCoordinator:
		err = a.setupTracker(nil, nil)
	case TargetWorker:
		err = a.setupWorkers()
	case TargetAll:
		err = a.setupTracker(tracker.LocalTaskLauncher{}, a.runLocalReceiver)
	}
	if err != nil {
		return nil, err
	}

	return a, nil
}

func (a *App) setupBlockStore() error {
	if a.cfg.BlockStore.Path == "" {
		a.store = blockstore.NewInMemory(1)
		return nil
	}

	store, err := blockstore.NewLocal(&a.cfg.BlockStore)
	if err != nil {
		return errors.Wrap(err, "opening block store")
	}
	a.store = store
	return nil
}

func (a *App) setupTracker(launcher tracker.TaskLauncher, run tracker.RunReceiverFunc) error {
	inputs := make([]tracker.InputStream, 0, len(a.cfg.Inputs))
	for _, in := range a.cfg.Inputs {
		inputs = append(inputs, tracker.InputStream{
			StreamID:      model.StreamID(in.StreamID),
			Name:          in.Name,
			PreferredHost: in.PreferredHost,
		})
	}

	cfg := a.cfg.Tracker
	if launcher == nil {
		// a lone coordinator has no scheduler to hand receiver tasks to,
		// receivers register on their own
		cfg.SkipReceiverLaunch = true
	}

	t, err := tracker.New(cfg, inputs, launcher, run, a.logger)
	if err != nil {
		return err
	}

	a.tracker = t
	a.svcs = append(a.svcs, t)
	return nil
}

func (a *App) setupWorkers() error {
	for _, in := range a.cfg.Inputs {
		sup, err := a.newSupervisor(in)
		if err != nil {
			return err
		}
		a.svcs = append(a.svcs, sup)
	}
	return nil
}

func (a *App) newSupervisor(in InputConfig) (*receiver.Supervisor, error) {
	storageLevel := model.DefaultStorageLevel
	if in.Replication > 0 {
		storageLevel = model.StorageLevel{Replication: in.Replication}
	}

	rcvr := receiver.NewSocketReceiver(in.SocketAddr, storageLevel, a.logger)
	return receiver.NewSupervisor(a.cfg.Receiver, model.StreamID(in.StreamID), rcvr, a.store, a.logger)
}

// runLocalReceiver hosts one receiver task in this process for the all-in-one
// target.
func (a *App) runLocalReceiver(ctx context.Context, task tracker.ReceiverTask) error {
	var input *InputConfig
	for i := range a.cfg.Inputs {
		if a.cfg.Inputs[i].StreamID == int(task.StreamID) {
			input = &a.cfg.Inputs[i]
			break
		}
	}
	if input == nil {
		return errors.Errorf("no input config for stream %d", task.StreamID)
	}

	sup, err := a.newSupervisor(*input)
	if err != nil {
		return err
	}
	sup.SetTrackerEndpoint(a.tracker.Endpoint())

	err = services.StartAndAwaitRunning(ctx, sup)
	if err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		sup.StopAsync()
	}()

	return sup.AwaitTermination(context.Background())
}

// Run starts all services and blocks until a termination signal.
func (a *App) Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if a.cfg.MetricsAddr != "" {
		go a.serveMetrics()
	}

	mgr, err := services.NewManager(a.svcs...)
	if err != nil {
		return err
	}

	err = services.StartManagerAndAwaitHealthy(ctx, mgr)
	if err != nil {
		return errors.Wrap(err, "starting services")
	}
	level.Info(a.logger).Log("msg", "rill started", "target", a.cfg.Target)

	if a.tracker != nil && a.cfg.BatchInterval > 0 {
		go a.runBatchLoop(ctx)
	}

	<-ctx.Done()
	level.Info(a.logger).Log("msg", "shutting down")

	mgr.StopAsync()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	return mgr.AwaitStopped(stopCtx)
}

// runBatchLoop stands in for the batch generator: on every interval it binds
// all reported blocks to a new batch and expires old ones.
func (a *App) runBatchLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.BatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			batchTime := model.BatchTimeOf(now)
			a.tracker.AllocateBlocksToBatch(batchTime)

			blocks := a.tracker.GetBlocksOfBatch(batchTime)
			total := 0
			for _, b := range blocks {
				total += len(b)
			}
			level.Info(a.logger).Log("msg", "batch allocated", "batch_time", batchTime, "blocks", total)

			if a.cfg.Retention > 0 {
				threshold := model.BatchTimeOf(now.Add(-a.cfg.Retention))
				a.tracker.CleanupOldBlocksAndBatches(ctx, threshold)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	err := http.ListenAndServe(a.cfg.MetricsAddr, mux)
	if err != nil {
		level.Error(a.logger).Log("msg", "metrics server failed", "err", err)
	}
}
