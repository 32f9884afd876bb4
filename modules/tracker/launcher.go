package tracker

import (
	"context"
	"time"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/grafana/rill/pkg/model"
)

// InputStream declares one input stream the tracker serves. Receivers for the
// declared streams are either launched by the tracker or register on their
// own.
type InputStream struct {
	StreamID      model.StreamID
	Name          string
	PreferredHost string
}

// ReceiverTask describes one long-running receiver task handed to the task
// launcher. An empty PreferredHost leaves placement to the scheduler.
type ReceiverTask struct {
	StreamID      model.StreamID
	Name          string
	PreferredHost string
}

// RunReceiverFunc hosts one receiver for the lifetime of its task. It returns
// when the receiver has fully stopped.
type RunReceiverFunc func(ctx context.Context, task ReceiverTask) error

// TaskLauncher is the cluster scheduler seen through a keyhole: it runs one
// long task per receiver on some node and can report when enough workers are
// live.
type TaskLauncher interface {
	AwaitWorkers(ctx context.Context, count int) error
	RunJob(ctx context.Context, tasks []ReceiverTask, run RunReceiverFunc) error
}

// receiverLauncher owns the goroutine that submits receiver tasks and tracks
// whether the job is still running.
type receiverLauncher struct {
	logger   kitlog.Logger
	launcher TaskLauncher
	run      RunReceiverFunc
	tasks    []ReceiverTask
	spread   bool

	running *atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newReceiverLauncher(launcher TaskLauncher, run RunReceiverFunc, tasks []ReceiverTask, spread bool, logger kitlog.Logger) *receiverLauncher {
	return &receiverLauncher{
		logger:   logger,
		launcher: launcher,
		run:      run,
		tasks:    tasks,
		spread:   spread,
		running:  atomic.NewBool(false),
		done:     make(chan struct{}),
	}
}

func (l *receiverLauncher) start() {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel

	go func() {
		defer close(l.done)
		defer cancel()

		if l.spread {
			err := l.launcher.AwaitWorkers(ctx, len(l.tasks))
			if err != nil {
				level.Warn(l.logger).Log("msg", "gave up waiting for workers, receivers may co-locate", "err", err)
			}
		}

		level.Info(l.logger).Log("msg", "launching receivers", "count", len(l.tasks))

		l.running.Store(true)
		err := l.launcher.RunJob(ctx, l.tasks, l.run)
		l.running.Store(false)

		if err != nil && ctx.Err() == nil {
			level.Error(l.logger).Log("msg", "receiver job failed", "err", err)
			return
		}
		level.Info(l.logger).Log("msg", "all receiver tasks finished")
	}()
}

func (l *receiverLauncher) isRunning() bool {
	return l.running.Load()
}

// join waits for the launcher goroutine with a deadline.
func (l *receiverLauncher) join(timeout time.Duration) bool {
	select {
	case <-l.done:
		return true
	case <-time.After(timeout):
		level.Warn(l.logger).Log("msg", "timed out waiting for receiver launcher")
		return false
	}
}

func (l *receiverLauncher) stop() {
	if l.cancel != nil {
		l.cancel()
	}
}

// buildReceiverTasks turns input streams into a task batch. Placement
// constraints apply only when every receiver declares a preferred host,
// otherwise tasks are spread by the scheduler.
func buildReceiverTasks(inputs []InputStream) []ReceiverTask {
	allPreferred := len(inputs) > 0
	for _, in := range inputs {
		if in.PreferredHost == "" {
			allPreferred = false
			break
		}
	}

	tasks := make([]ReceiverTask, 0, len(inputs))
	for _, in := range inputs {
		task := ReceiverTask{
			StreamID: in.StreamID,
			Name:     in.Name,
		}
		if allPreferred {
			task.PreferredHost = in.PreferredHost
		}
		tasks = append(tasks, task)
	}

	return tasks
}

// LocalTaskLauncher runs every receiver task in this process. Used by single
// node runs and tests.
type LocalTaskLauncher struct{}

func (LocalTaskLauncher) AwaitWorkers(context.Context, int) error { return nil }

func (LocalTaskLauncher) RunJob(ctx context.Context, tasks []ReceiverTask, run RunReceiverFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, task := range tasks {
		task := task
		g.Go(func() error {
			return run(gctx, task)
		})
	}
	return g.Wait()
}
