package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/executor"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/session"
	"github.com/pixyz/scheduler/pkg/types"
)

// ErrLicenseUnavailable marks a startup license failure. The process exits
// with a dedicated code so orchestrators can tell it apart from a crash.
var ErrLicenseUnavailable = errors.New("license unavailable")

// requeueDelay is the countdown before a failed management delivery comes
// back
const requeueDelay = 60 * time.Second

// Options tunes one worker process
type Options struct {
	Queues      []string
	Concurrency int
	PoolType    string // "solo" runs one task at a time, "threads" runs Concurrency
	MaxTasks    int    // shut down after this many tasks, 0 means unbounded
	TmpDir      string
}

// Worker consumes deliveries and drives the executor. One Worker per
// process; its id names the redis backup lists and the crash beacons.
type Worker struct {
	opts    Options
	broker  *broker.Broker
	backend backend.Backend
	exec    *executor.Executor
	session *session.Session
	id      string

	taskCount atomic.Int64
	running   sync.Map // task id -> context.CancelFunc
}

// New builds a worker over its collaborators
func New(opts Options, br *broker.Broker, be backend.Backend, exec *executor.Executor, se *session.Session) *Worker {
	if opts.Concurrency < 1 || !strings.EqualFold(opts.PoolType, "threads") {
		opts.Concurrency = 1
	}
	host, _ := os.Hostname()
	return &Worker{
		opts:    opts,
		broker:  br,
		backend: be,
		exec:    exec,
		session: se,
		id:      fmt.Sprintf("%s-%d", host, os.Getpid()),
	}
}

// ID returns the worker's consumer identity
func (w *Worker) ID() string {
	return w.id
}

// Run starts the pool and blocks until ctx ends, a shutdown command arrives
// or the task budget is spent. A license failure at startup returns
// ErrLicenseUnavailable without consuming anything.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.session.Start(); err != nil {
		log.Logger.Error().Err(err).Msg("engine startup failed")
		return fmt.Errorf("%w: %v", ErrLicenseUnavailable, err)
	}
	defer w.session.Stop()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	consumer := broker.NewConsumer(w.broker, w.opts.Queues, w.id)
	if err := consumer.Restore(runCtx); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to restore unacked deliveries")
	}

	commands, stopBroadcast, err := w.broker.SubscribeBroadcast(runCtx)
	if err != nil {
		return err
	}
	defer stopBroadcast()
	go w.handleCommands(runCtx, cancel, commands)

	log.Logger.Info().Str("worker_id", w.id).Strs("queues", w.opts.Queues).
		Int("concurrency", w.opts.Concurrency).Msg("worker started")

	var wg sync.WaitGroup
	for i := 0; i < w.opts.Concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(runCtx, cancel, slot)
		}(i)
	}
	wg.Wait()

	log.Logger.Info().Str("worker_id", w.id).Int64("tasks", w.taskCount.Load()).Msg("worker stopped")
	return nil
}

func (w *Worker) handleCommands(ctx context.Context, cancel context.CancelFunc, commands <-chan broker.Command) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd, ok := <-commands:
			if !ok {
				return
			}
			switch cmd.Type {
			case broker.CommandShutdown:
				log.Logger.Info().Msg("shutdown command received")
				cancel()
			case broker.CommandRevoke:
				if stop, ok := w.running.Load(cmd.TaskID); ok {
					logger := log.WithTaskID(cmd.TaskID)
					logger.Info().Msg("revoking running task")
					stop.(context.CancelFunc)()
				}
			}
		}
	}
}

func (w *Worker) consumeLoop(ctx context.Context, shutdown context.CancelFunc, slot int) {
	consumer := broker.NewConsumer(w.broker, w.opts.Queues, w.id)
	for {
		d, ack, err := consumer.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Logger.Error().Err(err).Msg("consumer failed")
			}
			return
		}
		w.handleDelivery(ctx, d, ack, slot)

		if n := w.taskCount.Add(1); w.opts.MaxTasks > 0 && n >= int64(w.opts.MaxTasks) {
			log.Logger.Info().Int64("tasks", n).Msg("task budget spent, shutting down")
			shutdown()
			return
		}
	}
}

func (w *Worker) handleDelivery(ctx context.Context, d *types.Delivery, ack *broker.Ack, slot int) {
	logger := log.WithTaskID(d.ID)
	_ = w.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusReceived})

	if d.Task != types.TaskExecute {
		if err := w.exec.ExecuteManagement(ctx, d); err != nil {
			logger.Warn().Err(err).Msg("management task failed, requeueing")
			if err := ack.Requeue(ctx, requeueDelay); err != nil {
				logger.Error().Err(err).Msg("failed to requeue delivery")
			}
			return
		}
		if err := ack.Done(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to acknowledge delivery")
		}
		return
	}

	// compute tasks run under a per-task context so a revoke broadcast can
	// kill the child mid-flight
	taskCtx, stop := context.WithCancel(ctx)
	w.running.Store(d.ID, stop)
	defer func() {
		w.running.Delete(d.ID)
		stop()
	}()

	beacon := newBeacon(w.opts.TmpDir, w.id, slot)
	if err := beacon.Write(d); err != nil {
		logger.Warn().Err(err).Msg("failed to write crash beacon")
	}

	err := w.exec.Execute(taskCtx, d)
	if err != nil && taskCtx.Err() != nil && ctx.Err() == nil {
		// killed by a revoke, not a worker shutdown
		_ = w.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusRevoked})
		logger.Info().Msg("running task revoked")
	} else if err != nil {
		logger.Error().Err(err).Msg("task execution aborted")
	}

	if err := beacon.Remove(); err != nil {
		logger.Warn().Err(err).Msg("failed to remove crash beacon")
	}
}
