package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/metrics"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/progress"
	"github.com/pixyz/scheduler/pkg/runner"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/session"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/types"
)

// maxComputeRetries caps automatic retries of compute tasks; one retry on
// the high-capacity queue, then the failure sticks
const maxComputeRetries = 1

// Config carries the executor's tunables
type Config struct {
	TimeLimit      int // seconds, first attempt
	RetryTimeLimit int // seconds, on the retry queue
	CleanupEnabled bool
	CleanupDelay   int // seconds
	MaxMemoryMB    int
	InlineRunner   bool
	TmpDir         string
}

// Finisher observes terminal task states. The orchestration coordinator
// implements it to advance chains and resolve chords.
type Finisher interface {
	TaskFinished(ctx context.Context, d *types.Delivery, status types.Status, result map[string]interface{})
}

// LauncherFactory builds the subtask launcher bound to one running task
type LauncherFactory interface {
	ForTask(d *types.Delivery, p *pc.ProgramContext) script.Launcher
}

// Executor runs the task bodies a worker pops from the broker
type Executor struct {
	backend   backend.Backend
	broker    *broker.Broker
	share     *share.Store
	loader    *script.Loader
	runner    *runner.Runner
	session   *session.Session
	cfg       Config
	finisher  Finisher
	launchers LauncherFactory
}

// New wires an executor
func New(b backend.Backend, br *broker.Broker, st *share.Store, ld *script.Loader,
	rn *runner.Runner, se *session.Session, cfg Config) *Executor {
	return &Executor{
		backend: b,
		broker:  br,
		share:   st,
		loader:  ld,
		runner:  rn,
		session: se,
		cfg:     cfg,
	}
}

// SetFinisher registers the terminal-state observer
func (e *Executor) SetFinisher(f Finisher) {
	e.finisher = f
}

// SetLauncherFactory registers the builder of the subtask launcher exposed
// to scripts
func (e *Executor) SetLauncherFactory(f LauncherFactory) {
	e.launchers = f
}

// Execute runs one compute delivery end to end: revocation check, input
// staging, fault-isolated run, retry policy and result persistence.
func (e *Executor) Execute(ctx context.Context, d *types.Delivery) error {
	logger := log.WithTaskID(d.ID)

	if revoked, err := e.broker.IsRevoked(ctx, d.ID); err == nil && revoked {
		logger.Info().Msg("skipping revoked task")
		metrics.TasksRevoked.Inc()
		_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusRevoked})
		e.finish(ctx, d, types.StatusRevoked, nil)
		return nil
	}

	p, err := pc.FromMap(d.PC)
	if err != nil {
		return e.failTask(ctx, d, nil, fmt.Errorf("malformed program context: %w", err))
	}
	p.TaskID = d.ID
	p.Queue = d.Queue
	p.Retry = d.Retries
	for k, v := range d.Params {
		p.Params[k] = v
	}

	metrics.TasksStarted.WithLabelValues(d.Queue).Inc()
	timer := metrics.NewTimer()
	_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusStarted})

	tracker := progress.New(p.TimeRequest, func(status types.Status, meta *types.ResultMeta) {
		_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: status, Result: resultMetaToMap(meta)})
	})
	if p.Shadow != "" {
		tracker.SetShadow(p.Shadow)
	}
	if d.Retries > 0 {
		tracker.Retry(d.Retries)
	}

	scriptPath, err := e.resolveScript(p)
	if err != nil {
		return e.failTask(ctx, d, tracker, err)
	}

	// staging points the PC at worker-local paths that die with this
	// attempt; a retry must carry the submission-time input and re-stage
	submittedDir, submittedFile := p.InputDir, p.InputFile

	staged, err := stageInput(p.InputFile, p.RootFile, e.cfg.TmpDir)
	if err != nil {
		return e.failTask(ctx, d, tracker, err)
	}
	defer staged.Close()
	p.InputDir = staged.Dir
	p.InputFile = staged.File

	if !p.ComputeOnly {
		outDir, err := e.share.OutputDir(d.ID)
		if err != nil {
			return e.failTask(ctx, d, tracker, err)
		}
		p.OutputDir = outDir
	}

	spec := runner.RunSpec{
		ScriptPath: scriptPath,
		Entrypoint: entrypointOf(p),
		PC:         p,
		TimeLimit:  e.timeLimit(p, d),
		MaxMemory:  e.cfg.MaxMemoryMB,
		Inline:     e.cfg.InlineRunner,
	}
	if e.launchers != nil {
		spec.Launcher = e.launchers.ForTask(d, p)
	}

	logger.Info().Str("script", p.Script).Str("entrypoint", spec.Entrypoint).
		Str("queue", d.Queue).Int("time_limit", spec.TimeLimit).Msg("starting execution")

	var outcome *runner.Outcome
	runErr := e.session.Use(func() error {
		var err error
		outcome, err = e.runner.Run(ctx, spec, func(status types.Status, meta map[string]interface{}) {
			_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: status, Result: meta})
		})
		return err
	})

	if runErr != nil {
		logger.Warn().Err(runErr).Msg("execution failed")
		p.InputDir, p.InputFile = submittedDir, submittedFile
		return e.handleFailure(ctx, d, p, tracker, runErr)
	}
	logger.Info().Msg("execution finished")

	if outcome.PC != nil {
		p.Update(outcome.PC)
	}
	tracker.Stop(nil)
	if m, ok := outcome.Result.(map[string]interface{}); ok {
		tracker.Output(m)
	} else if outcome.Result != nil {
		tracker.Output(map[string]interface{}{"value": outcome.Result})
	}

	final := e.finalResult(p, tracker, outcome.Result)
	_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusSuccess, Result: final})

	if !p.ComputeOnly && e.cfg.CleanupEnabled {
		e.scheduleJobCleanup(ctx, d.ID)
	}

	metrics.TasksSucceeded.WithLabelValues(d.Queue).Inc()
	timer.ObserveDurationVec(metrics.TaskDuration, d.Queue)

	e.finish(ctx, d, types.StatusSuccess, final)
	return nil
}

// finalResult shapes the stored result: raw tasks store the bare return
// value, everything else the tracked envelope
func (e *Executor) finalResult(p *pc.ProgramContext, tracker *progress.Tracker, result interface{}) map[string]interface{} {
	if p.Raw {
		if m, ok := result.(map[string]interface{}); ok {
			return m
		}
		return map[string]interface{}{"result": result}
	}
	return resultMetaToMap(tracker.Meta())
}

// handleFailure applies the retry policy: retriable faults get one retry on
// the high-capacity queue with the extended time limit, everything else is
// terminal
func (e *Executor) handleFailure(ctx context.Context, d *types.Delivery, p *pc.ProgramContext,
	tracker *progress.Tracker, runErr error) error {
	if errors.Is(runErr, context.Canceled) {
		// worker shutdown, not a task fault; the task stays as-is
		return runErr
	}

	if types.Retriable(runErr) && d.Retries < maxComputeRetries {
		next := *d
		next.Retries = d.Retries + 1
		next.Queue = broker.RetryQueue(d.Queue)
		p.TimeLimit = e.cfg.RetryTimeLimit
		p.Data["last_error"] = runErr.Error()
		if pcMap, err := p.ToMap(); err == nil {
			next.PC = pcMap
		}
		next.ETA = nil

		tracker.Retry(next.Retries)
		_ = e.backend.SetState(ctx, d.ID, backend.Patch{Status: types.StatusRetry, Result: resultMetaToMap(tracker.Meta())})

		if err := e.broker.Enqueue(ctx, next); err != nil {
			return e.failTask(ctx, d, tracker, fmt.Errorf("retry dispatch failed: %w", err))
		}
		logger := log.WithTaskID(d.ID)
		logger.Info().Str("queue", next.Queue).Int("retries", next.Retries).
			Msg("retrying on high-capacity queue")
		metrics.TasksRetried.WithLabelValues(d.Queue).Inc()
		return nil
	}
	return e.failTask(ctx, d, tracker, runErr)
}

// failTask records a terminal failure with its typed meta
func (e *Executor) failTask(ctx context.Context, d *types.Delivery, tracker *progress.Tracker, cause error) error {
	failure := &types.FailureMeta{
		ExcType:    types.FaultName(cause),
		ExcModule:  faultModule(cause),
		ExcMessage: cause.Error(),
	}
	var user *types.UserFault
	if errors.As(cause, &user) {
		failure.ExcTraceback = user.Trace
	}

	patch := backend.Patch{Status: types.StatusFailure, Failure: failure}
	if tracker != nil {
		tracker.Abort(nil)
		meta := tracker.Meta()
		meta.Error = cause.Error()
		patch.Result = resultMetaToMap(meta)
	}
	_ = e.backend.SetState(ctx, d.ID, patch)

	metrics.TasksFailed.WithLabelValues(d.Queue, failure.ExcType).Inc()
	logger := log.WithTaskID(d.ID)
	logger.Error().Err(cause).Str("fault", failure.ExcType).Msg("task failed")

	e.finish(ctx, d, types.StatusFailure, nil)
	return nil
}

func (e *Executor) finish(ctx context.Context, d *types.Delivery, status types.Status, result map[string]interface{}) {
	if e.finisher != nil {
		e.finisher.TaskFinished(ctx, d, status, result)
	}
}

// resolveScript maps the context's script reference to a file path: process
// names come from the process directory, uploaded scripts live inside the
// job's share directory
func (e *Executor) resolveScript(p *pc.ProgramContext) (string, error) {
	if p.IsLocal {
		return e.loader.Resolve(p.Script)
	}
	if !strings.ContainsAny(p.Script, `/\`) {
		return e.loader.Resolve(p.Script)
	}
	if !e.share.IsPathInShare(p.Script) {
		return "", fmt.Errorf("%w: script %q outside the shared storage", types.ErrInvalidPath, p.Script)
	}
	return p.Script, nil
}

func (e *Executor) timeLimit(p *pc.ProgramContext, d *types.Delivery) int {
	if p.TimeLimit > 0 {
		return p.TimeLimit
	}
	if d.Queue == types.QueueGPUHigh {
		return e.cfg.RetryTimeLimit
	}
	return e.cfg.TimeLimit
}

// scheduleJobCleanup enqueues the deferred removal of the job's share tree
func (e *Executor) scheduleJobCleanup(ctx context.Context, jobID string) {
	jobDir, err := e.share.JobDir(jobID)
	if err != nil {
		return
	}
	eta := time.Now().Add(time.Duration(e.cfg.CleanupDelay) * time.Second)
	err = e.broker.Enqueue(ctx, types.Delivery{
		ID:    jobID + "-cleanup",
		Task:  types.TaskCleanup,
		Queue: types.QueueMaintenance,
		Params: map[string]interface{}{
			"path":         jobDir,
			"is_directory": true,
		},
		ETA:           &eta,
		ManagementAck: true,
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to schedule cleanup")
	}
}

func entrypointOf(p *pc.ProgramContext) string {
	if p.Entrypoint != "" {
		return p.Entrypoint
	}
	return "main"
}

func faultModule(err error) string {
	var user *types.UserFault
	if errors.As(err, &user) {
		return "script"
	}
	return "scheduler"
}

// resultMetaToMap converts a result meta into the generic map stored in the
// backend record
func resultMetaToMap(meta *types.ResultMeta) map[string]interface{} {
	if meta == nil {
		return nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}
