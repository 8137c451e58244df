package runner

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/progress"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/types"
)

// maxTimeLimit caps the representable wall clock limit; anything above is
// treated as unbounded
const maxTimeLimit = 86400

// RunSpec describes one entrypoint execution
type RunSpec struct {
	ScriptPath string
	Entrypoint string
	PC         *pc.ProgramContext
	TimeLimit  int // seconds; 0 or above maxTimeLimit means unbounded
	MaxMemory  int // megabytes of RSS, 0 disables the watchdog
	Inline     bool

	// Launcher backs the script's subtask bindings for inline runs. Child
	// runs build their own in the re-exec'd process.
	Launcher script.Launcher
}

// Outcome is a successful execution: the entrypoint's return value and the
// program context as the script left it
type Outcome struct {
	Result interface{}
	PC     *pc.ProgramContext
}

// ProgressFn receives intermediate states relayed from the child
type ProgressFn func(status types.Status, meta map[string]interface{})

// Runner executes entrypoints in a re-exec'd child process so a native crash
// takes the child down, not the worker.
type Runner struct {
	execPath  string
	childArgs []string
}

// New builds a runner that re-execs execPath with childArgs to reach the
// child entry
func New(execPath string, childArgs ...string) *Runner {
	return &Runner{execPath: execPath, childArgs: childArgs}
}

// EffectiveTimeLimit converts the configured limit to a duration, returning
// zero for unbounded
func EffectiveTimeLimit(limit int) time.Duration {
	if limit <= 0 || limit > maxTimeLimit {
		return 0
	}
	return time.Duration(limit) * time.Second
}

// Run executes spec and relays progress through onProgress (may be nil).
// Faults come back as typed errors from the taxonomy in pkg/types.
func (r *Runner) Run(ctx context.Context, spec RunSpec, onProgress ProgressFn) (*Outcome, error) {
	if spec.Inline {
		return runInline(ctx, spec, onProgress)
	}
	return r.runChild(ctx, spec, onProgress)
}

// runInline executes in-process, used when the worker itself is already a
// child or in threaded pools where re-exec is unavailable
func runInline(ctx context.Context, spec RunSpec, onProgress ProgressFn) (*Outcome, error) {
	runCtx := ctx
	if limit := EffectiveTimeLimit(spec.TimeLimit); limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}
	tracker := progress.New(spec.PC.TimeRequest, func(status types.Status, meta *types.ResultMeta) {
		if onProgress != nil {
			onProgress(status, metaToMap(meta))
		}
	})
	env := script.Env{PC: spec.PC, Tracker: tracker, Launcher: spec.Launcher}
	loader := script.NewLoader("")
	result, err := loader.RunFile(runCtx, spec.ScriptPath, spec.Entrypoint, env)
	if err != nil {
		var timeout *types.TimeoutFault
		if errors.As(err, &timeout) && timeout.Limit == 0 {
			timeout.Limit = spec.TimeLimit
		}
		return nil, err
	}
	return &Outcome{Result: result, PC: spec.PC}, nil
}

func (r *Runner) runChild(ctx context.Context, spec RunSpec, onProgress ProgressFn) (*Outcome, error) {
	pcMap, err := spec.PC.ToMap()
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(r.execPath, r.childArgs...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	if err := WriteFrame(stdin, &Frame{
		Type:       frameStart,
		ScriptPath: spec.ScriptPath,
		Entrypoint: spec.Entrypoint,
		PC:         pcMap,
		TimeLimit:  spec.TimeLimit,
	}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	_ = stdin.Close()

	var timedOut, oom atomic.Bool
	done := make(chan struct{})
	if limit := EffectiveTimeLimit(spec.TimeLimit); limit > 0 {
		timer := time.AfterFunc(limit, func() {
			timedOut.Store(true)
			_ = cmd.Process.Kill()
		})
		defer timer.Stop()
	}
	if spec.MaxMemory > 0 {
		go watchRSS(done, cmd.Process.Pid, spec.MaxMemory, func() {
			oom.Store(true)
			_ = cmd.Process.Kill()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()

	var resultFrame *Frame
	var pcFrame *Frame
	for {
		f, err := ReadFrame(stdout)
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Logger.Debug().Err(err).Msg("child frame stream broke")
			break
		}
		switch f.Type {
		case frameProgress:
			if onProgress != nil {
				onProgress(types.Status(f.Status), f.Meta)
			}
		case frameResult:
			resultFrame = f
		case framePC:
			pcFrame = f
		}
	}

	waitErr := cmd.Wait()
	close(done)

	switch {
	case timedOut.Load():
		return nil, &types.TimeoutFault{Limit: spec.TimeLimit}
	case oom.Load():
		return nil, &types.OOMFault{LimitMB: spec.MaxMemory}
	case ctx.Err() != nil:
		// interrupted shutdown: best-effort kill, nothing to report
		return nil, ctx.Err()
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return nil, &types.SignalFault{Signal: int(status.Signal())}
			}
			return nil, &types.ExitFault{Code: exitErr.ExitCode()}
		}
		return nil, waitErr
	}

	if resultFrame == nil {
		// exited clean without posting a result
		return nil, &types.ExitFault{Code: 0}
	}
	if !resultFrame.Ok {
		return nil, faultFromFrame(resultFrame.Fault, spec.TimeLimit)
	}

	outPC := spec.PC
	if pcFrame != nil && pcFrame.PC != nil {
		if decoded, err := pc.FromMap(pcFrame.PC); err == nil {
			outPC = decoded
		}
	}
	return &Outcome{Result: resultFrame.Value, PC: outPC}, nil
}

func faultFromFrame(f *FaultFrame, timeLimit int) error {
	if f == nil {
		return &types.UnserializableFault{Type: "Unknown", Message: "child posted no fault detail"}
	}
	switch f.Kind {
	case faultTimeout:
		return &types.TimeoutFault{Limit: timeLimit}
	case faultUnserializable:
		return &types.UnserializableFault{Type: f.Type, Message: f.Message}
	default:
		return &types.UserFault{Type: f.Type, Message: f.Message, Trace: f.Trace}
	}
}

func metaToMap(meta *types.ResultMeta) map[string]interface{} {
	if meta == nil {
		return nil
	}
	m := map[string]interface{}{
		"progress": meta.Progress,
		"steps":    meta.Steps,
	}
	if meta.TimeInfo != nil {
		m["time_info"] = meta.TimeInfo
	}
	if meta.Retry > 0 {
		m["retry"] = meta.Retry
	}
	if meta.Extra != nil {
		m["extra"] = meta.Extra
	}
	return m
}
