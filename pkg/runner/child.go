package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/progress"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/types"
)

// LauncherFn builds the subtask launcher once the task context is known.
// The child only learns its identity from the start frame, so the binding
// has to be deferred.
type LauncherFn func(p *pc.ProgramContext) script.Launcher

// ChildMain is the re-exec entry point. It reads the start frame from in,
// runs the entrypoint and streams progress, result and final context frames
// to out. User script failures travel inside the result frame; a non-nil
// return here means the protocol itself broke. launchers backs the script's
// subtask bindings and may be nil when dispatch is unavailable.
func ChildMain(ctx context.Context, in io.Reader, out io.Writer, launchers LauncherFn) error {
	start, err := ReadFrame(in)
	if err != nil {
		return fmt.Errorf("failed to read start frame: %w", err)
	}
	if start.Type != frameStart {
		return fmt.Errorf("expected start frame, got %q", start.Type)
	}

	p, err := pc.FromMap(start.PC)
	if err != nil {
		return err
	}

	runCtx := ctx
	if limit := EffectiveTimeLimit(start.TimeLimit); limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	// frames interleave from the tracker and the final writes
	var writeMu sync.Mutex
	emit := func(f *Frame) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return WriteFrame(out, f)
	}

	tracker := progress.New(p.TimeRequest, func(status types.Status, meta *types.ResultMeta) {
		_ = emit(&Frame{Type: frameProgress, Status: string(status), Meta: metaToMap(meta)})
	})

	var launcher script.Launcher
	if launchers != nil {
		launcher = launchers(p)
	}
	env := script.Env{PC: p, Tracker: tracker, Launcher: launcher}
	loader := script.NewLoader("")
	result, runErr := loader.RunFile(runCtx, start.ScriptPath, start.Entrypoint, env)

	resultFrame := &Frame{Type: frameResult}
	if runErr != nil {
		resultFrame.Fault = faultToFrame(runErr)
	} else {
		resultFrame.Ok = true
		resultFrame.Value = result
	}
	if err := emit(resultFrame); err != nil {
		// the value itself may be unserializable; retry with a fault frame
		if resultFrame.Ok {
			if err2 := emit(&Frame{Type: frameResult, Fault: &FaultFrame{
				Kind:    faultUnserializable,
				Type:    fmt.Sprintf("%T", result),
				Message: err.Error(),
			}}); err2 != nil {
				return err2
			}
		} else {
			return err
		}
	}

	pcMap, err := p.ToMap()
	if err != nil {
		return err
	}
	return emit(&Frame{Type: framePC, PC: pcMap})
}

func faultToFrame(err error) *FaultFrame {
	var timeout *types.TimeoutFault
	if errors.As(err, &timeout) {
		return &FaultFrame{Kind: faultTimeout}
	}
	var user *types.UserFault
	if errors.As(err, &user) {
		return &FaultFrame{Kind: faultUser, Type: user.Type, Message: user.Message, Trace: user.Trace}
	}
	return &FaultFrame{Kind: faultUser, Type: types.FaultName(err), Message: err.Error()}
}
