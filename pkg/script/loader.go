package script

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/progress"
	"github.com/pixyz/scheduler/pkg/types"
)

// SubtaskSpec describes one task a running script wants to launch
type SubtaskSpec struct {
	Script     string
	Entrypoint string
	Params     map[string]interface{}
	Queue      string
	TimeLimit  int
}

// Launcher dispatches subtasks on behalf of a running script. Implemented by
// the orchestration layer; nil when the script runs standalone.
type Launcher interface {
	Subtask(ctx context.Context, spec SubtaskSpec) (string, error)
	Chain(ctx context.Context, specs []SubtaskSpec) (string, error)
	Group(ctx context.Context, specs []SubtaskSpec) (groupID string, taskIDs []string, err error)
	Chord(ctx context.Context, specs []SubtaskSpec, body SubtaskSpec) (string, error)
	Wait(ctx context.Context, taskID string, timeout int) (map[string]interface{}, error)
}

// Env is everything the host exposes to a running script
type Env struct {
	PC       *pc.ProgramContext
	Tracker  *progress.Tracker
	Launcher Launcher
}

// Loader resolves and runs user scripts out of the process directory
type Loader struct {
	processDir string
}

// NewLoader creates a loader over processDir
func NewLoader(processDir string) *Loader {
	return &Loader{processDir: processDir}
}

// Resolve maps a process name to its script path inside the process
// directory. Path separators and traversal are rejected.
func (l *Loader) Resolve(name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", fmt.Errorf("%w: invalid process name %q", types.ErrInvalidPath, name)
	}
	if !strings.HasSuffix(name, ".js") {
		name += ".js"
	}
	path := filepath.Join(l.processDir, name)
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("%w: process %q", types.ErrPathNotFound, name)
	}
	return path, nil
}

// List returns the process names available in the process directory
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.processDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read process dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".js") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".js"))
	}
	return names, nil
}

// InspectFile parses the script at path
func (l *Loader) InspectFile(path string) (*Inspection, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Inspect(filepath.Base(path), string(src))
}

// RunFile evaluates the script at path in a fresh runtime and invokes
// entrypoint with (pc, params). Each run gets its own runtime: scripts must
// never observe state left behind by a previous task.
func (l *Loader) RunFile(ctx context.Context, path, entrypoint string, env Env) (interface{}, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	return Run(ctx, filepath.Base(path), string(src), entrypoint, env)
}

// Run evaluates src and calls entrypoint with the host environment bound
func Run(ctx context.Context, name, src, entrypoint string, env Env) (interface{}, error) {
	vm := goja.New()
	vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))

	// schedule() must be callable at load time; at run time it is a
	// pass-through decorator returning the wrapped function unchanged
	schedule := func(goja.FunctionCall) goja.Value {
		return vm.ToValue(func(inner goja.FunctionCall) goja.Value {
			return inner.Argument(0)
		})
	}
	if err := vm.Set("schedule", schedule); err != nil {
		return nil, err
	}
	if err := vm.Set("console", consoleObject(name)); err != nil {
		return nil, err
	}

	stop := watchInterrupt(ctx, vm)
	defer stop()

	if _, err := vm.RunScript(name, src); err != nil {
		return nil, toFault(err)
	}

	fn, ok := goja.AssertFunction(vm.Get(entrypoint))
	if !ok {
		return nil, &types.UserFault{
			Type:    "EntrypointError",
			Message: fmt.Sprintf("entrypoint %q is not a function", entrypoint),
		}
	}

	pcObj := bindHost(ctx, vm, env)
	result, err := fn(goja.Undefined(), vm.ToValue(pcObj), vm.ToValue(env.PC.Params))
	if err != nil {
		return nil, toFault(err)
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return nil, nil
	}
	return result.Export(), nil
}

// watchInterrupt cancels the runtime when ctx ends
func watchInterrupt(ctx context.Context, vm *goja.Runtime) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt("time limit exceeded")
		case <-done:
		}
	}()
	return func() { close(done) }
}

// bindHost assembles the pc object handed to the entrypoint
func bindHost(ctx context.Context, vm *goja.Runtime, env Env) map[string]interface{} {
	p := env.PC
	tracker := env.Tracker

	obj := map[string]interface{}{
		"taskId":    p.TaskID,
		"data":      p.Data,
		"params":    p.Params,
		"inputDir":  p.InputDir,
		"inputFile": p.InputFile,
		"outputDir": p.OutputDir,
		"rootFile":  p.RootFile,
		"queue":     p.Queue,
		"retry":     p.Retry,

		// sleep pauses the script without burning a core; it returns early
		// when the task is cancelled and the interrupt fires right after
		"sleep": func(seconds float64) {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(seconds * float64(time.Second))):
			}
		},
	}

	if tracker != nil {
		obj["progress"] = map[string]interface{}{
			"setTotal": tracker.SetTotal,
			"next":     tracker.Next,
			"store":    tracker.Store,
			"output":   tracker.Output,
		}
	}

	if env.Launcher != nil {
		obj["subtask"] = func(call goja.FunctionCall) goja.Value {
			spec := specFromArgs(vm, call, p)
			id, err := env.Launcher.Subtask(ctx, spec)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(id)
		}
		obj["chain"] = func(call goja.FunctionCall) goja.Value {
			specs := specsFromArray(vm, call.Argument(0), p)
			id, err := env.Launcher.Chain(ctx, specs)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(id)
		}
		obj["group"] = func(call goja.FunctionCall) goja.Value {
			specs := specsFromArray(vm, call.Argument(0), p)
			groupID, ids, err := env.Launcher.Group(ctx, specs)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(map[string]interface{}{"groupId": groupID, "taskIds": ids})
		}
		obj["chord"] = func(call goja.FunctionCall) goja.Value {
			specs := specsFromArray(vm, call.Argument(0), p)
			body := specFromValue(vm, call.Argument(1), p)
			id, err := env.Launcher.Chord(ctx, specs, body)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(id)
		}
		obj["wait"] = func(call goja.FunctionCall) goja.Value {
			taskID := call.Argument(0).String()
			timeout := 0
			if len(call.Arguments) > 1 {
				timeout = int(call.Argument(1).ToInteger())
			}
			// watchers see which descendant the task is blocked on
			if tracker != nil {
				tracker.Next("Waiting for " + taskID)
			}
			result, err := env.Launcher.Wait(ctx, taskID, timeout)
			if err != nil {
				panic(vm.ToValue(err.Error()))
			}
			return vm.ToValue(result)
		}
	}
	return obj
}

// specFromArgs reads subtask(script, entrypoint, params?, queue?)
func specFromArgs(vm *goja.Runtime, call goja.FunctionCall, parent *pc.ProgramContext) SubtaskSpec {
	spec := SubtaskSpec{
		Script:     parent.Script,
		Entrypoint: "main",
		Queue:      parent.Queue,
	}
	if len(call.Arguments) > 0 {
		spec.Script = call.Argument(0).String()
	}
	if len(call.Arguments) > 1 {
		spec.Entrypoint = call.Argument(1).String()
	}
	if len(call.Arguments) > 2 {
		if m, ok := call.Argument(2).Export().(map[string]interface{}); ok {
			spec.Params = m
		}
	}
	if len(call.Arguments) > 3 {
		spec.Queue = call.Argument(3).String()
	}
	return spec
}

// specFromValue reads an object form {script, entrypoint, params, queue}
func specFromValue(vm *goja.Runtime, v goja.Value, parent *pc.ProgramContext) SubtaskSpec {
	spec := SubtaskSpec{
		Script:     parent.Script,
		Entrypoint: "main",
		Queue:      parent.Queue,
	}
	m, ok := v.Export().(map[string]interface{})
	if !ok {
		return spec
	}
	if s, ok := m["script"].(string); ok {
		spec.Script = s
	}
	if s, ok := m["entrypoint"].(string); ok {
		spec.Entrypoint = s
	}
	if p, ok := m["params"].(map[string]interface{}); ok {
		spec.Params = p
	}
	if s, ok := m["queue"].(string); ok {
		spec.Queue = s
	}
	if n, ok := m["time_limit"].(int64); ok {
		spec.TimeLimit = int(n)
	}
	return spec
}

func specsFromArray(vm *goja.Runtime, v goja.Value, parent *pc.ProgramContext) []SubtaskSpec {
	exported, ok := v.Export().([]interface{})
	if !ok {
		return nil
	}
	specs := make([]SubtaskSpec, 0, len(exported))
	for _, item := range exported {
		specs = append(specs, specFromValue(vm, vm.ToValue(item), parent))
	}
	return specs
}

// consoleObject routes script console output into the structured log
func consoleObject(script string) map[string]interface{} {
	logger := log.Logger.With().Str("script", script).Logger()
	join := func(call goja.FunctionCall) string {
		parts := make([]string, len(call.Arguments))
		for i, a := range call.Arguments {
			parts[i] = a.String()
		}
		return strings.Join(parts, " ")
	}
	return map[string]interface{}{
		"log":   func(call goja.FunctionCall) goja.Value { logger.Info().Msg(join(call)); return goja.Undefined() },
		"warn":  func(call goja.FunctionCall) goja.Value { logger.Warn().Msg(join(call)); return goja.Undefined() },
		"error": func(call goja.FunctionCall) goja.Value { logger.Error().Msg(join(call)); return goja.Undefined() },
	}
}

// toFault maps runtime errors onto the execution fault taxonomy
func toFault(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		return &types.TimeoutFault{}
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		fault := &types.UserFault{Type: "Error", Message: err.Error()}
		if obj, ok := ex.Value().(*goja.Object); ok {
			if name := obj.Get("name"); name != nil && !goja.IsUndefined(name) {
				fault.Type = name.String()
			}
			if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
				fault.Message = msg.String()
			}
		} else if ex.Value() != nil {
			fault.Message = ex.Value().String()
		}
		fault.Trace = strings.Split(ex.String(), "\n")
		return fault
	}
	return err
}
