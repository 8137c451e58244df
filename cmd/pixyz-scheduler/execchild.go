package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/config"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/orchestration"
	"github.com/pixyz/scheduler/pkg/pc"
	"github.com/pixyz/scheduler/pkg/runner"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/types"
)

// execChildCmd is the worker's re-exec entry point. The parent writes a
// start frame on stdin and reads progress/result frames from stdout; users
// never invoke it directly.
var execChildCmd = &cobra.Command{
	Use:    "exec-child",
	Hidden: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		return runner.ChildMain(cmd.Context(), os.Stdin, os.Stdout, childLaunchers(cfg))
	},
}

// childLaunchers wires the subtask bindings against the broker. A child that
// cannot reach redis still runs its script; subtask calls then fail inside
// the script instead of aborting the whole task.
func childLaunchers(cfg *config.Config) runner.LauncherFn {
	br, err := broker.New(cfg.RedisURL)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("subtask dispatch unavailable")
		return nil
	}
	be, err := openBackend(cfg)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("subtask dispatch unavailable")
		return nil
	}
	coord := orchestration.New(be, be, br)

	return func(p *pc.ProgramContext) script.Launcher {
		parent := &types.Delivery{
			ID:      p.TaskID,
			Task:    types.TaskExecute,
			Queue:   p.Queue,
			Retries: p.Retry,
		}
		return coord.ForTask(parent, p)
	}
}
