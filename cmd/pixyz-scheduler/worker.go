package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/config"
	"github.com/pixyz/scheduler/pkg/executor"
	"github.com/pixyz/scheduler/pkg/log"
	"github.com/pixyz/scheduler/pkg/metrics"
	"github.com/pixyz/scheduler/pkg/orchestration"
	"github.com/pixyz/scheduler/pkg/runner"
	"github.com/pixyz/scheduler/pkg/script"
	"github.com/pixyz/scheduler/pkg/session"
	"github.com/pixyz/scheduler/pkg/share"
	"github.com/pixyz/scheduler/pkg/worker"
)

// exitLicenseUnavailable lets orchestrators tell a license outage apart
// from a crash and hold off restarting the pod
const exitLicenseUnavailable = 100

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a queue worker",
	Long: `Consume deliveries from the configured queues (QUEUE_NAME) and execute
them. Compute queues run scripts in re-executed child processes; archive and
maintenance queues run packaging and cleanup in-process.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()

		store, err := share.NewStore(cfg.ShareDir)
		if err != nil {
			return fmt.Errorf("failed to open share: %w", err)
		}
		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		be, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		execPath, err := os.Executable()
		if err != nil {
			return fmt.Errorf("cannot locate own binary for child re-exec: %w", err)
		}

		se := session.New(session.NopEngine{}, session.LicenseConfig{
			Host:           cfg.LicenseHost,
			Port:           cfg.LicensePort,
			FlexLM:         cfg.LicenseFlexLM,
			AcquireAtStart: cfg.LicenseAcquireAtStart,
		}, cfg.DisablePixyz)

		loader := script.NewLoader(cfg.ProcessDir)
		exec := executor.New(be, br, store, loader, runner.New(execPath, "exec-child"), se, executor.Config{
			TimeLimit:      cfg.TimeLimit,
			RetryTimeLimit: cfg.RetryTimeLimit,
			CleanupEnabled: cfg.CleanupEnabled,
			CleanupDelay:   cfg.CleanupDelay,
			MaxMemoryMB:    cfg.MaxMemoryMB,
			TmpDir:         os.TempDir(),
		})

		coord := orchestration.New(be, be, br)
		exec.SetFinisher(coord)
		exec.SetLauncherFactory(coord)

		collector := metrics.NewCollector(br, cfg.Queues)
		collector.Start()
		defer collector.Stop()

		w := worker.New(worker.Options{
			Queues:      cfg.Queues,
			Concurrency: cfg.Concurrency,
			PoolType:    cfg.PoolType,
			MaxTasks:    cfg.MaxTasksBeforeShutdown,
			TmpDir:      os.TempDir(),
		}, br, be, exec, se)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := w.Run(ctx); err != nil {
			if errors.Is(err, worker.ErrLicenseUnavailable) {
				log.Logger.Error().Err(err).Msg("no license seat available")
				os.Exit(exitLicenseUnavailable)
			}
			return err
		}
		return nil
	},
}

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Fail tasks whose worker died mid-run",
	Long: `Scan the temp directory for crash beacons left by workers that were
killed (OOM, segfault) and mark their tasks as failed so callers stop
waiting. Run this out of band, after the worker process is gone.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()

		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		be, err := openBackend(cfg)
		if err != nil {
			return err
		}
		defer be.Close()

		ids, err := worker.Recover(cmd.Context(), os.TempDir(), be, br)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			fmt.Println("no crashed tasks found")
			return nil
		}
		for _, id := range ids {
			fmt.Printf("recovered %s\n", id)
		}
		return nil
	},
}
