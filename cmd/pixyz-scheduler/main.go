package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	logLevel string
	logJSON  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pixyz-scheduler",
	Short: "Distributed 3D data processing scheduler",
	Long: `pixyz-scheduler runs user scripts against 3D scene data on a fleet of
workers coordinated through redis. One binary hosts every role: the HTTP
facade, the queue workers, crash recovery and the admin operations.`,
	Version: Version,
	PersistentPreRun: func(*cobra.Command, []string) {
		log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pixyz-scheduler version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "json-logs", false, "emit JSON log lines instead of console output")

	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(recoverCmd)
	rootCmd.AddCommand(execChildCmd)
	rootCmd.AddCommand(adminCmd)
}
