package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/client"
	"github.com/pixyz/scheduler/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	apiURL string
	apiKey string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pixyz-client",
	Short: "Submit and track jobs on a pixyz-scheduler cluster",
	Long: `pixyz-client talks to the scheduler's HTTP facade: submit a named
process or a custom script, follow its progress and fetch its outputs.

The target defaults to PIXYZ_API_URL and PIXYZ_API_KEY from the environment.`,
	Version: Version,
	PersistentPreRun: func(*cobra.Command, []string) {
		log.Init(log.Config{Level: log.WarnLevel})
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"pixyz-client version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&apiURL, "url", envOr("PIXYZ_API_URL", "http://localhost:8001"),
		"scheduler api base url")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("PIXYZ_API_KEY"),
		"api key sent as x-api-key")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(processCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(outputsCmd)
}

func apiClient() *client.Client {
	return client.New(apiURL, apiKey)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
