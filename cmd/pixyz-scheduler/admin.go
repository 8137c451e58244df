package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/backend"
	"github.com/pixyz/scheduler/pkg/broker"
	"github.com/pixyz/scheduler/pkg/config"
	"github.com/pixyz/scheduler/pkg/types"
)

var adminCmd = &cobra.Command{
	Use:   "admin",
	Short: "Operational commands against the broker",
}

var adminPurgeCmd = &cobra.Command{
	Use:   "purge [queue ...]",
	Short: "Drop all pending deliveries from the given queues (default: all)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}

		queues := args
		if len(queues) == 0 {
			queues = broker.Queues()
		}
		for _, q := range queues {
			if !broker.ValidQueue(q) {
				return fmt.Errorf("unknown queue %q", q)
			}
		}

		var total int64
		for _, q := range queues {
			n, err := br.PurgeQueue(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", q, err)
			}
			fmt.Printf("%s: %d dropped\n", q, n)
			total += n
		}
		fmt.Printf("purged %d deliveries\n", total)
		return nil
	},
}

var adminRevokeCmd = &cobra.Command{
	Use:   "revoke TASK_ID",
	Short: "Revoke a task: queued deliveries are skipped, a running task is killed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]
		if !types.IsValidJobID(taskID) {
			return fmt.Errorf("invalid task id %q", taskID)
		}

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

		if err := br.Revoke(cmd.Context(), taskID); err != nil {
			return err
		}
		// a task that never reaches a worker still needs its record closed
		if meta, err := be.Get(cmd.Context(), taskID); err == nil && !meta.Status.Terminal() {
			_ = be.SetState(cmd.Context(), taskID, backend.Patch{Status: types.StatusRevoked})
		}
		fmt.Printf("revoked %s\n", taskID)
		return nil
	},
}

var adminInspectCmd = &cobra.Command{
	Use:   "inspect TASK_ID",
	Short: "Print the raw task meta record",
	Long: `Dump the stored record of a task as JSON. With --remote the record is
fetched from the facade of another cluster instead of the local backend.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		taskID := args[0]

		var be backend.Backend
		if remote, _ := cmd.Flags().GetString("remote"); remote != "" {
			apiKey, _ := cmd.Flags().GetString("api-key")
			be = backend.NewRemote(remote, apiKey)
		} else {
			local, err := openBackend(config.Load())
			if err != nil {
				return err
			}
			be = local
		}
		defer be.Close()

		meta, err := be.Get(cmd.Context(), taskID)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(meta)
	},
}

var adminShutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Broadcast a shutdown command to every worker",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		br, err := broker.New(cfg.RedisURL)
		if err != nil {
			return err
		}
		if err := br.Broadcast(cmd.Context(), broker.Command{Type: broker.CommandShutdown}); err != nil {
			return err
		}
		fmt.Println("shutdown broadcast sent")
		return nil
	},
}

func init() {
	adminCmd.AddCommand(adminPurgeCmd)
	adminCmd.AddCommand(adminRevokeCmd)
	adminCmd.AddCommand(adminInspectCmd)
	adminCmd.AddCommand(adminShutdownCmd)

	adminInspectCmd.Flags().String("remote", "", "facade base url of another cluster")
	adminInspectCmd.Flags().String("api-key", "", "api key for --remote")
}
