package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/client"
	"github.com/pixyz/scheduler/pkg/types"
)

var (
	submitName   string
	submitInput  string
	submitParams string
	submitConfig string
	submitWatch  bool
	submitBatch  bool
	watchPoll    time.Duration
)

var execCmd = &cobra.Command{
	Use:   "exec SCRIPT",
	Short: "Submit a custom script",
	Long: `Upload SCRIPT and run it as a job. With --watch the command follows
the job until it finishes; with --batch it additionally exits with the
status code contract (0 success, 10 failure, 11 revoked, ...).`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return submit(cmd.Context(), client.Submission{
			Process:    "custom",
			ScriptPath: args[0],
		})
	},
}

var processCmd = &cobra.Command{
	Use:   "process [NAME]",
	Short: "List server-side processes, or submit one by name",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		if len(args) == 0 {
			names, err := c.Processes(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		}

		if showDoc, _ := cmd.Flags().GetBool("doc"); showDoc {
			doc, err := c.ProcessDoc(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Println(doc)
			return nil
		}

		return submit(cmd.Context(), client.Submission{Process: args[0]})
	},
}

func init() {
	for _, cmd := range []*cobra.Command{execCmd, processCmd} {
		cmd.Flags().StringVar(&submitName, "name", "", "display name for the job")
		cmd.Flags().StringVar(&submitInput, "file", "", "input file to upload (scene or archive)")
		cmd.Flags().StringVar(&submitParams, "params", "", "JSON object passed to the entrypoint")
		cmd.Flags().StringVar(&submitConfig, "config", "", "JSON object of job config overrides")
		addWatchFlags(cmd)
	}
	processCmd.Flags().Bool("doc", false, "print the process documentation instead of running it")
}

func addWatchFlags(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&submitWatch, "watch", false, "follow the job until it finishes")
	cmd.Flags().BoolVar(&submitBatch, "batch", false, "exit with the job's status code (implies --watch)")
	cmd.Flags().DurationVar(&watchPoll, "poll", time.Second, "poll interval while watching")
}

func submit(ctx context.Context, sub client.Submission) error {
	var err error
	if sub.Params, err = parseJSONFlag(submitParams); err != nil {
		return fmt.Errorf("invalid --params: %w", err)
	}
	if sub.Config, err = parseJSONFlag(submitConfig); err != nil {
		return fmt.Errorf("invalid --config: %w", err)
	}
	sub.Name = submitName
	sub.InputPath = submitInput

	c := apiClient()
	out, err := c.Submit(ctx, sub)
	if err != nil {
		return err
	}
	fmt.Println(out.UUID)

	if !submitWatch && !submitBatch {
		return nil
	}
	return watchJob(ctx, c, out.UUID)
}

// watchJob follows the job, printing transitions, and applies the batch
// exit-code contract when requested
func watchJob(ctx context.Context, c *client.Client, jobID string) error {
	final, err := c.Watch(ctx, jobID, watchPoll, func(s types.JobState) {
		fmt.Fprintf(os.Stderr, "%s %3d%% %s\n", s.Status, s.Progress, s.Error)
	})
	if err != nil {
		return err
	}
	if final.Status != types.StatusSuccess && final.Error != "" {
		fmt.Fprintln(os.Stderr, final.Error)
	}
	if submitBatch {
		os.Exit(client.ExitCode(final.Status))
	}
	return nil
}

func parseJSONFlag(raw string) (map[string]interface{}, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return m, nil
}
