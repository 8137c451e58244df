package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixyz/scheduler/pkg/client"
)

var statusCmd = &cobra.Command{
	Use:   "status JOB_ID",
	Short: "Show the state of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		jobID := args[0]

		if submitWatch || submitBatch {
			return watchJob(cmd.Context(), c, jobID)
		}

		if details, _ := cmd.Flags().GetBool("details"); details {
			d, err := c.Details(cmd.Context(), jobID)
			if err != nil {
				return err
			}
			return printJSON(d)
		}

		state, err := c.State(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		return printJSON(state)
	},
}

var outputsCmd = &cobra.Command{
	Use:   "outputs JOB_ID [FILE]",
	Short: "List a job's outputs, download one, or fetch the packaged archive",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := apiClient()
		jobID := args[0]

		if format, _ := cmd.Flags().GetString("archive"); format != "" {
			return downloadArchive(cmd, c, jobID, format)
		}

		if len(args) == 2 {
			return downloadOutput(cmd, c, jobID, args[1])
		}

		names, err := c.Outputs(cmd.Context(), jobID)
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().Bool("details", false, "print timing, steps and result payload")
	addWatchFlags(statusCmd)

	outputsCmd.Flags().String("archive", "", "download the packaged outputs in this format (zip, tar, gztar)")
	outputsCmd.Flags().StringP("out", "o", "", "destination path (defaults to the remote file name)")
}

func downloadOutput(cmd *cobra.Command, c *client.Client, jobID, name string) error {
	dst, _ := cmd.Flags().GetString("out")
	if dst == "" {
		dst = filepath.Base(name)
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := c.Download(cmd.Context(), jobID, name, f)
	if err != nil {
		os.Remove(dst)
		return err
	}
	fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", dst, n)
	return nil
}

// downloadArchive polls through the packaging protocol: the server answers
// too-early until the archive is built
func downloadArchive(cmd *cobra.Command, c *client.Client, jobID, format string) error {
	dst, _ := cmd.Flags().GetString("out")
	if dst == "" {
		dst = jobID + "." + format
	}
	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer f.Close()

	for {
		n, err := c.Archive(cmd.Context(), jobID, format, f)
		if err == nil {
			fmt.Fprintf(os.Stderr, "wrote %s (%d bytes)\n", dst, n)
			return nil
		}
		if !errors.Is(err, client.ErrTooEarly) {
			os.Remove(dst)
			return err
		}
		fmt.Fprintln(os.Stderr, "packaging in progress...")
		select {
		case <-cmd.Context().Done():
			os.Remove(dst)
			return cmd.Context().Err()
		case <-time.After(2 * time.Second):
		}
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
