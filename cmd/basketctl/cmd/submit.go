package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/basketsync/internal/jobs"
	"github.com/austindbirch/basketsync/internal/logging"
	"github.com/austindbirch/basketsync/internal/news"
)

// knownJobs lists the jobs a worker registers
func knownJobs() []string {
	reg := jobs.NewRegistry()
	news.NewTasks(news.Deps{Logger: logging.NewWithWriter("basketctl", io.Discard)}).Register(reg)
	return reg.Names()
}

// submitJob validates and publishes one raw job
func submitJob(ctx context.Context, sub jobs.Submitter, name, args string) error {
	found := false
	for _, known := range knownJobs() {
		if known == name {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("unknown job %q (see 'basketctl jobs')", name)
	}
	if args == "" {
		args = "{}"
	}
	if !json.Valid([]byte(args)) {
		return fmt.Errorf("args for %s are not valid JSON", name)
	}
	return sub.Submit(ctx, name, json.RawMessage(args))
}

// withSubmitter runs fn with a connected submitter
func withSubmitter(cmd *cobra.Command, fn func(ctx context.Context, sub jobs.Submitter) error) error {
	sub, release, err := newSubmitter()
	if err != nil {
		return fmt.Errorf("failed to connect to nsqd: %w", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()
	return fn(ctx, sub)
}

// submitCmd represents the submit command
var submitCmd = &cobra.Command{
	Use:   "submit [job] [args-json]",
	Short: "Submit a job",
	Long: `Publish a job to the jobs topic for the workers to run.

Examples:
  basketctl submit news.confirm_user '{"token":"0ad8c1d5-..."}'
  basketctl submit news.send_recovery_message '{"email":"user@example.com"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw := ""
		if len(args) == 2 {
			raw = args[1]
		}
		err := withSubmitter(cmd, func(ctx context.Context, sub jobs.Submitter) error {
			return submitJob(ctx, sub, args[0], raw)
		})
		if err != nil {
			return err
		}
		printOutput(cmd.OutOrStdout(), map[string]string{"submitted": args[0]})
		return nil
	},
}

// jobsCmd represents the jobs command
var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List the jobs workers run",
	Run: func(cmd *cobra.Command, args []string) {
		names := knownJobs()
		if outputJSON {
			printOutput(cmd.OutOrStdout(), names)
			return
		}
		for _, name := range names {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
	},
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(jobsCmd)
}
