package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"docmill/internal/config"
	"docmill/internal/queue"
)

func newQueueCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and manage queued jobs",
	}
	cmd.AddCommand(newQueueListCommand(cctx))
	cmd.AddCommand(newQueueRetryCommand(cctx))
	return cmd
}

func newQueueListCommand(cctx *commandContext) *cobra.Command {
	var statusFlag string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, optionally filtered by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				var statuses []queue.Status
				if statusFlag != "" {
					status, ok := queue.ParseStatus(statusFlag)
					if !ok {
						return fmt.Errorf("unknown status %q", statusFlag)
					}
					statuses = append(statuses, status)
				}
				jobs, err := store.ListJobs(cmd.Context(), statuses...)
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs.")
					return nil
				}
				rows := make([][]string, 0, len(jobs))
				for _, job := range jobs {
					rows = append(rows, []string{
						job.ID,
						string(job.Status),
						string(job.Lane),
						job.Filename,
						strconv.FormatInt(job.SizeBytes, 10),
						job.CreatedAt.Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Status", "Lane", "Filename", "Bytes", "Created"}, rows, 4))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&statusFlag, "status", "", "Filter by status (queued, processing, retrying, completed, failed, cancelled)")
	return cmd
}

func newQueueRetryCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id> [job-id...]",
		Short: "Requeue failed jobs",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				for _, jobID := range args {
					job, err := store.GetJob(cmd.Context(), jobID)
					if err != nil {
						return err
					}
					if job == nil {
						return fmt.Errorf("job %s not found", jobID)
					}
					if job.Status != queue.StatusFailed {
						return fmt.Errorf("job %s is %s, only failed jobs can be retried", jobID, job.Status)
					}
					ok, err := store.TransitionStatus(cmd.Context(), jobID, queue.StatusFailed, queue.StatusQueued)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("job %s changed state concurrently", jobID)
					}
					if _, err := store.Enqueue(cmd.Context(), jobID, job.Lane); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %s on lane %s\n", jobID, job.Lane)
				}
				return nil
			})
		},
	}
}
