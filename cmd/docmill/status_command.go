package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"docmill/internal/config"
	"docmill/internal/queue"
)

func newStatusCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show pipeline health or one job's detail",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				if len(args) == 1 {
					return printJobDetail(cmd, store, args[0])
				}
				return printOverview(cmd, store)
			})
		},
	}
}

func printOverview(cmd *cobra.Command, store *queue.Store) error {
	summary, err := store.Health(cmd.Context())
	if err != nil {
		return err
	}
	depths, err := store.QueueDepths(cmd.Context())
	if err != nil {
		return err
	}
	stopped, err := store.HasFlag(cmd.Context(), queue.EmergencyStopFlag)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if stopped {
		fmt.Fprintln(out, "EMERGENCY STOP ENGAGED: workers are not claiming new jobs")
	}
	rows := [][]string{
		{"queued", strconv.Itoa(summary.Queued)},
		{"processing", strconv.Itoa(summary.Processing)},
		{"retrying", strconv.Itoa(summary.Retrying)},
		{"completed", strconv.Itoa(summary.Completed)},
		{"failed", strconv.Itoa(summary.Failed)},
		{"cancelled", strconv.Itoa(summary.Cancelled)},
	}
	fmt.Fprintln(out, renderTable([]string{"Status", "Jobs"}, rows, 1))

	laneRows := make([][]string, 0, 3)
	for _, lane := range []queue.Lane{queue.LaneHigh, queue.LaneDefault, queue.LaneLow} {
		laneRows = append(laneRows, []string{string(lane), strconv.Itoa(depths[lane])})
	}
	fmt.Fprintln(out, renderTable([]string{"Lane", "Waiting"}, laneRows, 1))
	return nil
}

func printJobDetail(cmd *cobra.Command, store *queue.Store, jobID string) error {
	job, err := store.GetJob(cmd.Context(), jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return fmt.Errorf("job %s not found", jobID)
	}

	out := cmd.OutOrStdout()
	rows := [][]string{
		{"ID", job.ID},
		{"Status", string(job.Status)},
		{"Lane", string(job.Lane)},
		{"Filename", job.Filename},
		{"Size", strconv.FormatInt(job.SizeBytes, 10)},
		{"Progress", fmt.Sprintf("%s %.0f%%", job.ProgressStage, job.ProgressPercent)},
		{"Created", job.CreatedAt.Format("2006-01-02 15:04:05")},
		{"Updated", job.UpdatedAt.Format("2006-01-02 15:04:05")},
	}
	if job.DedupOf != "" {
		rows = append(rows, []string{"Duplicate of", job.DedupOf})
	}
	if job.ErrorKind != "" {
		rows = append(rows, []string{"Error", job.ErrorKind + ": " + job.ErrorSummary})
	}
	if job.ExportKey != "" {
		rows = append(rows, []string{"Export", job.Bucket + "/" + job.ExportKey})
	}
	fmt.Fprintln(out, renderTable([]string{"Field", "Value"}, rows))
	return nil
}
