package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"docmill/internal/config"
	"docmill/internal/queue"
)

func newDLQCommand(cctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive dead-lettered deliveries",
	}
	cmd.AddCommand(newDLQListCommand(cctx))
	cmd.AddCommand(newDLQRequeueCommand(cctx))
	return cmd
}

func newDLQListCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List dead-lettered deliveries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				letters, err := store.DeadLetters(cmd.Context())
				if err != nil {
					return err
				}
				if len(letters) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Dead-letter queue is empty.")
					return nil
				}
				rows := make([][]string, 0, len(letters))
				for _, dl := range letters {
					rows = append(rows, []string{
						strconv.FormatInt(dl.ID, 10),
						dl.JobID,
						string(dl.Lane),
						strconv.Itoa(dl.Attempt),
						dl.FailureKind,
						dl.FailureSummary,
						dl.DeadAt.Format("2006-01-02 15:04:05"),
					})
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderTable(
					[]string{"ID", "Job", "Lane", "Attempts", "Kind", "Summary", "Dead at"}, rows, 0, 3))
				return nil
			})
		},
	}
}

func newDLQRequeueCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "requeue <dead-letter-id>",
		Short: "Move a dead-lettered delivery back onto its lane",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid dead-letter id %q", args[0])
			}
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				msg, err := store.RequeueDeadLetter(cmd.Context(), id)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Requeued job %s on lane %s\n", msg.JobID, msg.Lane)
				return nil
			})
		},
	}
}
