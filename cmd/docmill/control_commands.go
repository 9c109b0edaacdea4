package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/cancel"
	"docmill/internal/config"
	"docmill/internal/deletion"
	"docmill/internal/logging"
	"docmill/internal/queue"
)

func newCancelCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Request cooperative cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				jobID := args[0]
				job, err := store.GetJob(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if job == nil {
					return fmt.Errorf("job %s not found", jobID)
				}
				if !job.IsActive() {
					return fmt.Errorf("job %s is already %s", jobID, job.Status)
				}
				flagged, err := store.RequestCancel(cmd.Context(), jobID)
				if err != nil {
					return err
				}
				if !flagged {
					fmt.Fprintf(cmd.OutOrStdout(), "Job %s reached a terminal state first\n", jobID)
					return nil
				}
				// Queued jobs have no worker to observe the flag; fold them
				// immediately.
				if job.Status == queue.StatusQueued {
					if _, err := store.MarkCancelled(cmd.Context(), jobID); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cancellation requested for job %s\n", jobID)
				return nil
			})
		},
	}
}

func newDeleteCommand(cctx *commandContext) *cobra.Command {
	var actorFlag string

	cmd := &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Request deletion of a job's stored artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				artifactStore, err := artifacts.NewFilesystemStore(cfg.Paths.ArtifactDir)
				if err != nil {
					return err
				}
				logger := logging.NewNop()
				auditor := audit.NewBatcher(cfg, audit.NewStore(store.DB()), nil, logger)
				if err := auditor.Start(cmd.Context()); err != nil {
					return err
				}
				defer auditor.Stop(context.WithoutCancel(cmd.Context()))

				workflow := deletion.NewWorkflow(cfg, store, artifactStore, auditor, logger)
				manifest, err := workflow.Request(cmd.Context(), args[0], actorFlag)
				if err != nil {
					return err
				}
				workflow.Wait()

				final, ok, err := workflow.Manifest(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ok {
					manifest = final
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deletion %s: %d artifact(s) in manifest\n", manifest.Status, len(manifest.Locators))
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&actorFlag, "actor", "", "Actor identifier recorded on the deletion request")
	return cmd
}

func newStopCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Engage the emergency stop; workers finish their checkpoint and halt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				handle := cancel.NewStoreChecker(store)
				if err := handle.Engage(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Emergency stop engaged")
				return nil
			})
		},
	}
}

func newResumeCommand(cctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Release the emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				handle := cancel.NewStoreChecker(store)
				if err := handle.Release(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Emergency stop released")
				return nil
			})
		},
	}
}
