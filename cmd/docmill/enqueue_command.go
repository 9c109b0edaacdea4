package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"docmill/internal/admission"
	"docmill/internal/artifacts"
	"docmill/internal/audit"
	"docmill/internal/config"
	"docmill/internal/costs"
	"docmill/internal/logging"
	"docmill/internal/queue"
)

func newEnqueueCommand(cctx *commandContext) *cobra.Command {
	var laneFlag string
	var actorFlag string

	cmd := &cobra.Command{
		Use:   "enqueue <file>",
		Short: "Submit a document for processing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ExpandPath(args[0])
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}

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

				ledger := costs.NewLedger(cfg, store.DB(), logger)
				gate := admission.NewGate(cfg, store, artifactStore, auditor, ledger, nil, logger)

				result, err := gate.Admit(cmd.Context(), admission.Request{
					Content:  content,
					Filename: filepath.Base(path),
					ActorID:  actorFlag,
					Priority: queue.ParseLane(laneFlag),
				})
				if err != nil {
					return err
				}
				if result.Deduplicated {
					fmt.Fprintf(cmd.OutOrStdout(), "Duplicate of job %s; admitted as completed job %s\n", result.DedupOf, result.JobID)
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Enqueued job %s on lane %s\n", result.JobID, result.Lane)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&laneFlag, "lane", "default", "Priority lane: high, default, or low")
	cmd.Flags().StringVar(&actorFlag, "actor", "", "Actor identifier recorded on the job")
	return cmd
}
