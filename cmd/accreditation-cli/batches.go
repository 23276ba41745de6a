package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
)

func batchesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batches",
		Short: "Queue and maintain print batches",
	}
	cmd.AddCommand(batchQueueCmd())
	cmd.AddCommand(batchProcessingCmd())
	cmd.AddCommand(batchRetryCmd())
	cmd.AddCommand(batchCleanupCmd())
	return cmd
}

func batchQueueCmd() *cobra.Command {
	var (
		eventID     string
		areaIDs     []string
		providerIDs []string
		reprint     bool
	)
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Create a print batch from ready credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				onlyUnprinted := !reprint
				batch, err := a.Batches.QueueBatch(ctx, actor, dto.PrintFiltersRequest{
					EventID:       eventID,
					AreaIDs:       areaIDs,
					ProviderIDs:   providerIDs,
					OnlyUnprinted: &onlyUnprinted,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "batch %s queued with %d credential(s)\n", batch.ID, batch.CredentialCount)
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&eventID, "event", "", "event id (required)")
	flags.StringSliceVar(&areaIDs, "area", nil, "restrict to these area ids")
	flags.StringSliceVar(&providerIDs, "provider", nil, "restrict to these provider ids")
	flags.BoolVar(&reprint, "reprint", false, "include credentials of archived batches")
	_ = cmd.MarkFlagRequired("event")
	return cmd
}

func batchProcessingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "processing",
		Short: "List batches that are queued or rendering",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				batches, err := a.Batches.GetProcessingBatches(ctx, actor)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), batches)
			})
		},
	}
}

func batchRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <batch_id>",
		Short: "Requeue a failed print batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				batch, err := a.Batches.RetryBatch(ctx, actor, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "batch %s requeued (status %s)\n", batch.ID, batch.Status)
				return nil
			})
		},
	}
}

func batchCleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Archive old batches and delete their PDFs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				result, err := a.Batches.CleanupOldBatches(ctx, actor, days)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "archived %d batch(es), deleted %d file(s), processed %d\n",
					result.ArchivedBatches, result.CleanedFiles, result.TotalProcessed)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 90, "archive batches older than this many days")
	return cmd
}
