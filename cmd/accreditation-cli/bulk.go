package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/internal/dto"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/pkg/config"
)

func bulkApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bulk-approve <area_id>",
		Short: "Submit, approve, generate and batch every pending request of an area",
		Long: `Walks each active provider of the area (or the given request ids) through submission,
chunked approval, credential generation and print batch creation.

Without --skip-errors the first failure stops the run and the command exits 1.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, _ := cmd.Flags().GetString("output")
			if output != "json" && output != "text" {
				return fmt.Errorf("unsupported output %q, use json or text", output)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				opts, err := bulkOptions(cmd.Flags(), a.Config.Bulk, args[0])
				if err != nil {
					return err
				}
				summary, err := a.Bulk.Run(ctx, actor, opts)
				if err != nil {
					return err
				}
				if err := writeBulkSummary(cmd.OutOrStdout(), summary, output); err != nil {
					return err
				}
				if summary.Aborted || (summary.HasErrors() && !opts.SkipErrors) {
					return errRunFailed
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.Int("batch-size", 100, "requests approved per chunk")
	flags.Duration("wait-time", 10*time.Second, "pause between chunks and between units")
	flags.Duration("max-wait", 300*time.Second, "longest wait for credentials before batching what is ready")
	flags.Duration("poll-interval", 5*time.Second, "credential readiness poll interval")
	flags.Bool("no-wait-credentials", false, "skip waiting for credential generation")
	flags.Bool("dry-run", false, "report what would happen without writing")
	flags.Bool("skip-errors", false, "record failures and keep going")
	flags.Int("concurrency", 1, "units processed in parallel")
	flags.StringSlice("provider", nil, "restrict to these provider ids")
	flags.StringSlice("request-ids", nil, "process only these request ids")
	flags.StringP("output", "o", "text", "output format: json or text")
	return cmd
}

// bulkOptions merges explicit flags over configured defaults.
func bulkOptions(flags *pflag.FlagSet, defaults config.BulkConfig, areaID string) (dto.BulkOptions, error) {
	opts := dto.BulkOptions{
		AreaID:       areaID,
		BatchSize:    defaults.BatchSize,
		WaitTime:     defaults.WaitTime,
		MaxWait:      defaults.MaxWait,
		PollInterval: defaults.PollInterval,
		Concurrency:  1,
	}
	var err error
	intFlag := func(name string, dst *int) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetInt(name)
		}
	}
	durationFlag := func(name string, dst *time.Duration) {
		if err == nil && flags.Changed(name) {
			*dst, err = flags.GetDuration(name)
		}
	}
	intFlag("batch-size", &opts.BatchSize)
	intFlag("concurrency", &opts.Concurrency)
	durationFlag("wait-time", &opts.WaitTime)
	durationFlag("max-wait", &opts.MaxWait)
	durationFlag("poll-interval", &opts.PollInterval)
	if err != nil {
		return opts, err
	}
	if opts.NoWaitCredentials, err = flags.GetBool("no-wait-credentials"); err != nil {
		return opts, err
	}
	if opts.DryRun, err = flags.GetBool("dry-run"); err != nil {
		return opts, err
	}
	if opts.SkipErrors, err = flags.GetBool("skip-errors"); err != nil {
		return opts, err
	}
	if opts.ProviderIDs, err = flags.GetStringSlice("provider"); err != nil {
		return opts, err
	}
	if opts.RequestIDs, err = flags.GetStringSlice("request-ids"); err != nil {
		return opts, err
	}
	return opts, nil
}
