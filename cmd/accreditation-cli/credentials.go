package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/internal/models"
)

func credentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect and maintain generated credentials",
	}
	cmd.AddCommand(credentialStatusCmd())
	cmd.AddCommand(credentialRegenerateCmd())
	cmd.AddCommand(credentialRegenerateFailedCmd())
	cmd.AddCommand(credentialExpireEventCmd())
	cmd.AddCommand(credentialCleanupCmd())
	return cmd
}

func credentialStatusCmd() *cobra.Command {
	var eventID, output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Count credentials per generation status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			switch output {
			case "text", "json", "csv":
			default:
				return fmt.Errorf("unsupported output %q, use text, json or csv", output)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				report, err := a.Credentials.StatusReport(ctx, actor, eventID)
				if err != nil {
					return err
				}
				return writeStatusReport(cmd.OutOrStdout(), report, output)
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "restrict to one event")
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text, json or csv")
	return cmd
}

func credentialRegenerateCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "regenerate <credential_id>",
		Short: "Reset a credential and schedule it for rendering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				resp, err := a.Credentials.Regenerate(ctx, actor, args[0], force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "credential %s scheduled (status %s)\n", resp.ID, resp.Status)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "regenerate even when the credential is ready")
	return cmd
}

func credentialRegenerateFailedCmd() *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "regenerate-failed",
		Short: "Reschedule every failed credential still under the retry limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				result, err := a.Credentials.RegenerateFailed(ctx, actor, eventID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "scheduled %d, skipped %d\n", result.Scheduled, result.Skipped)
				for _, msg := range result.Errors {
					fmt.Fprintf(out, "ERROR %s\n", msg)
				}
				if len(result.Errors) > 0 {
					return errRunFailed
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&eventID, "event", "", "restrict to one event")
	return cmd
}

func credentialExpireEventCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-event <event_id>",
		Short: "Mark every credential of a finished event as expired",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				result, err := a.Credentials.ExpireEvent(ctx, actor, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "expired %d credential(s) of event %s\n", result.Expired, result.EventID)
				return nil
			})
		},
	}
}

func credentialCleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove orphaned credentials and exhausted failures with their files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App, actor models.Actor) error {
				result, err := a.Credentials.Cleanup(ctx, actor)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "orphaned %d, failed purged %d, files deleted %d\n",
					result.Orphaned, result.FailedPurged, result.FilesDeleted)
				return nil
			})
		},
	}
}
