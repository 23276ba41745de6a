package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/noah-isme/accreditation-api/internal/app"
	"github.com/noah-isme/accreditation-api/internal/models"
	"github.com/noah-isme/accreditation-api/pkg/config"
	"github.com/noah-isme/accreditation-api/pkg/logger"
)

var Version = "dev"

// errRunFailed signals a completed command whose result must produce a non-zero exit code.
var errRunFailed = errors.New("run finished with errors")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "accreditation",
		Short:         "Operator tooling for accreditation requests, credentials and print batches",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("actor", "cli", "actor id recorded on transitions")

	rootCmd.AddCommand(bulkApproveCmd())
	rootCmd.AddCommand(credentialsCmd())
	rootCmd.AddCommand(batchesCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errRunFailed) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// withApp loads configuration, builds the application graph and runs fn as the system actor.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App, actor models.Actor) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	ctx := cmd.Context()
	a, err := app.New(ctx, cfg, logr)
	if err != nil {
		return err
	}
	defer a.Close() //nolint:errcheck

	// Inline mode has no separate worker, so this process renders what it schedules.
	a.StartJobs(ctx)

	actorID, _ := cmd.Flags().GetString("actor")
	return fn(ctx, a, models.SystemActor(actorID))
}
