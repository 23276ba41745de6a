package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/noah-isme/accreditation-api/pkg/config"
	"github.com/noah-isme/accreditation-api/pkg/database"
	"github.com/noah-isme/accreditation-api/pkg/migrate"
)

var migrateCommands = map[string]bool{
	"up":        true,
	"up-by-one": true,
	"down":      true,
	"redo":      true,
	"status":    true,
	"version":   true,
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|up-by-one|down|redo|status|version>",
		Short: "Apply or inspect the embedded database migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := args[0]
			if !migrateCommands[command] {
				return fmt.Errorf("unknown migrate command %q", command)
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			db, err := database.NewPostgres(cfg.Database)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer db.Close() //nolint:errcheck
			return migrate.Run(cmd.Context(), db.DB, command)
		},
	}
}
