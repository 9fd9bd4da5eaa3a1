package main

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/firezone/firezone-sub015/internal/config"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "firezone",
		Short:         "Firezone control plane: directory sync, WAL event bus, and presence",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// Missing .env is the common case outside development.
			_ = godotenv.Load()
		},
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(checkProviderCmd())
	return cmd
}

// envResolver resolves configuration from the process environment only,
// for commands that run before (or without) a database connection.
func envResolver() *config.Resolver {
	return config.NewResolver(config.Keys(), os.LookupEnv, nil)
}
