package main

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

func migrateCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(*cobra.Command, []string) error {
			r := envResolver()
			databaseURL, err := r.String("database_url")
			if err != nil {
				return err
			}
			mig, err := migrate.New(source, databaseURL)
			if err != nil {
				return fmt.Errorf("open migrations: %w", err)
			}
			defer mig.Close()

			if err := mig.Up(); err != nil {
				if errors.Is(err, migrate.ErrNoChange) {
					fmt.Println("database is up to date")
					return nil
				}
				return fmt.Errorf("apply migrations: %w", err)
			}
			fmt.Println("migrations applied")
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", "file://migrations", "migration source URL")
	return cmd
}
