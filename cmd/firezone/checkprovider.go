package main

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/firezone/firezone-sub015/internal/config"
	"github.com/firezone/firezone-sub015/internal/idp"
	"github.com/firezone/firezone-sub015/internal/logging"
	"github.com/firezone/firezone-sub015/internal/metrics"
	"github.com/firezone/firezone-sub015/internal/store"
	fzsync "github.com/firezone/firezone-sub015/internal/sync"
)

// checkProviderCmd probes a provider's directory credentials without
// mutating anything: useful when debugging a provider stuck in a sync
// error state.
func checkProviderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check-provider <provider-id>",
		Short: "Fetch a provider's directory and report what a sync would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			providerID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid provider id %q: %w", args[0], err)
			}

			settings, err := config.Load(envResolver())
			if err != nil {
				return err
			}
			logging.Init(logging.Config{
				Level:      logging.Level(settings.LogLevel),
				JSONOutput: settings.LogJSON,
			})

			st, err := store.Open(cmd.Context(), settings.DatabaseURL)
			if err != nil {
				return err
			}
			defer st.Close()

			provider, err := st.GetProvider(cmd.Context(), providerID)
			if err != nil {
				return err
			}

			orch := fzsync.NewOrchestrator(st, metrics.New())
			users, groups, err := orch.CheckProvider(cmd.Context(), provider)
			if err != nil {
				cls := idp.Classify(provider.Adapter, err)
				fmt.Printf("provider %s (%s): FAILED\n", provider.ID, provider.Adapter)
				fmt.Printf("  error: %s\n", cls.Message)
				if cls.ClientError {
					fmt.Println("  classification: client error (sync would disable the provider)")
				} else {
					fmt.Println("  classification: transient (sync would retry with backoff)")
				}
				return err
			}

			fmt.Printf("provider %s (%s): OK\n", provider.ID, provider.Adapter)
			fmt.Printf("  users:  %d\n", users)
			fmt.Printf("  groups: %d\n", groups)
			return nil
		},
	}
}
