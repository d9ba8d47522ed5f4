package commands

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newDropCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "drop <app>",
		Short: "Revert an application and clear its state",
		Long: `Revert every tracked target state of an application, deepest
components first, then remove its memo entries, tracking records, and
component registry from the state database.`,
		Example: `  # Drop the docs application
  weft drop docs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			name := args[0]

			store, err := openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			app, err := newApp(name, 0, store)
			if err != nil {
				return err
			}

			log.Info().Str("app", name).Msg("Dropping application")
			return app.Drop(ctx)
		},
	}
	return cmd
}
