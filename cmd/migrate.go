package cmd

import (
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
)

func newMigrateCmd() *cobra.Command {
	var down int

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := bootstrap.NewUncheckedCommandDeps(configPath(), debug)
			if err != nil {
				return err
			}
			return bootstrap.Migrate(cmd.Context(), deps, down)
		},
	}

	cmd.Flags().IntVar(&down, "down", 0, "roll back this many migrations instead")
	return cmd
}
