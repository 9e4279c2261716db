package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, job consumer, presence reporter and HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	deps, err := bootstrap.NewCommandDeps(configPath(), debug)
	if err != nil {
		return err
	}
	return bootstrap.Serve(ctx, deps)
}
