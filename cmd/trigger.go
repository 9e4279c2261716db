package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
)

func newTriggerCmd() *cobra.Command {
	var (
		channelID   string
		triggeredBy string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Queue a manual ingestion job for the running service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := bootstrap.NewUncheckedCommandDeps(configPath(), debug)
			if err != nil {
				return err
			}

			job, err := bootstrap.Enqueue(cmd.Context(), deps, domain.JobRequest{
				TriggeredBy: triggeredBy,
				SourceID:    channelID,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), job.JobID)
			return nil
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "only ingest this channel id")
	cmd.Flags().StringVar(&triggeredBy, "by", "cli", "who triggered the job")
	return cmd
}
