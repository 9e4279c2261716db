// Package cmd implements the chat-ingestor command line.
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/config"
)

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// debug enables debug logging for all commands.
	debug bool

	rootCmd = &cobra.Command{
		Use:   "chat-ingestor",
		Short: "Ingests Discord channels into Postgres and triggers index rebuilds",
		Long: `chat-ingestor copies new messages from configured Discord channels into
Postgres on a schedule, once the channels have been quiet for a while, and
asks the indexing service to rebuild the affected guild indexes. Manual runs
can be queued through Redis.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
)

// Execute runs the root command.
func Execute() error {
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is $CONFIG_PATH or ./config.yml)",
	)
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(),
		newIngestCmd(),
		newTriggerCmd(),
		newStatusCmd(),
		newMigrateCmd(),
		newVersionCmd(),
	)
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.GetConfigPath("config.yml")
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", bootstrap.ServiceName, bootstrap.Version)
		},
	}
}
