package cmd

import (
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show the status of a manual job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deps, err := bootstrap.NewUncheckedCommandDeps(configPath(), debug)
			if err != nil {
				return err
			}

			job, err := bootstrap.JobStatus(cmd.Context(), deps, args[0])
			if err != nil {
				return err
			}
			renderJob(cmd.OutOrStdout(), job)
			return nil
		},
	}
}

func renderJob(out io.Writer, job domain.Job) {
	messages := "-"
	if job.MessagesIngested != nil {
		messages = strconv.Itoa(*job.MessagesIngested)
	}
	channel := job.SourceID
	if channel == "" {
		channel = "all"
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendRows([]table.Row{
		{"Job", job.ID},
		{"Status", string(job.Status)},
		{"Triggered By", job.TriggeredBy},
		{"Channel", channel},
		{"Queued", formatTime(job.QueuedAt)},
		{"Started", formatTime(job.StartedAt)},
		{"Completed", formatTime(job.CompletedAt)},
		{"Messages", messages},
		{"Failed Channels", strings.Join(job.FailedSources, ", ")},
		{"Error", job.Error},
	})
	t.Render()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}
