package cmd

import (
	"io"
	"strconv"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/bootstrap"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/domain"
	"github.com/jonesrussell/north-cloud/chat-ingestor/internal/runner"
)

func newIngestCmd() *cobra.Command {
	var channelID string

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest and index once, without waiting for a quiet period",
		Long: `Ingest new messages from every configured channel, or only --channel,
then rebuild the indexes of the guilds that received new messages. The
activity gate is not consulted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			deps, err := bootstrap.NewCommandDeps(configPath(), debug)
			if err != nil {
				return err
			}

			result, err := bootstrap.RunOnce(cmd.Context(), deps, channelID)
			renderResult(cmd.OutOrStdout(), result)
			return err
		},
	}

	cmd.Flags().StringVar(&channelID, "channel", "", "only ingest this channel id")
	return cmd
}

// renderResult prints one row per channel and, when indexing ran, one row per
// guild.
func renderResult(out io.Writer, result runner.Result) {
	if result.Report == nil {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Channel", "Guild", "New Messages", "Pages", "Status"})
	for _, res := range result.Report.Results {
		status := "ok"
		if res.Failed() {
			status = res.Err.Error()
		}
		t.AppendRow(table.Row{res.Source.ID, res.Source.GroupID, res.NewItems, res.Pages, status})
	}
	t.AppendFooter(table.Row{"", "Total", result.Total(), "", ""})
	t.Render()

	if len(result.Groups) == 0 {
		return
	}

	g := table.NewWriter()
	g.SetOutputMirror(out)
	g.SetStyle(table.StyleLight)
	g.AppendHeader(table.Row{"Guild", "Index", "Remote Job", "Duration"})
	for _, res := range result.Groups {
		g.AppendRow(table.Row{res.GroupID, groupLine(res), res.RemoteJobID, res.Duration.String()})
	}
	g.Render()
}

func groupLine(g domain.GroupResult) string {
	if g.Succeeded() {
		return "indexed (" + strconv.Itoa(g.ChunksCreated) + " chunks)"
	}
	if g.Err != nil {
		return "failed: " + g.Err.Error()
	}
	return "failed: " + g.Status
}
