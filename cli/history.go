package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mdrakiburrahman/kusto-pinger/collector"
)

func newHistoryCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <source>",
		Short: "Print the retained history of a source",
		Long: `Print every retained sample of a source, oldest first.

Examples:
  kusto-pinger history mycluster
  kusto-pinger history mycluster --json | jq .AccelerationPercentage`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := commandLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer log.Flush()

			store, err := openStore(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			history, err := store.History(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSONLines(cmd.OutOrStdout(), history)
			}
			if len(history) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "no samples for %q\n", args[0])
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), historyTable(history))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per sample")
	return cmd
}

func newSourcesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "List the sources present in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := commandLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer log.Flush()

			store, err := openStore(cfg, log.Logger)
			if err != nil {
				return err
			}
			defer store.Close()

			sources, err := store.Sources(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range sources {
				fmt.Fprintln(cmd.OutOrStdout(), s)
			}
			return nil
		},
	}
}

// historyTable renders the well-known columns of every sample.
func historyTable(history []collector.Sample) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("CAPTURED AT", "TABLE", "PENDING FILES", "ACCELERATION").
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if col >= 2 {
				s = s.Align(lipgloss.Right)
			}
			return s
		})
	for _, smp := range history {
		t.Row(
			smp.CapturedAt.UTC().Format(time.RFC3339),
			smp.Table(),
			humanize.Comma(smp.PendingFiles()),
			fmt.Sprintf("%.1f%%", smp.AccelerationPercent()),
		)
	}
	return t.String()
}

func writeJSONLines(w io.Writer, history []collector.Sample) error {
	enc := json.NewEncoder(w)
	for _, smp := range history {
		if err := enc.Encode(smp); err != nil {
			return err
		}
	}
	return nil
}
