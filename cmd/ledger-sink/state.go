package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/devblac/ledger-sink/internal/config"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the irreversible height and table sizes of the sink",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		return printState(cmd.Context(), cfg, log, cmd.OutOrStdout())
	},
}

func printState(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer) error {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	height, ok, err := store.MaxIrreversibleHeight(ctx)
	if err != nil {
		return fmt.Errorf("read irreversible height: %w", err)
	}
	counts, err := store.Counts(ctx)
	if err != nil {
		return fmt.Errorf("read counts: %w", err)
	}

	irreversible := "none"
	if ok {
		irreversible = fmt.Sprintf("%d", height)
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Metric", "Value"})
	t.AppendRows([]table.Row{
		{"sink", cfg.Sink.Driver},
		{"irreversible height", irreversible},
		{"blocks", counts.Blocks},
		{"irreversible blocks", counts.IrreversibleBlocks},
		{"transactions", counts.Transactions},
		{"actions", counts.Actions},
		{"pending transactions", counts.Pending},
		{"accounts", counts.Accounts},
		{"tokens", counts.Tokens},
		{"token movements", counts.TokenMovements},
	})
	t.Render()
	return nil
}
