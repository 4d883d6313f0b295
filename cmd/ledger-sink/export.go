package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/devblac/ledger-sink/internal/chain"
	"github.com/devblac/ledger-sink/internal/storage"
)

var (
	flagFormat  string
	flagLimit   int
	flagTx      string
	flagAccount string
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "table", "Output format: table, csv or json")
	exportCmd.Flags().IntVar(&flagLimit, "limit", 100, "Maximum pending rows to export")
	exportCmd.Flags().StringVar(&flagTx, "tx", "", "Export the actions of this transaction instead of pending rows")
	exportCmd.Flags().StringVar(&flagAccount, "account", "", "Export the token balances and keys of this account instead of pending rows")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export pending transactions, a transaction's actions or an account's holdings",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		store, err := openStore(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if flagAccount != "" {
			balances, err := store.TokenBalances(ctx, flagAccount)
			if err != nil {
				return fmt.Errorf("token balances: %w", err)
			}
			keys, err := store.AccountKeys(ctx, flagAccount)
			if err != nil {
				return fmt.Errorf("account keys: %w", err)
			}
			return renderAccount(out, flagFormat, flagAccount, balances, keys)
		}
		if flagTx != "" {
			actions, err := store.ListActions(ctx, flagTx)
			if err != nil {
				return fmt.Errorf("list actions: %w", err)
			}
			return renderActions(out, flagFormat, actions)
		}

		pending, err := store.ListPending(ctx, flagLimit)
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		return renderPending(out, flagFormat, pending)
	},
}

func renderPending(w io.Writer, format string, rows []storage.Pending) error {
	if strings.EqualFold(format, "json") {
		return writeJSON(w, rows)
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"ID", "Block", "Expiration"})
	for _, p := range rows {
		exp := ""
		if !p.Expiration.IsZero() {
			exp = p.Expiration.UTC().Format(time.RFC3339)
		}
		t.AppendRow(table.Row{p.ID, p.BlockNum, exp})
	}
	return render(t, format)
}

func renderActions(w io.Writer, format string, rows []storage.Action) error {
	if strings.EqualFold(format, "json") {
		return writeJSON(w, rows)
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Origin", "Ordinal", "Block", "Account", "Name", "Receiver", "Data"})
	for _, a := range rows {
		t.AppendRow(table.Row{a.Origin, a.Ordinal, a.BlockNum, a.Account, a.Name, a.Receiver, a.Data})
	}
	return render(t, format)
}

func renderAccount(w io.Writer, format, account string, balances []storage.Balance, keys []storage.AccountKey) error {
	if strings.EqualFold(format, "json") {
		return writeJSON(w, struct {
			Account  string               `json:"account"`
			Balances []storage.Balance    `json:"balances"`
			Keys     []storage.AccountKey `json:"keys"`
		}{account, balances, keys})
	}
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Kind", "Source", "Value"})
	for _, b := range balances {
		qty := chain.Asset{Amount: b.Amount, Precision: b.Precision, Symbol: b.Symbol}
		t.AppendRow(table.Row{"balance", b.Contract, qty.String()})
	}
	for _, k := range keys {
		t.AppendRow(table.Row{"key", k.Permission, k.PublicKey})
	}
	return render(t, format)
}

func render(t table.Writer, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		t.Render()
	case "csv":
		t.RenderCSV()
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
