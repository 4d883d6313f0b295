package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/devblac/ledger-sink/internal/config"
	"github.com/devblac/ledger-sink/internal/source"
)

const defaultPingTimeout = 8 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config, ping the sink and check the event source",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		return runChecks(cmd.Context(), cfg, log, cmd.OutOrStdout())
	},
}

// runChecks pings the sink and the event source and reports each result.
func runChecks(ctx context.Context, cfg *config.Config, log *slog.Logger, out io.Writer) error {
	fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

	ctx, cancel := context.WithTimeout(ctx, defaultPingTimeout)
	defer cancel()

	failures := 0
	store, err := openStore(ctx, cfg, log)
	if err == nil {
		err = store.Ping(ctx)
		_ = store.Close()
	}
	if err != nil {
		failures++
		fmt.Fprintf(out, "- sink (%s): ERROR %v\n", cfg.Sink.Driver, err)
	} else {
		fmt.Fprintf(out, "- sink (%s): OK\n", cfg.Sink.Driver)
	}

	if detail, err := checkSource(cfg); err != nil {
		failures++
		fmt.Fprintf(out, "- source (%s): ERROR %v\n", cfg.Source.Type, err)
	} else {
		fmt.Fprintf(out, "- source (%s): %s OK\n", cfg.Source.Type, detail)
	}

	if failures > 0 {
		return fmt.Errorf("validate: %d check(s) failed", failures)
	}

	fmt.Fprintln(out, "validate: success")
	return nil
}

func checkSource(cfg *config.Config) (string, error) {
	switch strings.ToLower(cfg.Source.Type) {
	case "nats":
		nc, err := nats.Connect(cfg.Source.URL, nats.Timeout(defaultPingTimeout))
		if err != nil {
			return "", fmt.Errorf("connect: %w", err)
		}
		defer nc.Close()
		if err := nc.FlushTimeout(defaultPingTimeout); err != nil {
			return "", fmt.Errorf("flush: %w", err)
		}
		return nc.ConnectedUrl(), nil
	case "file":
		if _, err := source.NewHandle(cfg.Source.Encoding); err != nil {
			return "", err
		}
		info, err := os.Stat(cfg.Source.Path)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s (%d bytes)", cfg.Source.Path, info.Size()), nil
	default:
		return "", fmt.Errorf("unsupported type %s", cfg.Source.Type)
	}
}
