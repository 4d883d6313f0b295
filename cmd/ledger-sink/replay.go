package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/ledger-sink/internal/config"
	"github.com/devblac/ledger-sink/internal/source"
)

const defaultDrainTimeout = time.Minute

var (
	flagEncoding     string
	flagDrainTimeout time.Duration
)

func init() {
	replayCmd.Flags().StringVar(&flagEncoding, "encoding", "", "Event file encoding: json (lines) or msgpack; defaults to source.encoding")
	replayCmd.Flags().DurationVar(&flagDrainTimeout, "drain-timeout", defaultDrainTimeout, "How long to let queued traces reconcile after the file ends")
}

var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Feed a recorded event file through the pipeline and drain it",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		path := cfg.Source.Path
		if len(args) == 1 {
			path = args[0]
		}
		encoding := flagEncoding
		if encoding == "" {
			encoding = cfg.Source.Encoding
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return replayFile(ctx, cfg, log, path, encoding, flagDrainTimeout, cmd.OutOrStdout())
	},
}

// replayFile delivers every event in path, waits up to drainTimeout for the
// pipeline to settle and then stops it. Traces still unreconciled at that
// point are cancelled.
func replayFile(ctx context.Context, cfg *config.Config, log *slog.Logger, path, encoding string, drainTimeout time.Duration, out io.Writer) error {
	if path == "" {
		return fmt.Errorf("replay: no event file given")
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open events: %w", err)
	}
	defer f.Close()

	svc, err := newService(ctx, cfg, log, nil, nil)
	if err != nil {
		return err
	}
	defer svc.Close()

	svc.pipeline.Start(ctx)
	n, replayErr := source.Replay(ctx, f, encoding, svc.pipeline, log)

	if drainTimeout <= 0 {
		drainTimeout = defaultDrainTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	if err := svc.pipeline.WaitIdle(waitCtx, 0); err != nil {
		log.Warn("pipeline did not settle before stop", "timeout", drainTimeout, "depths", svc.pipeline.Depths(), "error", err)
	}
	cancel()
	svc.pipeline.Stop()

	fmt.Fprintf(out, "replay: %d events delivered from %s\n", n, path)
	return replayErr
}
