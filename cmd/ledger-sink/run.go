package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/devblac/ledger-sink/internal/engine"
	"github.com/devblac/ledger-sink/internal/health"
	"github.com/devblac/ledger-sink/internal/metrics"
	"github.com/devblac/ledger-sink/internal/notify"
	"github.com/devblac/ledger-sink/internal/source"
	"github.com/devblac/ledger-sink/internal/tracing"
)

const serviceName = "ledger-sink"

var (
	flagHealth  string
	flagMetrics string
)

func init() {
	runCmd.Flags().StringVar(&flagHealth, "health", "", "Health check HTTP address (e.g., :8080)")
	runCmd.Flags().StringVar(&flagMetrics, "metrics", "", "Metrics HTTP address (e.g., :9090)")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Subscribe to the ledger node and persist its events",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		if !strings.EqualFold(cfg.Source.Type, "nats") {
			return fmt.Errorf("run needs a nats source, got %q (use replay for files)", cfg.Source.Type)
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if cfg.Tracing.Endpoint != "" {
			cleanup, err := tracing.Enable(log, serviceName, cfg.Tracing.Endpoint, cfg.Tracing.Sample)
			if err != nil {
				return err
			}
			defer cleanup()
			log.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint)
		}

		var mtr *metrics.Metrics
		if flagMetrics != "" {
			mtr = metrics.Init()
		}

		var notifier *notify.Notifier
		var onSaturated engine.SaturationFunc
		if cfg.Notify.WebhookURL != "" {
			sender, err := notify.NewSender(cfg.Notify.Kind, cfg.Notify.WebhookURL, cfg.Notify.Template)
			if err != nil {
				return fmt.Errorf("notify: %w", err)
			}
			notifier = notify.NewNotifier(sender, cfg.Notify.PerMinute, log)
			onSaturated = notifier.Saturated
		}

		svc, err := newService(ctx, cfg, log, mtr, onSaturated)
		if err != nil {
			return err
		}
		defer svc.Close()

		nc, err := source.Connect(ctx, cfg.Source.URL, log, nats.Name(serviceName))
		if err != nil {
			return err
		}
		src, err := source.NewNATS(nc, svc.pipeline, subjects(cfg), cfg.Source.Encoding, log, mtr)
		if err != nil {
			nc.Close()
			return err
		}

		svc.pipeline.Start(ctx)
		if err := src.Start(); err != nil {
			_ = src.Close()
			svc.pipeline.Stop()
			return err
		}

		g, gctx := errgroup.WithContext(ctx)

		if flagHealth != "" {
			srv := health.Serve(flagHealth, health.Checker{
				DBPing:     svc.store.Ping,
				SourcePing: src.Ping,
				Depths:     svc.pipeline.Depths,
			})
			log.Info("health check enabled", "addr", flagHealth)
			g.Go(func() error {
				<-gctx.Done()
				return shutdownServer(srv)
			})
		}

		if flagMetrics != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			srv := &http.Server{Addr: flagMetrics, Handler: mux, ReadHeaderTimeout: 3 * time.Second}
			log.Info("metrics enabled", "addr", flagMetrics)
			g.Go(func() error {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("metrics server: %w", err)
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				return shutdownServer(srv)
			})
		}

		if notifier != nil {
			g.Go(func() error { return notifier.Run(gctx) })
		}

		g.Go(func() error {
			<-gctx.Done()
			log.Info("shutting down", "queued", svc.pipeline.Depths())
			if err := src.Close(); err != nil {
				log.Warn("close source", "error", err)
			}
			svc.pipeline.Stop()
			return nil
		})

		log.Info("ledger-sink running", "source", cfg.Source.URL, "sink", cfg.Sink.Driver)
		return g.Wait()
	},
}

func shutdownServer(srv *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return health.Shutdown(ctx, srv)
}
