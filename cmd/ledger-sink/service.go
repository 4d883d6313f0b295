package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/devblac/ledger-sink/internal/config"
	"github.com/devblac/ledger-sink/internal/decoder"
	"github.com/devblac/ledger-sink/internal/engine"
	"github.com/devblac/ledger-sink/internal/filter"
	"github.com/devblac/ledger-sink/internal/metrics"
	"github.com/devblac/ledger-sink/internal/source"
	"github.com/devblac/ledger-sink/internal/storage"
	"github.com/devblac/ledger-sink/internal/writer"
)

// service is the sink, writer and pipeline assembled from config.
type service struct {
	store    storage.Store
	pipeline *engine.Pipeline
}

func openStore(ctx context.Context, cfg *config.Config, log *slog.Logger) (storage.Store, error) {
	store, err := storage.Open(ctx, cfg.Sink.Driver, cfg.Sink.DSN,
		storage.WithLogger(log),
		storage.WithRetry(cfg.Sink.MaxRetries, cfg.Sink.RetryInterval.Std()),
		storage.WithMaxConns(cfg.Sink.MaxConns),
	)
	if err != nil {
		return nil, fmt.Errorf("open sink: %w", err)
	}
	return store, nil
}

func newService(ctx context.Context, cfg *config.Config, log *slog.Logger, mtr *metrics.Metrics, onSaturated engine.SaturationFunc) (*service, error) {
	store, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	started, err := storage.Bootstrap(ctx, store, cfg.SystemAccount)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if !started {
		log.Info("initialized fresh sink", "system_account", cfg.SystemAccount)
	}

	registry := decoder.NewRegistry(store, cfg.ABICacheTTL.Std(), log)
	if cfg.ABIDir != "" {
		abis, err := decoder.LoadDir(cfg.ABIDir)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("load abis: %w", err)
		}
		registry.WithStatic(abis)
	}

	f := filter.New(filter.Options{
		Actions:      cfg.Filters.Actions,
		DenyAccounts: cfg.Filters.DenyAccounts,
		StartBlock:   cfg.StartBlock,
	})
	shutdown := engine.NewShutdown()

	w := writer.New(store, writer.Options{
		Filter:         f,
		Decoder:        registry,
		Shutdown:       shutdown,
		SystemAccount:  cfg.SystemAccount,
		TokenContracts: cfg.Tokens.Contracts,
		PollInterval:   cfg.Reconcile.PollInterval.Std(),
		Logger:         log,
		Metrics:        mtr,
		Tracing:        cfg.Tracing.Endpoint != "",
	})

	p, err := engine.New(ctx, store, w, f, shutdown, engine.Options{
		QueueSize:    cfg.Queue.Size,
		ThrottleBase: cfg.Queue.ThrottleBase.Std(),
		ThrottleStep: cfg.Queue.ThrottleStep.Std(),
		ThrottleMax:  cfg.Queue.ThrottleMax.Std(),
		WorkerPoll:   cfg.Queue.Poll.Std(),
		OnSaturated:  onSaturated,
		Logger:       log,
		Metrics:      mtr,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &service{store: store, pipeline: p}, nil
}

func (s *service) Close() error {
	return s.store.Close()
}

func subjects(cfg *config.Config) source.Subjects {
	return source.Subjects{
		Blocks:       cfg.Source.Subjects.Blocks,
		Irreversible: cfg.Source.Subjects.Irreversible,
		Transactions: cfg.Source.Subjects.Transactions,
		Traces:       cfg.Source.Subjects.Traces,
	}
}
