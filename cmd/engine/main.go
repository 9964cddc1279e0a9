package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"
	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	httpadapter "github.com/agrolytix/farm-insights-engine/internal/adapter/http"
	kafkaadapter "github.com/agrolytix/farm-insights-engine/internal/adapter/kafka"
	"github.com/agrolytix/farm-insights-engine/internal/adapter/objectstore"
	"github.com/agrolytix/farm-insights-engine/internal/adapter/scoring"
	"github.com/agrolytix/farm-insights-engine/internal/anomaly"
	"github.com/agrolytix/farm-insights-engine/internal/checkpoint"
	"github.com/agrolytix/farm-insights-engine/internal/config"
	"github.com/agrolytix/farm-insights-engine/internal/dimension"
	"github.com/agrolytix/farm-insights-engine/internal/observability"
	"github.com/agrolytix/farm-insights-engine/internal/pipeline"
	"github.com/agrolytix/farm-insights-engine/internal/sink"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()
	clock := clockwork.NewRealClock()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Dimension table, refreshed in the background from a file or an HTTP
	// endpoint. With neither configured every lookup misses and events are
	// flagged, which keeps the pipeline observable rather than silently wrong.
	dims := dimension.NewTable()
	var poller *dimension.Poller
	switch {
	case cfg.DimensionFile != "":
		poller = dimension.NewPoller(dims, dimension.NewFileFetcher(cfg.DimensionFile),
			cfg.DimensionRefreshInterval, clock, logger)
	case cfg.DimensionURL != "":
		poller = dimension.NewPoller(dims, dimension.NewHTTPFetcher(cfg.DimensionURL, cfg.ModelTimeout),
			cfg.DimensionRefreshInterval, clock, logger)
	default:
		logger.Warn("no dimension source configured, all lookups will miss")
	}

	var scorer anomaly.Scorer = anomaly.NoopScorer{}
	if cfg.ModelURL != "" {
		scorer = scoring.NewClient(cfg.ModelURL, cfg.ModelTimeout, logger)
		logger.Info("model scoring enabled", "url", cfg.ModelURL, "timeout", cfg.ModelTimeout)
	} else {
		logger.Info("model scoring disabled")
	}

	reader := kafkaadapter.NewReader(cfg, logger)
	writer := kafkaadapter.NewWriter(cfg, logger)

	branches := []sink.Branch{
		sink.NewInsightBranch(writer, cfg.KafkaEventsTopic, cfg.KafkaTrendsTopic, cfg.KafkaKpisTopic),
	}

	var warehouse *sql.DB
	if cfg.WarehouseDSN != "" {
		warehouse, err = sql.Open("postgres", cfg.WarehouseDSN)
		if err != nil {
			logger.Error("failed to open warehouse connection", "error", err)
			os.Exit(1)
		}
		defer warehouse.Close()
		branches = append(branches, sink.NewWarehouseBranch(warehouse))
		logger.Info("warehouse sink enabled")
	}

	if cfg.ArchiveEndpoint != "" {
		store, err := objectstore.New(ctx, objectstore.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccessKey,
			SecretKey: cfg.ArchiveSecretKey,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			logger.Error("failed to connect archive store", "error", err)
			os.Exit(1)
		}
		branches = append(branches, sink.NewArchiveBranch(store))
		logger.Info("archive sink enabled", "bucket", cfg.ArchiveBucket)
	}

	deadLetter, err := sink.NewDeadLetter(cfg.DeadLetterDir)
	if err != nil {
		logger.Error("failed to prepare dead letter dir", "error", err)
		os.Exit(1)
	}
	router := sink.NewRouter(branches, sink.RetryPolicy{
		MaxAttempts: cfg.SinkMaxAttempts,
		Base:        cfg.SinkBackoffBase,
		Cap:         cfg.SinkBackoffCap,
	}, deadLetter, logger, metrics)

	ckpt, err := checkpoint.NewFileStore(cfg.CheckpointDir)
	if err != nil {
		logger.Error("failed to prepare checkpoint dir", "error", err)
		os.Exit(1)
	}

	coord := pipeline.New(cfg, reader, dims, scorer, router, ckpt, clock, logger, metrics)

	srv := httpadapter.NewServer(cfg.HTTPAddr, coord, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	g, runCtx := errgroup.WithContext(ctx)
	if poller != nil {
		g.Go(func() error { return poller.Run(runCtx) })
	}
	g.Go(func() error { return coord.Run(runCtx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("pipeline error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := reader.Close(); err != nil {
		logger.Error("kafka reader close error", "error", err)
	}
	if err := writer.Close(); err != nil {
		logger.Error("kafka writer close error", "error", err)
	}

	logger.Info("shutdown complete")
}
