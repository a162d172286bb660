// Package main wires together the scan queue daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/aaj441/wcag-ai-platform-sub010/internal/api"
	archivegcs "github.com/aaj441/wcag-ai-platform-sub010/internal/archive/gcs"
	archivemem "github.com/aaj441/wcag-ai-platform-sub010/internal/archive/memory"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/batch"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/breaker"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/config"
	eventsmem "github.com/aaj441/wcag-ai-platform-sub010/internal/events/memory"
	eventspubsub "github.com/aaj441/wcag-ai-platform-sub010/internal/events/pubsub"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/id/uuid"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/logging"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/metrics"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/probe/headless"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/probe/static"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/queue"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/scan"
	storemem "github.com/aaj441/wcag-ai-platform-sub010/internal/store/memory"
	"github.com/aaj441/wcag-ai-platform-sub010/internal/store/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)
	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store init failed", zap.Error(err))
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Error("store close error", zap.Error(err))
		}
	}()

	probe, probeCleanup, err := buildProbe(cfg)
	if err != nil {
		logger.Fatal("probe init failed", zap.Error(err))
	}
	defer probeCleanup()

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          time.Duration(cfg.Breaker.TimeoutSec) * time.Second,
	}, nil, logger.Named("breaker"))
	if err != nil {
		logger.Fatal("breaker init failed", zap.Error(err))
	}

	publisher, pubCleanup, err := buildPublisher(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("publisher init failed", zap.Error(err))
	}
	defer pubCleanup()

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	idGen := uuid.NewGenerator()

	q, err := queue.New(queue.Config{
		Concurrency: cfg.Queue.Concurrency,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff: scan.BackoffPolicy{
			Type:      scan.BackoffType(cfg.Queue.BackoffType),
			BaseDelay: time.Duration(cfg.Queue.BackoffDelayMs) * time.Millisecond,
			MaxDelay:  time.Duration(cfg.Queue.BackoffMaxDelayMs) * time.Millisecond,
		},
		ProbeTimeout:      cfg.ProbeTimeout(),
		LockDuration:      time.Duration(cfg.Queue.LockDurationSec) * time.Second,
		PollInterval:      time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
		StalledInterval:   time.Duration(cfg.Queue.StalledIntervalSec) * time.Second,
		UnhealthyFailures: cfg.Queue.UnhealthyFailures,
		CompletedTTL:      time.Duration(cfg.Queue.CompletedTTLSec) * time.Second,
		Topic:             cfg.Queue.Topic,
	}, store, probe, brk, publisher, archive, nil, idGen, logger.Named("queue"))
	if err != nil {
		logger.Fatal("queue init failed", zap.Error(err))
	}
	q.Start()

	runner, err := batch.New(batch.Config{
		BatchSize:    cfg.Batch.BatchSize,
		ProbeTimeout: time.Duration(cfg.Batch.ProbeTimeoutSec) * time.Second,
		CompletedTTL: time.Duration(cfg.Batch.CompletedTTLSec) * time.Second,
	}, probe, brk, nil, idGen, logger.Named("batch"))
	if err != nil {
		logger.Fatal("batch runner init failed", zap.Error(err))
	}

	apiServer := api.NewServer(q, runner, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := q.Close(shutdownCtx); err != nil {
		logger.Error("queue shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config) (scan.JobStore, error) {
	if cfg.DB.DSN == "" {
		return storemem.New(), nil
	}
	maxConns := int32(cfg.DB.MaxConns)
	if maxConns <= 0 {
		maxConns = 8
	}
	store, err := postgres.New(ctx, cfg.DB.DSN, maxConns)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return store, nil
}

func buildProbe(cfg config.Config) (scan.Probe, func(), error) {
	if cfg.Probe.Mode == "headless" {
		p, err := headless.New(headless.Config{
			MaxParallel:       cfg.Probe.MaxParallel,
			UserAgent:         cfg.Probe.UserAgent,
			NavigationTimeout: time.Duration(cfg.Probe.NavTimeoutSec) * time.Second,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("start headless probe: %w", err)
		}
		return p, p.Close, nil
	}
	p := static.New(static.Config{
		UserAgent: cfg.Probe.UserAgent,
		Timeout:   cfg.ProbeTimeout(),
	})
	return p, func() {}, nil
}

func buildPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (scan.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		logger.Info("pubsub project not configured, using in-memory event publisher")
		return eventsmem.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.TopicName)
	pub := eventspubsub.New(topic)
	cleanup := func() {
		pub.Stop()
		if err := client.Close(); err != nil {
			logger.Error("pubsub client close error", zap.Error(err))
		}
	}
	return pub, cleanup, nil
}

func buildArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (scan.Archive, error) {
	if cfg.Storage.GCSBucket == "" {
		logger.Info("gcs bucket not configured, using in-memory archive")
		return archivemem.New(), nil
	}
	client, err := gcstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	return archivegcs.New(client, archivegcs.Config{
		Bucket: cfg.Storage.GCSBucket,
		Prefix: cfg.Storage.Prefix,
	})
}
