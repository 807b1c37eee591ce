// Package main wires together the engagement ingestion service.
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

	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/creatorlift/engagement-ingest/internal/admission"
	"github.com/creatorlift/engagement-ingest/internal/api"
	archiveGCS "github.com/creatorlift/engagement-ingest/internal/archive/gcs"
	archiveMemory "github.com/creatorlift/engagement-ingest/internal/archive/memory"
	"github.com/creatorlift/engagement-ingest/internal/clock/system"
	"github.com/creatorlift/engagement-ingest/internal/config"
	"github.com/creatorlift/engagement-ingest/internal/fetcher/httpapi"
	"github.com/creatorlift/engagement-ingest/internal/fetcher/scrape"
	"github.com/creatorlift/engagement-ingest/internal/fetcher/static"
	"github.com/creatorlift/engagement-ingest/internal/hash/sha256"
	"github.com/creatorlift/engagement-ingest/internal/id/uuid"
	"github.com/creatorlift/engagement-ingest/internal/ingest"
	"github.com/creatorlift/engagement-ingest/internal/logging"
	"github.com/creatorlift/engagement-ingest/internal/processor"
	publisherPubSub "github.com/creatorlift/engagement-ingest/internal/publisher/pubsub"
	"github.com/creatorlift/engagement-ingest/internal/scheduler"
	"github.com/creatorlift/engagement-ingest/internal/stats"
	storeMemory "github.com/creatorlift/engagement-ingest/internal/store/memory"
	storePostgres "github.com/creatorlift/engagement-ingest/internal/store/postgres"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := buildStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("queue store init failed", zap.Error(err))
	}

	client, err := buildFetchClient(cfg)
	if err != nil {
		logger.Fatal("fetch client init failed", zap.Error(err))
	}

	archive, err := buildArchive(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("archive init failed", zap.Error(err))
	}

	var publisher ingest.Publisher
	if cfg.PubSub.Enabled {
		pub, err := publisherPubSub.New(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicName)
		if err != nil {
			logger.Fatal("pubsub init failed", zap.Error(err))
		}
		defer pub.Close()
		publisher = pub
	}

	clock := system.New()
	idGen := uuid.New()
	hasher := sha256.New()

	adm := admission.New(store, idGen, clock, logger.Named("admission"))
	proc := processor.New(
		store,
		client,
		archive,
		publisher,
		hasher,
		clock,
		processor.Config{
			Cooldown:      cfg.Cooldown(),
			ArchivePrefix: cfg.Archive.Prefix,
		},
		logger.Named("processor"),
	)
	reporter := stats.New(store, cfg.Cooldown())

	var schedCtl api.SchedulerControl
	if cfg.Scheduler.Enabled {
		sched := scheduler.New(proc, store, clock, scheduler.Config{
			Interval:          time.Duration(cfg.Scheduler.IntervalSeconds) * time.Second,
			CleanupInterval:   time.Duration(cfg.Scheduler.CleanupIntervalHours) * time.Hour,
			Retention:         cfg.Retention(),
			BatchSize:         cfg.Queue.BatchSizeDefault,
			MaxProcessingTime: cfg.MaxProcessingTime(),
		}, logger.Named("scheduler"))
		go sched.Start(ctx)
		schedCtl = sched
	}

	apiServer := api.NewServer(adm, proc, reporter, schedCtl, store, clock, cfg, logger.Named("api"))

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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (ingest.QueueStore, error) {
	if cfg.DB.DSN == "" {
		logger.Warn("db.dsn not set, using in-memory queue store")
		return storeMemory.NewQueueStore(), nil
	}
	return storePostgres.NewQueueStore(ctx, storePostgres.QueueStoreConfig{
		DSN:      cfg.DB.DSN,
		Table:    cfg.DB.Table,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
}

func buildFetchClient(cfg config.Config) (ingest.FetchClient, error) {
	timeout := time.Duration(cfg.Provider.TimeoutSeconds) * time.Second
	switch cfg.Provider.Mode {
	case "api":
		return httpapi.New(httpapi.Config{
			BaseURL:   cfg.Provider.BaseURL,
			APIKey:    cfg.Provider.APIKey,
			UserAgent: cfg.Provider.UserAgent,
			Timeout:   timeout,
		}), nil
	case "scrape":
		return scrape.New(scrape.Config{
			BaseURL:   cfg.Provider.BaseURL,
			UserAgent: cfg.Provider.UserAgent,
			Timeout:   timeout,
		}), nil
	case "static":
		return static.New(0), nil
	default:
		return nil, fmt.Errorf("unknown provider mode %q", cfg.Provider.Mode)
	}
}

func buildArchive(ctx context.Context, cfg config.Config, logger *zap.Logger) (ingest.BlobStore, error) {
	switch cfg.Archive.Provider {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		return archiveGCS.New(client, archiveGCS.Config{Bucket: cfg.Archive.Bucket})
	case "memory":
		return archiveMemory.NewBlobStore(), nil
	case "noop":
		logger.Info("payload archiving disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Archive.Provider)
	}
}
