// Package main wires together the crawl coordinator service.
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

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/statlab/herocrawl/internal/api"
	"github.com/statlab/herocrawl/internal/clock"
	"github.com/statlab/herocrawl/internal/config"
	"github.com/statlab/herocrawl/internal/id/uuid"
	"github.com/statlab/herocrawl/internal/logging"
	"github.com/statlab/herocrawl/internal/publisher"
	pubsubpublisher "github.com/statlab/herocrawl/internal/publisher/pubsub"
	"github.com/statlab/herocrawl/internal/scheduler"
	"github.com/statlab/herocrawl/internal/storage/postgres"
	"github.com/statlab/herocrawl/internal/telemetry"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("herocrawld", cfg.Logging.Development)
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
	telemetry.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:             cfg.DB.DSN,
		MaxConns:        cfg.DB.MaxConns,
		MinConns:        cfg.DB.MinConns,
		MaxConnLifetime: cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		logger.Fatal("database pool init failed", zap.Error(err))
	}
	defer pool.Close()

	if err := postgres.EnsureSchema(ctx, pool, cfg.Seed.InitialAccountID); err != nil {
		logger.Fatal("schema bootstrap failed", zap.Error(err))
	}

	playerStore, err := postgres.NewPlayerStore(pool)
	if err != nil {
		logger.Fatal("player store init failed", zap.Error(err))
	}
	statsStore, err := postgres.NewStatsStore(pool, cfg.Leaderboard.Size)
	if err != nil {
		logger.Fatal("stats store init failed", zap.Error(err))
	}

	var frontierPub publisher.Publisher
	if cfg.PubSub.Enabled {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			logger.Fatal("pubsub client init failed", zap.Error(err))
		}
		defer func() {
			if closeErr := client.Close(); closeErr != nil {
				logger.Warn("pubsub client close failed", zap.Error(closeErr))
			}
		}()
		frontierPub = pubsubpublisher.New(client.Publisher(cfg.PubSub.TopicName))
	}

	sched := scheduler.New(
		playerStore,
		clock.System{},
		uuid.New(),
		scheduler.Config{
			RerunInterval:          cfg.Scheduler.RerunInterval,
			DiscoveryRerunInterval: cfg.Scheduler.DiscoveryRerunInterval,
			CleanupInterval:        cfg.Scheduler.CleanupInterval,
			ReclaimMaxAge:          cfg.Reclaimer.MaxAge,
		},
		logger.Named("scheduler"),
	)
	reclaimer := scheduler.NewReclaimer(
		playerStore,
		cfg.Reclaimer.SweepInterval,
		cfg.Reclaimer.MaxAge,
		logger.Named("reclaimer"),
	)
	refresher := scheduler.NewLeaderboardRefresher(
		statsStore,
		cfg.Leaderboard.RefreshInterval,
		logger.Named("leaderboard"),
	)

	apiServer := api.NewServer(playerStore, statsStore, sched, frontierPub, cfg, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go reclaimer.Run(ctx)
	go refresher.Run(ctx)

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
