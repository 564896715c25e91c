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

	_ "github.com/lib/pq"
	"github.com/npezzotti/go-syncroom/internal/admission"
	"github.com/npezzotti/go-syncroom/internal/api"
	"github.com/npezzotti/go-syncroom/internal/config"
	"github.com/npezzotti/go-syncroom/internal/database"
	"github.com/npezzotti/go-syncroom/internal/logging"
	"github.com/npezzotti/go-syncroom/internal/server"
	"github.com/npezzotti/go-syncroom/internal/stats"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName     = "go-syncroom"
	shutdownTimeout = 10 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to a yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Log.Level,
		Pretty:  cfg.Log.Pretty,
		Service: serviceName,
	})

	if cfg.Migrate {
		if err := database.Migrate(cfg.DatabaseDSN); err != nil {
			logger.Fatal().Err(err).Msg("migrate")
		}
	}

	repo, err := database.NewPgRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Error().Err(err).Msg("db close")
		}
	}()

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	var (
		limiter admission.Limiter       = admission.NewMemoryLimiter()
		friends admission.FriendChecker = repo
	)
	if cfg.Redis.Enabled() {
		rdb, err := admission.NewRedisClient(cfg.Redis)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rdb.Close()

		limiter = admission.NewRedisLimiter(rdb)
		friends = admission.NewCachedFriendChecker(repo, rdb, 0, logger)
		logger.Info().Str("addr", cfg.Redis.Addr).Msg("using redis for rate limits and friend lookups")
	}
	guard := admission.NewGuard(limiter, admission.RulesFromConfig(cfg.Limits), logger, statsUpdater)

	writer := database.NewWriter(repo, logger, statsUpdater, 0)
	go writer.Run()

	hub := server.NewHub(logger, repo, writer, friends, guard, statsUpdater, server.Options{
		IdleTimeout:       cfg.Rooms.IdleTimeout,
		SweepInterval:     cfg.Rooms.SweepInterval,
		MaxExtrapolation:  cfg.Rooms.MaxExtrapolation,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
	})

	app := api.NewSyncRoomApp(mux, logger, hub, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		hub.Run()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := app.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("http server shutdown")
		}
		if err := hub.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("hub shutdown: %w", err)
		}
		if err := writer.Close(shutdownCtx); err != nil {
			return fmt.Errorf("writer close: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server exited")
		return
	}

	logger.Info().Msg("shutdown complete")
}
