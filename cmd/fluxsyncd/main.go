package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fluxhq/fluxsync/internal/admin"
	"github.com/fluxhq/fluxsync/internal/alert"
	"github.com/fluxhq/fluxsync/internal/config"
	"github.com/fluxhq/fluxsync/internal/domain/model"
	"github.com/fluxhq/fluxsync/internal/engine"
	"github.com/fluxhq/fluxsync/internal/feed"
	"github.com/fluxhq/fluxsync/internal/metrics"
	"github.com/fluxhq/fluxsync/internal/store/redisfan"
	"github.com/fluxhq/fluxsync/internal/store/sqldb"
	"github.com/fluxhq/fluxsync/internal/supervisor"
)

const migrationsDir = "migrations"

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

// buildFanout wires the applied-batch stream publisher when Redis is
// configured. Without Redis the fanout is disabled entirely.
func buildFanout(cfg *config.Config, logger *slog.Logger) (*redisfan.Publisher, func(), error) {
	if cfg.Redis.URL == "" {
		return nil, func() {}, nil
	}
	transport, err := redisfan.NewRedisTransport(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize redis fanout: %w", err)
	}
	logger.Info("redis fanout enabled", "redis_url", cfg.Redis.URL)
	return redisfan.NewPublisher(transport, logger), func() { _ = transport.Close() }, nil
}

type dbStatsProvider interface {
	Stats() sql.DBStats
}

func startDBPoolStatsPump(ctx context.Context, db dbStatsProvider, interval time.Duration) {
	if db == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := db.Stats()
				metrics.DBPoolOpen.Set(float64(stats.OpenConnections))
				metrics.DBPoolInUse.Set(float64(stats.InUse))
				metrics.DBPoolIdle.Set(float64(stats.Idle))
			}
		}
	}()
}

func runAdminServer(ctx context.Context, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("admin server shutdown error", "error", err)
		}
	}()

	logger.Info("admin server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	keys, err := cfg.StreamKeys()
	if err != nil {
		logger.Error("failed to parse stream keys", "error", err)
		os.Exit(1)
	}

	logger.Info("starting fluxsync",
		"feed_ws", cfg.Feed.WSURL,
		"feed_http", cfg.Feed.HTTPURL,
		"streams", len(keys),
		"db_url", cfg.DB.URL,
		"retention_fallback", cfg.Engine.RetentionFallback,
	)

	db, err := sqldb.New(sqldb.Config{
		DSN:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(migrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database", "driver", db.Driver())

	cursorRepo := sqldb.NewCursorRepo(db)
	timelineRepo := sqldb.NewTimelineRepo(db)

	fanout, closeFanout, err := buildFanout(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize fanout", "error", err, "redis_url", cfg.Redis.URL)
		os.Exit(1)
	}
	defer closeFanout()

	engineOpts := []engine.Option{
		engine.WithLiveBufferCapacity(cfg.Engine.LiveBufferSize),
		engine.WithMaxRepairRounds(cfg.Engine.MaxRepairRounds),
		engine.WithRepairBackoff(cfg.Engine.RepairBackoffBase, cfg.Engine.RepairBackoffMax),
		engine.WithRetentionFallback(cfg.Engine.RetentionFallback),
		engine.WithAlerter(buildAlerter(cfg, logger)),
	}
	if fanout != nil {
		engineOpts = append(engineOpts, engine.WithAppliedHook(fanout.PublishApplied))
	}

	backfiller := feed.NewBackfillClient(cfg.Feed.HTTPURL, logger,
		feed.WithBackfillLimit(cfg.Feed.BackfillLimit),
		feed.WithBackfillRateLimit(cfg.Feed.BackfillRPS, int(cfg.Feed.BackfillRPS)*2))
	watermarks := feed.NewWatermarkClient(cfg.Feed.HTTPURL, logger)

	eng := engine.New(cursorRepo, timelineRepo, backfiller, logger, engineOpts...)
	defer eng.Close()

	newSource := func(key model.StreamKey) supervisor.LiveSource {
		return feed.NewSubscriber(cfg.Feed.WSURL, key, logger,
			feed.WithPingInterval(cfg.Feed.PingInterval))
	}
	sup := supervisor.New(eng, newSource, watermarks, logger)

	adminServer := admin.NewServer(eng, logger, admin.WithTimelineRepo(timelineRepo))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	for _, key := range keys {
		if err := eng.Subscribe(gCtx, key); err != nil {
			logger.Error("failed to subscribe stream", "stream", key.String(), "error", err)
			os.Exit(1)
		}
	}

	g.Go(func() error {
		return runAdminServer(gCtx, cfg.Server.AdminPort, adminServer.Handler(), logger)
	})

	g.Go(func() error {
		return sup.Run(gCtx, keys)
	})

	startDBPoolStatsPump(gCtx, db.DB, 15*time.Second)

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("fluxsync exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("fluxsync shut down gracefully")
}
