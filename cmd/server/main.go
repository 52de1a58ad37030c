// Command server is the LogWarden server binary. It loads a YAML
// configuration file, opens a PostgreSQL connection pool, starts the
// local tailers and background workers (alert monitor, auto-block
// sweeper, retention, model retraining), exposes the HTTP API (ingest,
// dashboard, live WebSocket feed, Prometheus metrics), and shuts down
// gracefully on SIGTERM or SIGINT.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/logwarden/logwarden/internal/alertcache"
	"github.com/logwarden/logwarden/internal/autoblock"
	"github.com/logwarden/logwarden/internal/config"
	"github.com/logwarden/logwarden/internal/detect"
	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/ml"
	"github.com/logwarden/logwarden/internal/notify"
	"github.com/logwarden/logwarden/internal/retention"
	"github.com/logwarden/logwarden/internal/server/ingest"
	"github.com/logwarden/logwarden/internal/server/live"
	"github.com/logwarden/logwarden/internal/server/rest"
	"github.com/logwarden/logwarden/internal/server/storage"
)

func main() {
	configPath := flag.String("config", "/etc/logwarden/config.yaml", "path to the LogWarden server YAML configuration file")
	flag.Parse()

	// A .env next to the binary can carry secrets that should stay out of
	// the YAML file. Missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logwarden-server: %v\n", err)
		os.Exit(1)
	}
	applyEnvOverrides(cfg)

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("logwarden server starting",
		slog.String("config_path", *configPath),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── PostgreSQL event store ───────────────────────────────────────────
	store, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to open storage", slog.Any("error", err))
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("PostgreSQL storage connected")

	// ── Live feed: broadcaster, hot cache, tailers ───────────────────────
	broadcaster := live.NewBroadcaster(logger, 0)
	defer broadcaster.Close()

	var hotCache live.HotCache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		hotCache = live.NewRedisCache(rdb, live.DefaultMaxPerSource)
		logger.Info("redis hot cache enabled", slog.String("addr", cfg.RedisAddr))
	} else {
		hotCache = live.NewMemoryCache(live.DefaultMaxPerSource)
		logger.Info("in-memory hot cache enabled")
	}

	for _, tf := range cfg.TailFiles {
		tailer := live.NewTailer(tf.Path, tf.Source, hotCache, broadcaster, store, logger)
		go tailer.Run(ctx)
		logger.Info("tailing file", slog.String("path", tf.Path), slog.String("log_source", tf.Source))
	}

	// ── ML scorer and model lifecycle ────────────────────────────────────
	var featureCache *ml.SQLiteCache
	if cfg.ML.CachePath != "" {
		featureCache, err = ml.OpenCache(cfg.ML.CachePath, logger)
		if err != nil {
			logger.Error("failed to open ml cache", slog.Any("error", err))
			os.Exit(1)
		}
		defer featureCache.Close()
	}

	var scorer *ml.Scorer
	if featureCache != nil {
		scorer = ml.NewScorer(featureCache, featureCache, logger)
	} else {
		scorer = ml.NewScorer(nil, nil, logger)
	}

	if cfg.ML.ModelDir != "" {
		trainer := ml.NewTrainer(store, time.Duration(cfg.ML.TrainLookbackDays)*24*time.Hour, logger)
		manager := ml.NewManager(cfg.ML.ModelDir, scorer, trainer, logger)
		if err := manager.Reload(); err != nil {
			logger.Warn("no usable model bundle; scoring degrades to rules until retrain",
				slog.Any("error", err))
		}
		go manager.RunScheduler(ctx, time.Duration(cfg.ML.RetrainIntervalHours)*time.Hour)
	} else {
		logger.Info("ml model dir not configured; scoring runs rule-based only")
	}

	// ── Alert cache and notification monitor ─────────────────────────────
	reputation := detect.NewReputationCache(nil, logger)
	alerts := alertcache.New(store, store, reputation, logger)

	var mailer notify.Mailer
	if cfg.SMTP.Addr != "" {
		mailer = &notify.SMTPMailer{
			Addr:     cfg.SMTP.Addr,
			From:     cfg.SMTP.From,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
	}

	if mailer != nil && len(cfg.Alerts.Recipients) > 0 {
		monitor := notify.NewMonitor(notify.Config{
			CheckInterval:     time.Duration(cfg.Alerts.CheckIntervalSeconds) * time.Second,
			Lookback:          time.Duration(cfg.Alerts.LookbackHours) * time.Hour,
			BucketMinutes:     cfg.Alerts.BucketMinutes,
			RateLimit:         time.Duration(cfg.Alerts.RateLimitMinutes) * time.Minute,
			SeverityThreshold: event.Severity(cfg.Alerts.SeverityThreshold),
			RiskThreshold:     cfg.Alerts.RiskThreshold,
			Recipients:        cfg.Alerts.Recipients,
		}, alerts, store, scorer, mailer, logger)
		go monitor.Run(ctx)
	} else {
		logger.Info("email notifications disabled (smtp addr or recipients missing)")
	}

	// ── Auto-block actor and sweeper ─────────────────────────────────────
	var blocker rest.Blocker
	if cfg.AutoBlock.Enabled {
		firewall := autoblock.NewUFWRunner(cfg.AutoBlock.FirewallCmd...)
		actor := autoblock.New(autoblock.Config{
			Rules: autoblock.Rules{
				BlockCritical:      cfg.AutoBlock.BlockCritical,
				BlockHigh:          cfg.AutoBlock.BlockHigh,
				BlockMedium:        cfg.AutoBlock.BlockMedium,
				BlockLow:           cfg.AutoBlock.BlockLow,
				BruteForceAttempts: cfg.AutoBlock.BruteForceAttempts,
				FloodRequests:      cfg.AutoBlock.FloodRequests,
				PortScanPorts:      cfg.AutoBlock.PortScanPorts,
			},
			ML: autoblock.MLPolicy{
				RiskThreshold:       cfg.AutoBlock.RiskThreshold,
				AnomalyThreshold:    cfg.AutoBlock.AnomalyThreshold,
				ConfidenceThreshold: cfg.AutoBlock.ConfidenceThreshold,
				ThreatLabels:        labelSet(cfg.AutoBlock.ThreatLabels),
			},
			RequireMLConfirmation: cfg.AutoBlock.RequireMLConfirmation,
			Cooldown:              time.Duration(cfg.AutoBlock.CooldownHours) * time.Hour,
			Recipients:            cfg.Alerts.Recipients,
		}, store, firewall, scorer, mailer, logger)
		blocker = actor

		sweeper := autoblock.NewSweeper(actor, store, 0, 0, logger)
		go sweeper.Run(ctx)
	} else {
		logger.Info("auto-block disabled")
	}

	// ── Retention worker ─────────────────────────────────────────────────
	if cfg.Retention.MaxSizeMB > 0 {
		worker := retention.New(retention.Config{
			MaxSizeMB:    cfg.Retention.MaxSizeMB,
			DeleteSizeMB: cfg.Retention.DeleteSizeMB,
			Interval:     time.Duration(cfg.Retention.IntervalMinutes) * time.Minute,
		}, store, logger)
		go worker.Run(ctx)
	} else {
		logger.Info("retention disabled (max_size_mb not set)")
	}

	// ── HTTP API ─────────────────────────────────────────────────────────
	ingestHandler := ingest.NewHandler(ingest.Config{
		APIKey:     cfg.APIKey,
		RateLimit:  cfg.Ingest.RateLimit,
		RateWindow: time.Duration(cfg.Ingest.RateWindowSeconds) * time.Second,
	}, store, logger)
	liveHandler := live.NewHandler(broadcaster, logger)

	var jwtSecret []byte
	if cfg.JWTSecret != "" {
		jwtSecret = []byte(cfg.JWTSecret)
	} else {
		logger.Warn("jwt_secret not configured; dashboard API authentication disabled (lab mode)")
	}

	restSrv := rest.NewServer(store, alerts, blocker, hotCache, logger)
	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      rest.NewRouter(restSrv, ingestHandler, liveHandler, jwtSecret, logger),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(httpErrCh)
	}()

	// ── Wait for shutdown signal or fatal error ──────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	case err := <-httpErrCh:
		if err != nil {
			logger.Error("HTTP server error", slog.Any("error", err))
		}
	}

	// ── Graceful shutdown ────────────────────────────────────────────────
	logger.Info("shutting down")
	cancel() // stops tailers and background workers

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown error", slog.Any("error", err))
	}

	logger.Info("logwarden server exited cleanly")
}

// applyEnvOverrides lets secrets come from the environment (or a .env
// file) instead of the YAML config. Only non-empty variables override.
func applyEnvOverrides(cfg *config.Config) {
	if v := os.Getenv("LOGWARDEN_DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("LOGWARDEN_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("LOGWARDEN_JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := os.Getenv("LOGWARDEN_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
}

func labelSet(labels []string) map[string]bool {
	if len(labels) == 0 {
		return nil
	}
	set := make(map[string]bool, len(labels))
	for _, l := range labels {
		set[l] = true
	}
	return set
}

// newLogger constructs a *slog.Logger that writes JSON-structured log
// records to stderr at the requested minimum level.
func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}
