// Command forwarder is the LogWarden forwarder agent binary. It loads a
// YAML configuration file, tails the configured log files into a durable
// SQLite spool, ships batches to the server's ingest endpoint with
// retry, exposes a /healthz liveness endpoint, and shuts down gracefully
// on SIGTERM or SIGINT.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/logwarden/logwarden/internal/forwarder"
)

func main() {
	configPath := flag.String("config", "/etc/logwarden/agent.yaml", "path to the LogWarden forwarder YAML configuration file")
	healthAddr := flag.String("health-addr", "127.0.0.1:9102", "liveness endpoint listen address (empty disables)")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := forwarder.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logwarden-forwarder: %v\n", err)
		os.Exit(1)
	}
	if v := os.Getenv("LOGWARDEN_API_KEY"); v != "" {
		cfg.APIKey = v
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("logwarden forwarder starting",
		slog.String("config_path", *configPath),
		slog.String("server_url", cfg.ServerURL),
		slog.Int("tail_files", len(cfg.TailFiles)),
	)

	queue, err := forwarder.OpenQueue(cfg.QueuePath)
	if err != nil {
		logger.Error("failed to open spool queue", slog.Any("error", err))
		os.Exit(1)
	}
	defer queue.Close()
	if depth := queue.Depth(); depth > 0 {
		logger.Info("resuming spooled backlog", slog.Int("queue_depth", depth))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, tf := range cfg.TailFiles {
		tailer := forwarder.NewTailer(tf.Path, tf.Source, queue, logger)
		go tailer.Run(ctx)
		logger.Info("tailing file", slog.String("path", tf.Path), slog.String("log_source", tf.Source))
	}

	shipper := forwarder.NewShipper(cfg, queue, logger)
	shipperDone := make(chan struct{})
	go func() {
		shipper.Run(ctx)
		close(shipperDone)
	}()

	var healthServer *http.Server
	if *healthAddr != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"status":      "ok",
				"queue_depth": queue.Depth(),
			})
		})
		healthServer = &http.Server{Addr: *healthAddr, Handler: mux}
		go func() {
			logger.Info("healthz listening", slog.String("addr", *healthAddr))
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("healthz server error", slog.Any("error", err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", slog.String("signal", sig.String()))

	cancel()
	<-shipperDone

	if healthServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := healthServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("healthz shutdown error", slog.Any("error", err))
		}
	}

	// Anything still spooled ships on the next start.
	logger.Info("logwarden forwarder exited cleanly", slog.Int("queue_depth", queue.Depth()))
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
