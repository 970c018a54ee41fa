// Command replica-objects serves attachment uploads for development and tests.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/kilupskalvis/replica/internal/storage"
)

func main() {
	listen := flag.String("listen", envOrDefault("REPLICA_OBJECTS_LISTEN", "127.0.0.1:8730"), "Listen address")
	dataDir := flag.String("data-dir", envOrDefault("REPLICA_OBJECTS_DIR", "./objects"), "Directory holding stored objects")
	token := flag.String("token", os.Getenv("REPLICA_OBJECTS_TOKEN"), "Bearer token required on /o/ routes")
	maxSize := flag.Int64("max-upload-size", envInt64("REPLICA_OBJECTS_MAX_UPLOAD", 64<<20), "Maximum upload size in bytes")
	logLevel := flag.String("log-level", envOrDefault("REPLICA_OBJECTS_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", envOrDefault("REPLICA_OBJECTS_LOG_FORMAT", "json"), "Log format (json, text)")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	store, err := storage.NewFSStore(*dataDir)
	if err != nil {
		logger.Error("failed to open object directory", "error", err, "path", *dataDir)
		os.Exit(1)
	}

	cfg := storage.DefaultServerConfig()
	cfg.Token = *token
	cfg.MaxUploadSize = *maxSize
	if cfg.Token == "" {
		logger.Warn("no token configured, uploads are unauthenticated")
	}

	srv := &http.Server{
		Addr:         *listen,
		Handler:      storage.Handler(store, cfg, logger),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(_ net.Listener) context.Context { return context.Background() },
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting replica-objects", "listen", *listen, "data_dir", *dataDir)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	logger.Info("server stopped")
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt64(key string, defaultVal int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultVal
}
