// Imagica filter pipeline service
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"imagica/internal/config"
	"imagica/internal/core"
	"imagica/internal/filters"
	"imagica/internal/imageio"
	"imagica/internal/metrics"
	"imagica/internal/server"
	"imagica/internal/store"
)

const (
	AppName    = "Imagica"
	AppVersion = "1.0.0"
)

func main() {
	debugMode := flag.Bool("debug", false, "Enable debug mode with verbose logging")
	configPath := flag.String("config", "", "Path to a JSON config file")
	processPath := flag.String("process", "", "Process this image once and exit instead of serving")
	filterList := flag.String("filters", "original", "Comma-separated filter list for -process")
	intensityFlag := flag.String("intensity", "", "Shared intensity for -process")
	flag.Parse()

	logger := initLogger(*debugMode)
	slogger := initSlog(*debugMode)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	logger.WithFields(logrus.Fields{
		"version":    AppVersion,
		"debug_mode": *debugMode,
		"port":       cfg.Port,
		"upload_dir": cfg.UploadDir,
		"db_path":    cfg.DBPath,
	}).Info("Starting " + AppName)

	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		logger.WithError(err).Fatal("Failed to create upload directory")
	}

	st, err := store.NewSQLiteStore(cfg.DBPath, cfg.Migrations, slogger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open run store")
	}
	defer st.Close()

	registry := filters.NewRegistry()
	pipeline := core.NewPipeline(registry, imageio.NewLoader(slogger, cfg.JPEGQuality), slogger)
	var evaluator *metrics.Evaluator
	if cfg.CollectMetrics {
		evaluator = metrics.NewEvaluator(slogger)
		pipeline.SetEvaluator(evaluator)
	}

	if *processPath != "" {
		if err := processOnce(pipeline, st, *processPath, *filterList, *intensityFlag, os.Stdout); err != nil {
			logger.WithError(err).Fatal("Processing failed")
		}
		return
	}
	runner := core.NewRunner(pipeline, int64(cfg.MaxConcurrentRuns), cfg.GetRunTimeout(), slogger)

	api := server.New(cfg, runner, registry, st, logger)
	api.SetEvaluator(evaluator)

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", srv.Addr).Info("Listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("HTTP shutdown did not complete cleanly")
	}
	runner.Close()

	logger.Info("Application shutting down gracefully")
}

// initLogger initializes the logger with appropriate level
func initLogger(debugMode bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)

	if debugMode {
		logger.SetLevel(logrus.DebugLevel)
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
			ForceColors:   true,
		})
		logger.Debug("Debug logging enabled")
	} else {
		logger.SetLevel(logrus.InfoLevel)
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}

	return logger
}

// initSlog builds the structured logger handed to internal packages, in the
// same format and level as the logrus logger.
func initSlog(debugMode bool) *slog.Logger {
	if debugMode {
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
