package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/marketfleet/hostd/internal/config"
	"github.com/marketfleet/hostd/internal/hosting"
	"github.com/marketfleet/hostd/internal/provider"
	"github.com/marketfleet/hostd/internal/storage"
)

func main() {
	configPath := flag.String("config", "./hostd.config.json", "path to hosting config file")
	flag.Parse()

	// Secrets load from .env when present; missing file is fine.
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cfg, err := config.LoadHostingConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("config loaded successfully",
		zap.String("config_path", *configPath),
	)

	db, err := sql.Open("sqlite", cfg.Database.Path)
	if err != nil {
		logger.Error("failed to open database", zap.Error(err))
		os.Exit(1)
	}
	defer db.Close()

	migrationRunner := storage.NewMigrationRunner(db)
	if err := migrationRunner.Migrate(); err != nil {
		logger.Error("failed to run migrations", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("database migrations complete")

	providerClient := provider.NewHTTPClient(
		cfg.Provider.BaseURL,
		cfg.Provider.APIKey,
		time.Duration(cfg.Provider.RequestTimeoutSec)*time.Second,
		logger.Named("provider"),
	)

	var alerter hosting.Alerter
	if cfg.Alerts.Discord.BotToken != "" {
		discord, alertErr := hosting.NewDiscordAlerter(
			cfg.Alerts.Discord.BotToken,
			cfg.Alerts.Discord.ChannelID,
			logger.Named("alerts"),
		)
		if alertErr != nil {
			logger.Error("failed to create discord alerter", zap.Error(alertErr))
		} else {
			alerter = discord
			logger.Info("discord alerting configured")
		}
	}

	service, err := hosting.NewService(*cfg, db, providerClient, alerter, logger)
	if err != nil {
		logger.Error("failed to create hosting service", zap.Error(err))
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	service.Start(ctx)

	var metricsServer *http.Server
	if cfg.MetricsPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.MetricsPort),
			Handler: mux,
		}
		go func() {
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
				logger.Error("metrics server failed", zap.Error(serveErr))
			}
		}()
		logger.Info("metrics endpoint listening", zap.Int("port", cfg.MetricsPort))
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-sigChan
	logger.Info("received signal, initiating graceful shutdown",
		zap.String("signal", sig.String()),
	)

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error("error shutting down metrics server", zap.Error(shutdownErr))
		}
		shutdownCancel()
	}

	cancel()
	service.Stop()

	logger.Info("hostd exited cleanly")
	os.Exit(0)
}
