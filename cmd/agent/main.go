package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pflynn02/streamlabsdesktop/internal/analytics"
	"github.com/pflynn02/streamlabsdesktop/internal/api"
	"github.com/pflynn02/streamlabsdesktop/internal/config"
	"github.com/pflynn02/streamlabsdesktop/internal/db"
	"github.com/pflynn02/streamlabsdesktop/internal/detect"
	"github.com/pflynn02/streamlabsdesktop/internal/events"
	"github.com/pflynn02/streamlabsdesktop/internal/export"
	"github.com/pflynn02/streamlabsdesktop/internal/highlighter"
	"github.com/pflynn02/streamlabsdesktop/internal/logging"
	"github.com/pflynn02/streamlabsdesktop/internal/media"
	"github.com/pflynn02/streamlabsdesktop/internal/upload"
	"github.com/pflynn02/streamlabsdesktop/internal/watcher"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	for _, dir := range []string{cfg.DataDir(), cfg.ClipsDir(), cfg.ThumbnailsDir(), cfg.MilestonesDir(), cfg.ExportsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting highlighter agent", "version", config.Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := highlighter.NewRepository(database.Conn())

	deviceID, err := ensureDeviceID(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure device ID: %w", err)
	}

	authToken, err := ensureAuthToken(repo)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║                  HIGHLIGHTER AGENT v" + config.Version + "                  ║")
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Device ID:  %-45s ║\n", deviceID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	sink := analytics.NewPrometheusSink(prometheus.DefaultRegisterer)
	bus := events.NewBus(0)

	ledger := highlighter.NewLedger(repo, bus, sink, logger)

	ffmpeg := media.NewFFmpeg(cfg.FFmpegPath(), cfg.FFprobePath(), logger)
	loader := highlighter.NewLoader(ledger, ffmpeg, bus, cfg.ThumbnailsDir(), logger)

	engine := detect.NewSubprocessEngine(cfg.EnginePath(), cfg.DetectTimeout(), cfg.UpdateTimeout(), logger)
	updater := detect.NewUpdater(engine, repo, logger)
	orchestrator := detect.NewOrchestrator(
		ledger, repo, engine, updater, ffmpeg, bus, sink,
		cfg.ClipsDir(), cfg.MilestonesDir(), deviceID, logger,
	)

	renderer := export.NewFFmpegRenderer(cfg.FFmpegPath(), cfg.RenderTimeout(), logger)
	exporter := export.NewPipeline(ledger, loader, repo, ffmpeg, renderer, bus, sink, cfg.ExportsDir(), logger)

	providers := map[string]upload.Provider{}
	if cfg.UploadBaseURL() != "" && cfg.UploadToken() != "" {
		providers["crossclip"] = upload.NewHTTPProvider(cfg.UploadBaseURL(), cfg.UploadToken())
		providers["typestudio"] = upload.NewHTTPProvider(cfg.UploadBaseURL(), cfg.UploadToken())
		providers["videoeditor"] = upload.NewHTTPProvider(cfg.UploadBaseURL(), cfg.UploadToken())
		logger.Info("uploads enabled", "base_url", cfg.UploadBaseURL())
	} else {
		logger.Info("uploads disabled: no upload endpoint configured")
	}
	uploads := upload.NewManager(repo, providers, bus, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	replayWatcher := watcher.New(cfg.RecordingsDir(), ledger, logger)
	go replayWatcher.Run(ctx)

	apiServer := api.NewServer(api.ServerConfig{
		Port:         cfg.Port(),
		Ledger:       ledger,
		Loader:       loader,
		Repository:   repo,
		Orchestrator: orchestrator,
		Exporter:     exporter,
		Uploads:      uploads,
		Bus:          bus,
		Logger:       logger,
		StartTime:    startTime,
		DeviceID:     deviceID,
		Version:      config.Version,
	})

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

func ensureDeviceID(repo highlighter.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "device_id")
	if err == nil && existing != "" {
		return existing, nil
	}

	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", err
	}
	deviceID := hex.EncodeToString(idBytes)

	if err := repo.SetConfig(ctx, "device_id", deviceID); err != nil {
		return "", err
	}

	return deviceID, nil
}

func ensureAuthToken(repo highlighter.Repository) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, "auth_token")
	if err == nil && existing != "" {
		return existing, nil
	}

	tokenBytes := make([]byte, 32)
	if _, err := rand.Read(tokenBytes); err != nil {
		return "", err
	}
	token := hex.EncodeToString(tokenBytes)

	if err := repo.SetConfig(ctx, "auth_token", token); err != nil {
		return "", err
	}

	return token, nil
}
