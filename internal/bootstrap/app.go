// Package bootstrap wires configuration, logging, and the worker's
// components into a runnable process.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"transcription-worker/internal/backup"
	"transcription-worker/internal/config"
	"transcription-worker/internal/engine"
	"transcription-worker/internal/server"
	"transcription-worker/internal/worker"
	"transcription-worker/pkg/logger"
)

// App holds the assembled worker process.
type App struct {
	cfg    config.Config
	log    *slog.Logger
	server *server.Server
}

// New loads configuration from path and assembles the worker.
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	slog.SetDefault(log)

	loader := engine.NewWhisperLoader(engine.Config{
		WhisperPath:    cfg.Engine.WhisperPath,
		DiarizerPath:   cfg.Engine.DiarizerPath,
		ModelDir:       cfg.Engine.ModelDir,
		WindowSeconds:  cfg.Engine.WindowSeconds,
		OverlapSeconds: cfg.Engine.OverlapSeconds,
	})

	interval, err := cfg.Backup.IntervalDuration()
	if err != nil {
		return nil, fmt.Errorf("backup interval: %w", err)
	}
	backups := backup.NewManager(backup.NewFileStore(cfg.Backup.Path), interval, log)

	ctrl := worker.New(worker.Config{
		Loader:            loader,
		Backups:           backups,
		Logger:            log,
		WindowSeconds:     cfg.Engine.WindowSeconds,
		OverlapSeconds:    cfg.Engine.OverlapSeconds,
		SilenceGapSeconds: cfg.Engine.SilenceGapSeconds,
	})

	return &App{
		cfg:    cfg,
		log:    log,
		server: server.New(cfg.ListenAddr, ctrl, log),
	}, nil
}

// Run serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.log.Info("worker starting", "addr", a.cfg.ListenAddr, "modelDir", a.cfg.Engine.ModelDir)
	return a.server.Run(ctx)
}
