// Package config loads the worker's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"transcription-worker/pkg/logger"
)

// Config is the full worker configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`

	Engine EngineConfig  `yaml:"engine"`
	Backup BackupConfig  `yaml:"backup"`
	Log    logger.Config `yaml:"log"`
}

// EngineConfig locates the inference binaries and sets window geometry.
type EngineConfig struct {
	WhisperPath  string `yaml:"whisper_path"`
	DiarizerPath string `yaml:"diarizer_path"`
	ModelDir     string `yaml:"model_dir"`

	WindowSeconds     float64 `yaml:"window_seconds"`
	OverlapSeconds    float64 `yaml:"overlap_seconds"`
	SilenceGapSeconds float64 `yaml:"silence_gap_seconds"`
}

// BackupConfig controls the snapshot slot location and write period.
type BackupConfig struct {
	Path     string `yaml:"path"`
	Interval string `yaml:"interval"`
}

// IntervalDuration parses the configured write period.
func (b BackupConfig) IntervalDuration() (time.Duration, error) {
	if b.Interval == "" {
		return 0, nil
	}
	return time.ParseDuration(b.Interval)
}

// Default returns the configuration used when no file is present.
func Default() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".transcription-worker")

	return Config{
		ListenAddr: "127.0.0.1:8591",
		Engine: EngineConfig{
			WhisperPath:       "whisper-cli",
			ModelDir:          filepath.Join(dataDir, "models"),
			WindowSeconds:     30,
			OverlapSeconds:    5,
			SilenceGapSeconds: 1.5,
		},
		Backup: BackupConfig{
			Path:     filepath.Join(dataDir, "backup.json"),
			Interval: "20s",
		},
		Log: logger.Config{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the configuration file, layering it over the defaults. A
// missing file yields the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// validate rejects configurations the worker cannot run with.
func validate(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if cfg.Engine.WhisperPath == "" {
		return fmt.Errorf("engine.whisper_path cannot be empty")
	}
	if cfg.Engine.ModelDir == "" {
		return fmt.Errorf("engine.model_dir cannot be empty")
	}
	if cfg.Engine.WindowSeconds <= 0 {
		return fmt.Errorf("engine.window_seconds must be greater than 0")
	}
	if cfg.Engine.OverlapSeconds < 0 || cfg.Engine.OverlapSeconds >= cfg.Engine.WindowSeconds {
		return fmt.Errorf("engine.overlap_seconds must be in [0, window_seconds)")
	}
	if cfg.Backup.Path == "" {
		return fmt.Errorf("backup.path cannot be empty")
	}
	if _, err := cfg.Backup.IntervalDuration(); err != nil {
		return fmt.Errorf("backup.interval: invalid duration: %w", err)
	}
	return nil
}
