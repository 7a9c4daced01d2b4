// Package logging sets up the process-wide slog logger. Components derive
// their own loggers with logger.With("component", ...).
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config controls the global logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`

	// Format is "json" or "text".
	Format string `toml:"format"`

	// File, when set, receives a copy of every log line alongside stdout.
	File string `toml:"file"`
}

// StringToLevel parses a level name.
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", levelStr)
	}
}

// LevelManager allows runtime level adjustment through the admin API.
type LevelManager struct {
	mu    sync.RWMutex
	level *slog.LevelVar
}

var globalLevels = &LevelManager{level: new(slog.LevelVar)}

// Levels returns the global level manager.
func Levels() *LevelManager { return globalLevels }

// Set changes the minimum level of the global logger.
func (m *LevelManager) Set(level slog.Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.level.Set(level)
}

// Get returns the current minimum level.
func (m *LevelManager) Get() slog.Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.level.Level()
}

// Initialize installs the global slog logger per the config and returns it.
// Invalid levels fall back to info with a warning rather than failing
// startup.
func Initialize(cfg Config) (*slog.Logger, error) {
	level, err := StringToLevel(cfg.Level)
	if err != nil {
		slog.Warn("invalid log level in config, defaulting to info",
			"configured_level", cfg.Level)
		level = slog.LevelInfo
	}
	globalLevels.level.Set(level)

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", cfg.File, err)
		}
		out = io.MultiWriter(os.Stdout, f)
	}

	opts := &slog.HandlerOptions{Level: globalLevels.level}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(out, opts)
	case "json", "":
		handler = slog.NewJSONHandler(out, opts)
	default:
		return nil, errors.New("unsupported log format: " + cfg.Format)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("logging initialized", "level", level.String(), "format", cfg.Format, "file", cfg.File)
	return logger, nil
}
