package main

import (
	"log/slog"
	"os"
	"strings"

	"lsmkv/pkg/config"
)

// initConfig loads the YAML config at path. A missing file yields
// config.Default(); an empty path skips the lookup.
func initConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// initLogger installs the global slog.Logger (JSON or text) on stderr so
// that command output on stdout stays machine readable.
func initLogger(cfg *config.Config) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(cfg.Logger.Level))); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{AddSource: level == slog.LevelDebug, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
	slog.Debug("logger initialized", "level", level, "json", cfg.Logger.JSON)
}
