package config

import (
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// ParseLevel maps the configured string onto a slog level. Unknown values
// fall back to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WatchLogLevel re-applies log.level whenever the config file changes on
// disk. Only the level is hot-reloaded; everything else requires a restart.
func (c *Config) WatchLogLevel(level *slog.LevelVar, logger *slog.Logger) {
	if c.viper == nil || c.viper.ConfigFileUsed() == "" {
		return
	}

	c.viper.OnConfigChange(func(e fsnotify.Event) {
		next := c.viper.GetString("log.level")
		level.Set(ParseLevel(next))
		logger.Info("config reloaded", "file", e.Name, "log_level", next)
	})
	c.viper.WatchConfig()
}
