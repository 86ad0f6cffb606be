// Package config loads asyncload settings from an optional config file
// and ASYNCIO_ environment variables.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/webriots/asyncio"
)

// EnvPrefix is prepended to every environment variable, so
// ASYNCIO_MAX_THREADS sets max_threads.
const EnvPrefix = "ASYNCIO"

var keys = []string{
	"backend",
	"max_threads",
	"idle_timeout",
	"ring_entries",
	"chunk_size",
	"log_level",
	"log_format",
}

type Config struct {
	Backend     string        `mapstructure:"backend"`
	MaxThreads  int           `mapstructure:"max_threads"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
	RingEntries uint32        `mapstructure:"ring_entries"`
	ChunkSize   int           `mapstructure:"chunk_size"`
	LogLevel    string        `mapstructure:"log_level"`
	LogFormat   string        `mapstructure:"log_format"`
}

func defaults(v *viper.Viper) {
	v.SetDefault("backend", asyncio.BackendAuto.String())
	v.SetDefault("max_threads", 0)
	v.SetDefault("idle_timeout", asyncio.DefaultIdleTimeout)
	v.SetDefault("ring_entries", asyncio.DefaultRingEntries)
	v.SetDefault("chunk_size", 64<<10)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
}

// Load reads file (when not empty), then the environment, then any
// flags in fs that were set explicitly. Later sources win.
func Load(file string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	defaults(v)

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for _, key := range keys {
			f := fs.Lookup(strings.ReplaceAll(key, "_", "-"))
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return nil, fmt.Errorf("config: bind flag %s: %w", f.Name, err)
			}
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the engine or the logger cannot use.
func (c *Config) Validate() error {
	if _, err := asyncio.ParseBackend(c.Backend); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("config: chunk_size must be positive, got %d", c.ChunkSize)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(c.LogFormat) {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log_format %q", c.LogFormat)
	}
	return nil
}

// Options turns c into engine options using log for the engine's
// logger.
func (c *Config) Options(log *slog.Logger) []asyncio.Option {
	b, _ := asyncio.ParseBackend(c.Backend)
	return []asyncio.Option{
		asyncio.WithBackend(b),
		asyncio.WithMaxThreads(c.MaxThreads),
		asyncio.WithIdleTimeout(c.IdleTimeout),
		asyncio.WithRingEntries(c.RingEntries),
		asyncio.WithLogger(log),
	}
}

// Logger builds the slog logger described by c, writing to w.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("config: unknown log_level %q", s)
}
