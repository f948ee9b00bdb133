// Package config loads claspd's configuration from a .env file and
// environment variables, following the teacher's caarlos0/env + godotenv
// layering (ENV vars override .env, which overrides struct defaults).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every environment-tunable knob of the router process.
type Config struct {
	Addr     string `env:"CLASP_ADDR" envDefault:":7700"`
	OpenMode bool   `env:"CLASP_OPEN_MODE" envDefault:"false"`

	MaxSessions        int64   `env:"CLASP_MAX_SESSIONS" envDefault:"10000"`
	MaxCPUPercent      float64 `env:"CLASP_MAX_CPU_PERCENT" envDefault:"85.0"`
	MaxMemoryPercent   float64 `env:"CLASP_MAX_MEMORY_PERCENT" envDefault:"90.0"`
	ConnRateGlobal     float64 `env:"CLASP_CONN_RATE_GLOBAL_HZ" envDefault:"500"`
	ConnRateGlobalBurst int    `env:"CLASP_CONN_RATE_GLOBAL_BURST" envDefault:"100"`
	ConnRatePerAddr    float64 `env:"CLASP_CONN_RATE_PER_ADDR_HZ" envDefault:"5"`
	ConnRatePerAddrBurst int   `env:"CLASP_CONN_RATE_PER_ADDR_BURST" envDefault:"10"`

	MaxSubscriptions   int           `env:"CLASP_MAX_SUBSCRIPTIONS" envDefault:"1000"`
	MaxOutstandingGETs int           `env:"CLASP_MAX_OUTSTANDING_GETS" envDefault:"64"`
	OutboundQueueSize  int           `env:"CLASP_OUTBOUND_QUEUE_SIZE" envDefault:"256"`
	HandshakeTimeout   time.Duration `env:"CLASP_HANDSHAKE_TIMEOUT" envDefault:"5s"`
	IdleTimeout        time.Duration `env:"CLASP_IDLE_TIMEOUT" envDefault:"300s"`
	GetTimeout         time.Duration `env:"CLASP_GET_TIMEOUT" envDefault:"5s"`

	MaxFramePayloadBytes int `env:"CLASP_MAX_FRAME_PAYLOAD_BYTES" envDefault:"1048576"`

	JournalPath string `env:"CLASP_JOURNAL_PATH" envDefault:"clasp-journal.db"`
	JournalMaxBytes int64 `env:"CLASP_JOURNAL_MAX_BYTES" envDefault:"1073741824"` // 1GiB

	MetricsAddr string `env:"CLASP_METRICS_ADDR" envDefault:":9090"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads .env (if present) then environment variables into a Config,
// validating the result. logger may be nil during early startup before a
// structured logger exists.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	} else if logger != nil {
		logger.Info().Msg("loaded configuration from .env file")
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("CLASP_ADDR is required")
	}
	if c.MaxSessions < 1 {
		return fmt.Errorf("CLASP_MAX_SESSIONS must be > 0, got %d", c.MaxSessions)
	}
	if c.MaxCPUPercent < 0 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("CLASP_MAX_CPU_PERCENT must be 0-100, got %.1f", c.MaxCPUPercent)
	}
	if c.MaxMemoryPercent < 0 || c.MaxMemoryPercent > 100 {
		return fmt.Errorf("CLASP_MAX_MEMORY_PERCENT must be 0-100, got %.1f", c.MaxMemoryPercent)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug/info/warn/error, got %q", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json/pretty, got %q", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as a single structured log
// event, the way the teacher logs startup config for Loki-based dashboards.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr).
		Bool("open_mode", c.OpenMode).
		Int64("max_sessions", c.MaxSessions).
		Float64("max_cpu_percent", c.MaxCPUPercent).
		Float64("max_memory_percent", c.MaxMemoryPercent).
		Int("max_subscriptions", c.MaxSubscriptions).
		Int("outbound_queue_size", c.OutboundQueueSize).
		Dur("idle_timeout", c.IdleTimeout).
		Str("journal_path", c.JournalPath).
		Str("metrics_addr", c.MetricsAddr).
		Str("log_level", c.LogLevel).
		Msg("configuration loaded")
}
