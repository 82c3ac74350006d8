// Package config loads and validates chatd server configuration from
// environment variables with optional flag overrides.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig holds every tunable of the coordinator process.
type ServerConfig struct {
	Listen      string `env:"CHATD_LISTEN" envDefault:":8900"`
	DebugListen string `env:"CHATD_DEBUG_LISTEN"` // pprof, empty = disabled
	DBPath      string `env:"CHATD_DB_PATH" envDefault:"./chatd.db"`
	TokenSecret string `env:"CHATD_TOKEN_SECRET"`
	LogLevel    string `env:"CHATD_LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"CHATD_LOG_FORMAT" envDefault:"text"`

	// Admission / connection-storm protection.
	ConnectRateWindow  time.Duration `env:"CHATD_CONNECT_RATE_WINDOW" envDefault:"1m"`
	ConnectRateCeiling int           `env:"CHATD_CONNECT_RATE_CEILING" envDefault:"10"`
	BlockDuration      time.Duration `env:"CHATD_BLOCK_DURATION" envDefault:"5m"`
	MaxSessionsPerUser int           `env:"CHATD_MAX_SESSIONS_PER_USER" envDefault:"5"`

	// Messaging.
	MessageRateWindow  time.Duration `env:"CHATD_MESSAGE_RATE_WINDOW" envDefault:"60s"`
	MessageRateCeiling int           `env:"CHATD_MESSAGE_RATE_CEILING" envDefault:"10"`
	MaxMessageLength   int           `env:"CHATD_MAX_MESSAGE_LENGTH" envDefault:"1000"`

	// Typing indicator.
	TypingTimeout time.Duration `env:"CHATD_TYPING_TIMEOUT" envDefault:"3s"`

	// Session keepalive and housekeeping.
	SessionIdleTimeout time.Duration `env:"CHATD_SESSION_IDLE_TIMEOUT" envDefault:"12m"`
	JanitorInterval    time.Duration `env:"CHATD_JANITOR_INTERVAL" envDefault:"30s"`
	WriteTimeout       time.Duration `env:"CHATD_WRITE_TIMEOUT" envDefault:"10s"`

	DBMaxOpenConns int `env:"CHATD_DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns int `env:"CHATD_DB_MAX_IDLE_CONNS" envDefault:"10"`
}

// ParseServerFlags builds a [ServerConfig] from the environment, applies
// flag overrides from args, and validates the result.
func ParseServerFlags(args []string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "HTTP/WebSocket listen address")
	fs.StringVar(&cfg.DebugListen, "debug-listen", cfg.DebugListen, "pprof listen address (empty = disabled)")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.StringVar(&cfg.TokenSecret, "token-secret", cfg.TokenSecret, "HMAC secret for bearer token verification")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: text|json")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	return cfg, cfg.validate()
}

func (c *ServerConfig) validate() error {
	c.TokenSecret = strings.TrimSpace(c.TokenSecret)
	if c.TokenSecret == "" {
		return errors.New("missing --token-secret or CHATD_TOKEN_SECRET")
	}
	if len(c.TokenSecret) < 32 {
		return errors.New("token secret must be at least 32 bytes")
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return errors.New("log level must be one of: debug, info, warn, error")
	}
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return errors.New("log format must be one of: text, json")
	}
	if c.ConnectRateWindow <= 0 {
		return errors.New("connect rate window must be > 0")
	}
	if c.ConnectRateCeiling <= 0 {
		return errors.New("connect rate ceiling must be > 0")
	}
	if c.BlockDuration <= 0 {
		return errors.New("block duration must be > 0")
	}
	if c.MaxSessionsPerUser <= 0 {
		return errors.New("max sessions per user must be > 0")
	}
	if c.MessageRateWindow <= 0 {
		return errors.New("message rate window must be > 0")
	}
	if c.MessageRateCeiling <= 0 {
		return errors.New("message rate ceiling must be > 0")
	}
	if c.MaxMessageLength <= 0 {
		return errors.New("max message length must be > 0")
	}
	if c.TypingTimeout <= 0 {
		return errors.New("typing timeout must be > 0")
	}
	if c.SessionIdleTimeout <= 0 {
		return errors.New("session idle timeout must be > 0")
	}
	if c.JanitorInterval <= 0 {
		return errors.New("janitor interval must be > 0")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be > 0")
	}
	return nil
}
