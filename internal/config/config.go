// Package config loads the meetrelay process configuration from defaults,
// an optional TOML file, environment variables, and flags, in that order
// of increasing precedence.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// PasswordRequirements configures the meet-creation password policy.
//
// These fields deliberately carry no `envDefault` tag: env.ParseWithOptions
// applies envDefault whenever its env var is absent, which would clobber a
// value the TOML file just set. Defaults are seeded once, up front, by
// defaultConfig instead; see Load.
type PasswordRequirements struct {
	MinLength      int  `toml:"min_length" env:"MIN_LENGTH"`
	RequireUpper   bool `toml:"require_uppercase" env:"REQUIRE_UPPERCASE"`
	RequireLower   bool `toml:"require_lowercase" env:"REQUIRE_LOWERCASE"`
	RequireDigit   bool `toml:"require_digit" env:"REQUIRE_DIGIT"`
	RequireSpecial bool `toml:"require_special" env:"REQUIRE_SPECIAL"`
}

// SessionConfig configures session expiry.
type SessionConfig struct {
	AbsoluteTTLSecs int `toml:"absolute_ttl_secs" env:"ABSOLUTE_TTL_SECS"`
	IdleTTLSecs     int `toml:"idle_ttl_secs" env:"IDLE_TTL_SECS"`
}

// RateLimitConfig configures the admission rate limiter's exponential backoff.
type RateLimitConfig struct {
	MaxAttempts     int `toml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseBackoffSecs int `toml:"base_backoff_secs" env:"BASE_BACKOFF_SECS"`
	MaxBackoffSecs  int `toml:"max_backoff_secs" env:"MAX_BACKOFF_SECS"`
}

// Config holds the full process configuration.
type Config struct {
	// ConfigPath is the -config flag value that produced this Config, if
	// any. Not itself a configurable field; set by Load for callers that
	// want to watch the file for changes after startup.
	ConfigPath string `toml:"-" env:"-"`

	BindAddr string `toml:"bind_addr" env:"BIND_ADDR"`
	DataDir  string `toml:"data_dir" env:"DATA_DIR"`

	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`

	// RedisURL, when set, backs the admission rate limiter and the
	// encrypted session-persistence blob. When empty both fall back to
	// in-memory-only state, which does not survive a restart.
	RedisURL string `toml:"redis_url" env:"REDIS_URL"`

	// SessionPersistenceKey is the process secret whose raw bytes are used
	// directly as the JWE encryption key for the persisted session-table
	// blob; it must be exactly 32 bytes long. If empty,
	// sessions are never persisted (spec.md §9: "log a warning at startup").
	SessionPersistenceKey string `toml:"session_persistence_key" env:"SESSION_PERSISTENCE_KEY"`

	PasswordRequirements PasswordRequirements `toml:"password_requirements" envPrefix:"PASSWORD_REQUIREMENTS_"`
	Session              SessionConfig        `toml:"session" envPrefix:"SESSION_"`
	RateLimit            RateLimitConfig      `toml:"rate_limit" envPrefix:"RATE_LIMIT_"`
}

const envPrefix = "MEETRELAY_"

// defaultConfig returns the hardcoded baseline every other layer overrides.
// Kept as plain Go values rather than `envDefault` tags so env.Parse can be
// run later, on top of an already-populated struct, without re-applying a
// default over a value the file layer set (spec.md §6.3 precedence:
// flags > env > file > defaults).
func defaultConfig() *Config {
	return &Config{
		BindAddr:  "127.0.0.1:3000",
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "json",
		PasswordRequirements: PasswordRequirements{
			MinLength:      10,
			RequireUpper:   true,
			RequireLower:   true,
			RequireDigit:   true,
			RequireSpecial: true,
		},
		Session: SessionConfig{
			AbsoluteTTLSecs: 604800,
			IdleTTLSecs:     3600,
		},
		RateLimit: RateLimitConfig{
			MaxAttempts:     5,
			BaseBackoffSecs: 5,
			MaxBackoffSecs:  300,
		},
	}
}

// Load builds a Config from defaults, an optional TOML file at configPath
// (ignored if empty or missing), environment variables (prefix MEETRELAY_),
// and command-line flags, applied in that increasing order of precedence.
// args is normally os.Args[1:].
func Load(args []string, logger *slog.Logger) (*Config, error) {
	// 1. Flag pre-parse: flags are applied last, but -config must be read
	// before the file/env/defaults layers so the file can seed everything
	// beneath it.
	fs := flag.NewFlagSet("meetrelay", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a TOML configuration file")
	bindAddr := fs.String("bind-addr", "", "address to listen on (overrides env/file)")
	dataDir := fs.String("data-dir", "", "directory holding current-meets/ and finished-meets/")
	logLevel := fs.String("log-level", "", "log level: debug, info, warn, error")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// 2. Defaults, then the file on top of them — only the keys present in
	// the file change anything.
	cfg := defaultConfig()
	if *configPath != "" {
		if _, err := os.Stat(*configPath); err == nil {
			if _, err := toml.DecodeFile(*configPath, cfg); err != nil {
				return nil, fmt.Errorf("decoding config file %s: %w", *configPath, err)
			}
		} else if logger != nil {
			logger.Warn("config file not found, using defaults+env+flags", "path", *configPath)
		}
	}

	// 3. Environment variables override the file/default values. No field
	// above carries an `envDefault` tag, so a var that isn't set leaves
	// whatever defaultConfig/the file already put in cfg untouched, instead
	// of being reset to a library-level default.
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parsing config from env: %w", err)
	}

	// 4. Flags override everything else, only when explicitly given.
	if *bindAddr != "" {
		cfg.BindAddr = *bindAddr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	cfg.ConfigPath = *configPath
	return cfg, nil
}
