package config

import (
	"encoding/json"
	"log"
	"os"
	"strconv"
)

// Config holds all configurable server parameters.
type Config struct {
	HTTPPort int `json:"http_port"`

	// DatabaseURL is the remote store connection string. Empty means the
	// server runs in fallback-only (degraded) mode.
	DatabaseURL string `json:"database_url"`

	// AuthBaseURL is the auth provider base URL used for JWT validation.
	// Empty disables the registered-identity strategy.
	AuthBaseURL string `json:"auth_base_url"`

	// FallbackDir is where fallback records are written when the remote
	// store is unreachable.
	FallbackDir string `json:"fallback_dir"`

	// RemoteTimeoutMS bounds each remote store call so a slow store
	// degrades to fallback instead of hanging the interaction.
	RemoteTimeoutMS int `json:"remote_timeout_ms"`

	// ReplayIntervalSec is how often unsynced fallback records are
	// replayed to the remote store. 0 disables periodic replay.
	ReplayIntervalSec int `json:"replay_interval_sec"`

	// MaxHistoryLimit caps the page size of history queries.
	MaxHistoryLimit int `json:"max_history_limit"`

	// SessionTokenTTLMin is the lifetime of issued session tokens.
	SessionTokenTTLMin int `json:"session_token_ttl_min"`
}

// Defaults returns a Config with all default values.
func Defaults() *Config {
	return &Config{
		HTTPPort:           8080,
		FallbackDir:        "fallback_data",
		RemoteTimeoutMS:    3000,
		ReplayIntervalSec:  60,
		MaxHistoryLimit:    100,
		SessionTokenTTLMin: 24 * 60,
	}
}

// Load reads configuration from an optional config.json file,
// then applies environment variable overrides. Fields not set
// in either source retain their default values.
func Load() *Config {
	cfg := Defaults()

	if f, err := os.Open("config.json"); err == nil {
		defer f.Close()
		if err := json.NewDecoder(f).Decode(cfg); err != nil {
			log.Printf("Warning: failed to parse config.json: %v", err)
		}
	}

	overrideInt(&cfg.HTTPPort, "HTTP_PORT")
	overrideString(&cfg.DatabaseURL, "DATABASE_URL")
	overrideString(&cfg.AuthBaseURL, "AUTH_BASE_URL")
	overrideString(&cfg.FallbackDir, "FALLBACK_DIR")
	overrideInt(&cfg.RemoteTimeoutMS, "REMOTE_TIMEOUT_MS")
	overrideInt(&cfg.ReplayIntervalSec, "REPLAY_INTERVAL_SEC")
	overrideInt(&cfg.MaxHistoryLimit, "MAX_HISTORY_LIMIT")
	overrideInt(&cfg.SessionTokenTTLMin, "SESSION_TOKEN_TTL_MIN")

	return cfg
}

func overrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			*field = n
		} else {
			log.Printf("Warning: invalid value for %s: %q", envKey, val)
		}
	}
}

func overrideString(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}
