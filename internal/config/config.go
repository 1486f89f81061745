package config

import (
	"log/slog"
	"strings"
	"time"
)

type Config struct {
	Gateway GatewayConfig
	Chat    ChatConfig
	Ingest  IngestConfig
	Storage StorageConfig
	Log     LogConfig
}

type GatewayConfig struct {
	BaseURL       string
	Timeout       string
	StreamTimeout string
	RateLimit     float64
	Proxy         string
	Token         string
}

type ChatConfig struct {
	PromptID   string
	Chunks     int
	TokenLimit int
}

type IngestConfig struct {
	PollInterval  string
	GraceInterval string
	MaxPollFaults int
}

type StorageConfig struct {
	DataDir string
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			BaseURL:       "http://localhost:7091",
			Timeout:       "30s",
			StreamTimeout: "300s",
		},
		Chat: ChatConfig{
			PromptID:   "default",
			Chunks:     2,
			TokenLimit: 2000,
		},
		Ingest: IngestConfig{
			PollInterval:  "5s",
			GraceInterval: "3s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the platform-native backend, environment
// variables, and platform secret store.
//
// On macOS the backend is UserDefaults (domain: com.dgpt.cli) and the token
// falls back to macOS Keychain.
// On Linux the backend is a JSON file at $XDG_CONFIG_HOME/dgpt/config.json
// and the token falls back to $XDG_DATA_HOME/dgpt/secrets.json.
//
// Environment variables (DGPT_*) override backend values on all platforms.
// A missing token is not an error: self-hosted backends often run without auth.
func Load() (Config, error) {
	return loadWith(newPlatformBackend(), keychainReader{})
}

// keychain abstracts secret store access for testing.
type keychain interface {
	Get(service, account string) (string, error)
}

func loadWith(b ConfigBackend, kc keychain) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.Gateway.Token == "" {
		if tok, err := kc.Get(secretService, tokenAccount); err == nil && tok != "" {
			cfg.Gateway.Token = tok
		}
	}

	cfg.Gateway.BaseURL = strings.TrimRight(cfg.Gateway.BaseURL, "/")
	return cfg, nil
}

const (
	secretService = "dgpt"
	tokenAccount  = "gateway_token"
)

// keychainReader reads from the platform secret store.
type keychainReader struct{}

func (keychainReader) Get(service, account string) (string, error) {
	out, err := keychainGet(service, account)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// SaveToken stores the gateway bearer token in the platform secret store.
func SaveToken(token string) error {
	return keychainSet(secretService, tokenAccount, strings.TrimSpace(token))
}

// ClearToken removes the stored bearer token. Removing a missing token is not
// an error.
func ClearToken() error {
	return keychainDelete(secretService, tokenAccount)
}

// Duration parses a duration config value, falling back to def when the value
// is empty or malformed.
func Duration(key, value string, def time.Duration) time.Duration {
	if value == "" {
		return def
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		slog.Warn("invalid duration in config, using default", "key", key, "value", value, "default", def)
		return def
	}
	return d
}

// LogLevel maps the configured level name to a slog level.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
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
