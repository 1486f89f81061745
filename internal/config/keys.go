package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kFloat
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	// check validates a string value before SetKey persists it.
	check   func(v string) error
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "gateway.base_url", typ: kString, check: checkURL, env: "DGPT_GATEWAY_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Gateway.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.BaseURL },
	},
	{
		key: "gateway.timeout", typ: kString, check: checkDuration, env: "DGPT_GATEWAY_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Timeout },
	},
	{
		key: "gateway.stream_timeout", typ: kString, check: checkDuration, env: "DGPT_GATEWAY_STREAM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.StreamTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.StreamTimeout },
	},
	{
		key: "gateway.rate_limit", typ: kFloat, env: "DGPT_GATEWAY_RATE_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Gateway.RateLimit = v.(float64) },
		extract: func(cfg Config) any { return cfg.Gateway.RateLimit },
	},
	{
		key: "gateway.proxy", typ: kString, check: checkOptionalURL, env: "DGPT_GATEWAY_PROXY",
		apply:   func(cfg *Config, v any) { cfg.Gateway.Proxy = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Proxy },
	},
	{
		key: "gateway.token", typ: kString, env: "DGPT_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Gateway.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Gateway.Token },
	},
	{
		key: "chat.prompt_id", typ: kString, env: "DGPT_CHAT_PROMPT_ID",
		apply:   func(cfg *Config, v any) { cfg.Chat.PromptID = v.(string) },
		extract: func(cfg Config) any { return cfg.Chat.PromptID },
	},
	{
		key: "chat.chunks", typ: kInt, env: "DGPT_CHAT_CHUNKS",
		apply:   func(cfg *Config, v any) { cfg.Chat.Chunks = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.Chunks },
	},
	{
		key: "chat.token_limit", typ: kInt, env: "DGPT_CHAT_TOKEN_LIMIT",
		apply:   func(cfg *Config, v any) { cfg.Chat.TokenLimit = v.(int) },
		extract: func(cfg Config) any { return cfg.Chat.TokenLimit },
	},
	{
		key: "ingest.poll_interval", typ: kString, check: checkDuration, env: "DGPT_INGEST_POLL_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.PollInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.PollInterval },
	},
	{
		key: "ingest.grace_interval", typ: kString, check: checkDuration, env: "DGPT_INGEST_GRACE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Ingest.GraceInterval = v.(string) },
		extract: func(cfg Config) any { return cfg.Ingest.GraceInterval },
	},
	{
		key: "ingest.max_poll_faults", typ: kInt, env: "DGPT_INGEST_MAX_POLL_FAULTS",
		apply:   func(cfg *Config, v any) { cfg.Ingest.MaxPollFaults = v.(int) },
		extract: func(cfg Config) any { return cfg.Ingest.MaxPollFaults },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DGPT_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, check: checkLevel, env: "DGPT_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func checkDuration(v string) error {
	d, err := time.ParseDuration(v)
	if err != nil {
		return err
	}
	if d < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

func checkURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func checkOptionalURL(v string) error {
	if v == "" {
		return nil
	}
	return checkURL(v)
}

func checkLevel(v string) error {
	switch strings.ToLower(v) {
	case "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("must be one of debug, info, warn, error")
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kFloat:
			v, ok, err := b.GetFloat(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kFloat:
			if f, err := strconv.ParseFloat(raw, 64); err == nil {
				s.apply(cfg, f)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
