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
)

// keySpec wires one dotted config key to its Config field, its environment
// override, and an optional validity check applied before any value lands.
type keySpec struct {
	key     string
	typ     keyType
	env     string
	check   func(v any) error
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "GAMEMASTER_SERVER_PORT",
		check:   checkPort,
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "ollama.base_url", typ: kString, env: "GAMEMASTER_OLLAMA_BASE_URL",
		check:   checkHTTPURL,
		apply:   func(cfg *Config, v any) { cfg.Ollama.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.BaseURL },
	},
	{
		key: "ollama.embed_model", typ: kString, env: "GAMEMASTER_OLLAMA_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedModel },
	},
	{
		key: "ollama.embed_timeout", typ: kString, env: "GAMEMASTER_OLLAMA_EMBED_TIMEOUT",
		check:   checkDuration,
		apply:   func(cfg *Config, v any) { cfg.Ollama.EmbedTimeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Ollama.EmbedTimeout },
	},
	{
		key: "storage.data_dir", typ: kString, env: "GAMEMASTER_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "retrieval.top_k", typ: kInt, env: "GAMEMASTER_RETRIEVAL_TOP_K",
		check:   checkPositive,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TopK = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TopK },
	},
	{
		key: "retrieval.token_budget", typ: kInt, env: "GAMEMASTER_RETRIEVAL_TOKEN_BUDGET",
		check:   checkPositive,
		apply:   func(cfg *Config, v any) { cfg.Retrieval.TokenBudget = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.TokenBudget },
	},
	{
		key: "log.level", typ: kString, env: "GAMEMASTER_LOG_LEVEL",
		check:   checkLogLevel,
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

func checkPort(v any) error {
	if p := v.(int); p < 1 || p > 65535 {
		return fmt.Errorf("port %d out of range 1-65535", p)
	}
	return nil
}

func checkPositive(v any) error {
	if n := v.(int); n < 1 {
		return fmt.Errorf("%d is not positive", n)
	}
	return nil
}

func checkHTTPURL(v any) error {
	u, err := url.Parse(v.(string))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL", v)
	}
	return nil
}

func checkDuration(v any) error {
	d, err := time.ParseDuration(v.(string))
	if err != nil {
		return fmt.Errorf("%q is not a duration such as 3s or 500ms", v)
	}
	if d <= 0 {
		return fmt.Errorf("duration %q is not positive", v)
	}
	return nil
}

func checkLogLevel(v any) error {
	switch strings.ToLower(v.(string)) {
	case "debug", "info", "warn", "error":
		return nil
	}
	return fmt.Errorf("%q is not one of debug, info, warn, error", v)
}

// applyChecked runs the key's check before applying, so a bad value in the
// config file or environment degrades to the default instead of reaching
// the server.
func applyChecked(cfg *Config, s keySpec, v any, source string) {
	if s.check != nil {
		if err := s.check(v); err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s from %s: %v. Using default value.\n", s.key, source, err)
			return
		}
	}
	s.apply(cfg, v)
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				applyChecked(cfg, s, v, "config file")
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				applyChecked(cfg, s, v, "config file")
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			applyChecked(cfg, s, raw, "environment")
		case kInt:
			i, err := strconv.Atoi(raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
				continue
			}
			applyChecked(cfg, s, i, "environment")
		}
	}
}
