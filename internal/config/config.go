package config

import (
	"time"
)

type Config struct {
	Server    ServerConfig
	Ollama    OllamaConfig
	Storage   StorageConfig
	Retrieval RetrievalConfig
	Log       LogConfig
}

type ServerConfig struct {
	Port int
}

type OllamaConfig struct {
	BaseURL      string
	EmbedModel   string
	EmbedTimeout string
}

// Timeout parses EmbedTimeout, falling back to three seconds when the
// configured value does not parse. Retrieval latency rides on this bound.
func (c OllamaConfig) Timeout() time.Duration {
	d, err := time.ParseDuration(c.EmbedTimeout)
	if err != nil || d <= 0 {
		return 3 * time.Second
	}
	return d
}

type StorageConfig struct {
	DataDir string
}

type RetrievalConfig struct {
	TopK        int
	TokenBudget int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 5030,
		},
		Ollama: OllamaConfig{
			BaseURL:      "http://localhost:11434",
			EmbedModel:   "nomic-embed-text",
			EmbedTimeout: "3s",
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:        8,
			TokenBudget: 2048,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/gamemaster/config.json, then applies GAMEMASTER_*
// environment overrides. Every key has a working default; a missing config
// file is not an error.
func Load() (Config, error) {
	return loadWith(newFileBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}
