// Package config loads application configuration from a YAML file with
// ALLCR_* environment variable overrides. Secrets (the model API key) come
// from the environment only and are never written to the config file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Extractor ExtractorConfig `yaml:"extractor"`
	Storage   StorageConfig   `yaml:"storage"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type ExtractorConfig struct {
	BaseURL         string `yaml:"base_url"`
	VisionModel     string `yaml:"vision_model"`
	ChatModel       string `yaml:"chat_model"`
	EmbedModel      string `yaml:"embed_model"`
	TranscribeModel string `yaml:"transcribe_model"`
	EmbedDim        int    `yaml:"embed_dim"`
	APIKey          string `yaml:"-"`
}

type StorageConfig struct {
	Backend     string `yaml:"backend"` // "sqlite" or "postgres"
	DataDir     string `yaml:"data_dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type RetrievalConfig struct {
	TopK       int `yaml:"top_k"`
	Oversample int `yaml:"oversample"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4700,
		},
		Extractor: ExtractorConfig{
			BaseURL:         "https://api.openai.com",
			VisionModel:     "gpt-4o",
			ChatModel:       "gpt-4o-mini",
			EmbedModel:      "text-embedding-3-small",
			TranscribeModel: "whisper-1",
			EmbedDim:        1536,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			DataDir: defaultDataDir(),
		},
		Retrieval: RetrievalConfig{
			TopK:       3,
			Oversample: 10,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "allcr")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".local", "share", "allcr")
}

func defaultConfigPath() string {
	if path := os.Getenv("ALLCR_CONFIG"); path != "" {
		return path
	}
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "allcr", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "allcr", "config.yaml")
}

// Load reads the config file (if present), applies environment overrides and
// validates required values.
func Load() (Config, error) {
	return loadFrom(defaultConfigPath())
}

func loadFrom(path string) (Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if cfg.Extractor.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: model API key; set ALLCR_EXTRACTOR_API_KEY")
	}
	if cfg.Storage.Backend == "postgres" && cfg.Storage.PostgresDSN == "" {
		return Config{}, fmt.Errorf("storage backend is postgres but postgres_dsn is empty")
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) {
		if v := os.Getenv(env); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setInt("ALLCR_SERVER_PORT", &cfg.Server.Port)
	setString("ALLCR_EXTRACTOR_BASE_URL", &cfg.Extractor.BaseURL)
	setString("ALLCR_EXTRACTOR_VISION_MODEL", &cfg.Extractor.VisionModel)
	setString("ALLCR_EXTRACTOR_CHAT_MODEL", &cfg.Extractor.ChatModel)
	setString("ALLCR_EXTRACTOR_EMBED_MODEL", &cfg.Extractor.EmbedModel)
	setString("ALLCR_EXTRACTOR_TRANSCRIBE_MODEL", &cfg.Extractor.TranscribeModel)
	setInt("ALLCR_EXTRACTOR_EMBED_DIM", &cfg.Extractor.EmbedDim)
	setString("ALLCR_EXTRACTOR_API_KEY", &cfg.Extractor.APIKey)
	setString("ALLCR_STORAGE_BACKEND", &cfg.Storage.Backend)
	setString("ALLCR_STORAGE_DATA_DIR", &cfg.Storage.DataDir)
	setString("ALLCR_STORAGE_POSTGRES_DSN", &cfg.Storage.PostgresDSN)
	setInt("ALLCR_RETRIEVAL_TOP_K", &cfg.Retrieval.TopK)
	setInt("ALLCR_RETRIEVAL_OVERSAMPLE", &cfg.Retrieval.Oversample)
	setString("ALLCR_LOG_LEVEL", &cfg.Log.Level)
}
