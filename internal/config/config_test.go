package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadDefaults verifies defaults apply when no file exists and the API
// key comes from the environment.
func TestLoadDefaults(t *testing.T) {
	t.Setenv("ALLCR_EXTRACTOR_API_KEY", "env-key")

	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}

	if cfg.Server.Port != 4700 {
		t.Errorf("port = %d, want 4700", cfg.Server.Port)
	}
	if cfg.Storage.Backend != "sqlite" {
		t.Errorf("backend = %q, want sqlite", cfg.Storage.Backend)
	}
	if cfg.Extractor.VisionModel == "" || cfg.Extractor.EmbedModel == "" {
		t.Error("model defaults missing")
	}
	if cfg.Extractor.EmbedDim != 1536 {
		t.Errorf("embed dim = %d, want 1536", cfg.Extractor.EmbedDim)
	}
	if cfg.Extractor.APIKey != "env-key" {
		t.Errorf("api key = %q, want env-key", cfg.Extractor.APIKey)
	}
	if cfg.Retrieval.TopK != 3 {
		t.Errorf("top_k = %d, want 3", cfg.Retrieval.TopK)
	}
}

// TestLoadFromFile verifies YAML values override defaults and env overrides
// win over the file.
func TestLoadFromFile(t *testing.T) {
	t.Setenv("ALLCR_EXTRACTOR_API_KEY", "env-key")
	t.Setenv("ALLCR_SERVER_PORT", "9999")

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  port: 5000
extractor:
  vision_model: custom-vision
retrieval:
  top_k: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := loadFrom(path)
	if err != nil {
		t.Fatalf("loadFrom: %v", err)
	}

	if cfg.Server.Port != 9999 {
		t.Errorf("port = %d, want env override 9999", cfg.Server.Port)
	}
	if cfg.Extractor.VisionModel != "custom-vision" {
		t.Errorf("vision model = %q, want custom-vision", cfg.Extractor.VisionModel)
	}
	if cfg.Retrieval.TopK != 7 {
		t.Errorf("top_k = %d, want 7", cfg.Retrieval.TopK)
	}
	if cfg.Extractor.ChatModel == "" {
		t.Error("unset file values must keep their defaults")
	}
}

// TestLoadMissingAPIKey verifies the API key is required.
func TestLoadMissingAPIKey(t *testing.T) {
	t.Setenv("ALLCR_EXTRACTOR_API_KEY", "")

	_, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatal("expected error for missing API key")
	}
	if !strings.Contains(err.Error(), "ALLCR_EXTRACTOR_API_KEY") {
		t.Errorf("error does not name the env var: %v", err)
	}
}

// TestLoadPostgresRequiresDSN verifies the postgres backend demands a DSN.
func TestLoadPostgresRequiresDSN(t *testing.T) {
	t.Setenv("ALLCR_EXTRACTOR_API_KEY", "key")
	t.Setenv("ALLCR_STORAGE_BACKEND", "postgres")
	t.Setenv("ALLCR_STORAGE_POSTGRES_DSN", "")

	if _, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for postgres backend without DSN")
	}

	t.Setenv("ALLCR_STORAGE_POSTGRES_DSN", "postgres://localhost/allcr")
	cfg, err := loadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("loadFrom with DSN: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://localhost/allcr" {
		t.Errorf("dsn = %q", cfg.Storage.PostgresDSN)
	}
}

// TestLoadBadYAML verifies malformed config files fail loudly.
func TestLoadBadYAML(t *testing.T) {
	t.Setenv("ALLCR_EXTRACTOR_API_KEY", "key")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server: [not a map"), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	if _, err := loadFrom(path); err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}
