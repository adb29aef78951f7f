package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("NATS_STAGE_SUBJECT", "")
	t.Setenv("STAGE_RESULT_TTL_MINUTES", "")
	t.Setenv("REVIEW_CONFIDENCE_THRESHOLD", "")
	t.Setenv("LOCK_MAX_AGE_MINUTES", "")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATSStageSubject != "workflows.stages" {
		t.Fatalf("expected default stage subject, got %q", cfg.NATSStageSubject)
	}
	if cfg.StageResultTTLMinutes != 60 {
		t.Fatalf("expected default stage result TTL 60, got %d", cfg.StageResultTTLMinutes)
	}
	if cfg.ReviewConfidenceThreshold != 0.6 {
		t.Fatalf("expected default review threshold 0.6, got %v", cfg.ReviewConfidenceThreshold)
	}
	if cfg.LockMaxAgeMinutes != 10 {
		t.Fatalf("expected default lock max age 10, got %d", cfg.LockMaxAgeMinutes)
	}
}

func TestLoadParsesOverrides(t *testing.T) {
	t.Setenv("NATS_STAGE_SUBJECT", "po.stages")
	t.Setenv("STAGE_RESULT_TTL_MINUTES", "15")
	t.Setenv("REVIEW_CONFIDENCE_THRESHOLD", "0.75")
	t.Setenv("SYNC_IMAGES", "true")
	t.Setenv("IMAGE_SEARCH_RPS", "2.5")
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.NATSStageSubject != "po.stages" {
		t.Fatalf("expected subject override, got %q", cfg.NATSStageSubject)
	}
	if cfg.StageResultTTLMinutes != 15 {
		t.Fatalf("expected TTL 15, got %d", cfg.StageResultTTLMinutes)
	}
	if cfg.ReviewConfidenceThreshold != 0.75 {
		t.Fatalf("expected threshold 0.75, got %v", cfg.ReviewConfidenceThreshold)
	}
	if !cfg.SyncImages {
		t.Fatal("expected sync images enabled")
	}
	if cfg.ImageSearchRPS != 2.5 {
		t.Fatalf("expected image search rps 2.5, got %v", cfg.ImageSearchRPS)
	}
}

func TestLoadAppliesYAMLFileOverride(t *testing.T) {
	t.Setenv("API_PORT", "8080")
	t.Setenv("PARSER_MODEL", "po-extract-v2")

	path := filepath.Join(t.TempDir(), "poflow.yaml")
	content := "api_port: \"9999\"\nreview_confidence_threshold: 0.8\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.APIPort != "9999" {
		t.Fatalf("file override not applied, api port = %q", cfg.APIPort)
	}
	if cfg.ReviewConfidenceThreshold != 0.8 {
		t.Fatalf("file override not applied, threshold = %v", cfg.ReviewConfidenceThreshold)
	}
	// Keys absent from the file keep their environment values.
	if cfg.ParserModel != "po-extract-v2" {
		t.Fatalf("unset file key clobbered env value: %q", cfg.ParserModel)
	}
}

func TestLoadRejectsMalformedConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("api_port: [not: valid"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed config file")
	}
}
