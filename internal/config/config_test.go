package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"catsift/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
[listing]
base_url = "https://catalog.example.com"

[tagging]
base_url = "https://tagging.example.com"

[lookalike]
base_url = "https://lens.example.com"

[similarity]
base_url = "https://simsearch.example.com"
`

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, validConfig)

	cfg, resolved, exists, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !exists {
		t.Fatal("expected config file found")
	}
	if resolved != path {
		t.Fatalf("expected resolved path %s, got %s", path, resolved)
	}
	if cfg.Pipeline.ScoreThreshold != 0.85 {
		t.Fatalf("expected default threshold, got %v", cfg.Pipeline.ScoreThreshold)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Fatalf("expected default attempt cap, got %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Tagging.Model != "qwen-vl-max" {
		t.Fatalf("expected default tagging model, got %q", cfg.Tagging.Model)
	}
	if !filepath.IsAbs(cfg.Paths.DataDir) {
		t.Fatalf("expected expanded data dir, got %q", cfg.Paths.DataDir)
	}
}

func TestLoadRejectsMissingCollaborator(t *testing.T) {
	path := writeConfig(t, `
[listing]
base_url = "https://catalog.example.com"
`)

	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected an error for missing collaborator endpoints")
	}
	if !strings.Contains(err.Error(), "base_url") {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	path := writeConfig(t, validConfig+`
[pipeline]
score_threshold = 1.8
`)

	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected an error for an out-of-range threshold")
	}
}

func TestLoadRejectsLeaseShorterThanPoll(t *testing.T) {
	path := writeConfig(t, validConfig+`
[pipeline]
queue_poll_seconds = 30
lease_seconds = 10
`)

	_, _, _, err := config.Load(path)
	if err == nil {
		t.Fatal("expected an error when the lease cannot outlive a poll")
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}

	// The sample must parse; its placeholder endpoints make it loadable.
	if _, _, _, err := config.Load(path); err != nil {
		t.Fatalf("Load sample: %v", err)
	}
}
