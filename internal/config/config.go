package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir string `toml:"data_dir"`
	LogDir  string `toml:"log_dir"`
}

// Pipeline contains orchestration and clustering settings.
type Pipeline struct {
	// ScoreThreshold is the minimum similarity score for a candidate to
	// count as a near-duplicate during cluster assignment.
	ScoreThreshold float64 `toml:"score_threshold"`
	// MaxAttempts caps retryable task failures before dead-lettering.
	MaxAttempts int `toml:"max_attempts"`
	// RetryBackoffSeconds is the base delay before a failed task becomes
	// claimable again; it doubles per attempt.
	RetryBackoffSeconds int `toml:"retry_backoff_seconds"`
	// StaleClaimSeconds is how long a task may sit in progress before the
	// recovery sweep assumes its worker crashed.
	StaleClaimSeconds     int `toml:"stale_claim_seconds"`
	ReconcileSeconds      int `toml:"reconcile_seconds"`
	QueuePollSeconds      int `toml:"queue_poll_seconds"`
	LeaseSeconds          int `toml:"lease_seconds"`
	IngestWorkers         int `toml:"ingest_workers"`
	EnrichWorkers         int `toml:"enrich_workers"`
	ClusterWorkers        int `toml:"cluster_workers"`
	AssignConflictRetries int `toml:"assign_conflict_retries"`
	// RecencyWindowDays bounds how old a listing's inspection evidence may
	// be before the product is excluded from the pipeline.
	RecencyWindowDays int `toml:"recency_window_days"`
}

// Collaborator holds connection settings for one external service.
type Collaborator struct {
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// Tagging extends the collaborator settings with the model used for tagging.
type Tagging struct {
	Collaborator
	Model string `toml:"model"`
}

// Notifications contains configuration for operator push notifications.
type Notifications struct {
	// NtfyTopic is the full ntfy topic URL. Empty disables notifications.
	NtfyTopic          string `toml:"ntfy_topic"`
	NtfyTimeoutSeconds int    `toml:"ntfy_timeout_seconds"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for catsift.
//
// Configuration sections by subsystem:
//   - Paths: data and log directories
//   - Pipeline: retry caps, backoff, clustering threshold, worker counts
//   - Listing / Tagging / Lookalike / Similarity: external collaborators
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Listing       Collaborator  `toml:"listing"`
	Tagging       Tagging       `toml:"tagging"`
	Lookalike     Collaborator  `toml:"lookalike"`
	Similarity    Collaborator  `toml:"similarity"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/catsift/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the daemon needs at runtime.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

func expandPath(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", nil
	}
	if trimmed == "~" || strings.HasPrefix(trimmed, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if trimmed == "~" {
			return home, nil
		}
		return filepath.Join(home, trimmed[2:]), nil
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve path %s: %w", trimmed, err)
	}
	return abs, nil
}
