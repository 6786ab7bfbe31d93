package testsupport

import (
	"path/filepath"
	"testing"

	"catsift/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Listing.BaseURL = "http://listing.test"
	cfgVal.Tagging.BaseURL = "http://tagging.test"
	cfgVal.Lookalike.BaseURL = "http://lookalike.test"
	cfgVal.Similarity.BaseURL = "http://similarity.test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithScoreThreshold overrides the clustering score threshold.
func WithScoreThreshold(threshold float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.ScoreThreshold = threshold
	}
}

// WithMaxAttempts overrides the task attempt cap.
func WithMaxAttempts(attempts int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxAttempts = attempts
	}
}

// WithSimilarityURL points the similarity collaborator at a test server.
func WithSimilarityURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Similarity.BaseURL = url
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
