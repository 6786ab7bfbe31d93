package config

import (
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizePipeline()
	c.normalizeCollaborators()
	c.normalizeLogging()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() {
	if c.Pipeline.MaxAttempts <= 0 {
		c.Pipeline.MaxAttempts = defaultMaxAttempts
	}
	if c.Pipeline.RetryBackoffSeconds <= 0 {
		c.Pipeline.RetryBackoffSeconds = defaultRetryBackoffSeconds
	}
	if c.Pipeline.StaleClaimSeconds <= 0 {
		c.Pipeline.StaleClaimSeconds = defaultStaleClaimSeconds
	}
	if c.Pipeline.ReconcileSeconds <= 0 {
		c.Pipeline.ReconcileSeconds = defaultReconcileSeconds
	}
	if c.Pipeline.QueuePollSeconds <= 0 {
		c.Pipeline.QueuePollSeconds = defaultQueuePollSeconds
	}
	if c.Pipeline.LeaseSeconds <= 0 {
		c.Pipeline.LeaseSeconds = defaultLeaseSeconds
	}
	if c.Pipeline.IngestWorkers <= 0 {
		c.Pipeline.IngestWorkers = defaultIngestWorkers
	}
	if c.Pipeline.EnrichWorkers <= 0 {
		c.Pipeline.EnrichWorkers = defaultEnrichWorkers
	}
	if c.Pipeline.ClusterWorkers <= 0 {
		c.Pipeline.ClusterWorkers = defaultClusterWorkers
	}
	if c.Pipeline.AssignConflictRetries <= 0 {
		c.Pipeline.AssignConflictRetries = defaultAssignConflictRetries
	}
	if c.Pipeline.RecencyWindowDays <= 0 {
		c.Pipeline.RecencyWindowDays = defaultRecencyWindowDays
	}
}

func (c *Config) normalizeCollaborators() {
	for _, collab := range []*Collaborator{&c.Listing, &c.Tagging.Collaborator, &c.Lookalike, &c.Similarity} {
		collab.BaseURL = strings.TrimSpace(collab.BaseURL)
		collab.APIKey = strings.TrimSpace(collab.APIKey)
		if collab.TimeoutSeconds <= 0 {
			collab.TimeoutSeconds = defaultCollaboratorTimeout
		}
	}
	if strings.TrimSpace(c.Tagging.Model) == "" {
		c.Tagging.Model = defaultTaggingModel
	}
}

func (c *Config) normalizeLogging() {
	if strings.TrimSpace(c.Logging.Format) == "" {
		c.Logging.Format = defaultLogFormat
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = defaultLogLevel
	}
}
