package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateCollaborator("listing", c.Listing); err != nil {
		return err
	}
	if err := c.validateCollaborator("tagging", c.Tagging.Collaborator); err != nil {
		return err
	}
	if err := c.validateCollaborator("lookalike", c.Lookalike); err != nil {
		return err
	}
	if err := c.validateCollaborator("similarity", c.Similarity); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.ScoreThreshold <= 0 || c.Pipeline.ScoreThreshold > 1 {
		return errors.New("pipeline.score_threshold must be between 0 and 1")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return errors.New("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.LeaseSeconds <= c.Pipeline.QueuePollSeconds {
		return errors.New("pipeline.lease_seconds must exceed pipeline.queue_poll_seconds")
	}
	return nil
}

func (c *Config) validateCollaborator(section string, collab Collaborator) error {
	if strings.TrimSpace(collab.BaseURL) == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			defaultPath = "~/.config/catsift/config.toml"
		}
		return fmt.Errorf("%s.base_url is required. Edit %s (create with 'catsift config init')", section, defaultPath)
	}
	if _, err := url.Parse(collab.BaseURL); err != nil {
		return fmt.Errorf("%s.base_url: %w", section, err)
	}
	return nil
}
