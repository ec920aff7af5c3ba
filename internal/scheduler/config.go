package scheduler

import (
	"time"
)

// Config controls the scheduler tick and per-job timeouts. How often each job
// is due comes from the hot-reloaded sync config.
type Config struct {
	RunInterval       time.Duration
	ExpiryTimeout     time.Duration
	DriftAuditTimeout time.Duration
	MaxExpiryBatches  int
	EnabledJobs       []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval:       30 * time.Second,
		ExpiryTimeout:     time.Minute,
		DriftAuditTimeout: 15 * time.Minute,
		MaxExpiryBatches:  50,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.ExpiryTimeout <= 0 {
		c.ExpiryTimeout = defaults.ExpiryTimeout
	}
	if c.DriftAuditTimeout <= 0 {
		c.DriftAuditTimeout = defaults.DriftAuditTimeout
	}
	if c.MaxExpiryBatches <= 0 {
		c.MaxExpiryBatches = defaults.MaxExpiryBatches
	}
	return c
}
