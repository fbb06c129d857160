package config

import "github.com/sundial-hq/sundial/errors"

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Remote.BaseURL == "" {
		return errors.New("remote.base_url cannot be empty")
	}
	if c.Remote.TimeoutSeconds <= 0 {
		return errors.Newf("remote.timeout_seconds must be > 0, got %d", c.Remote.TimeoutSeconds)
	}
	if c.Remote.RetryMaxAttempts < 1 {
		return errors.Newf("remote.retry_max_attempts must be >= 1, got %d", c.Remote.RetryMaxAttempts)
	}

	if c.Poller.IntervalSeconds <= 0 {
		return errors.Newf("poller.interval_seconds must be > 0, got %d", c.Poller.IntervalSeconds)
	}
	if c.Poller.MaxConcurrentPolls < 1 {
		return errors.Newf("poller.max_concurrent_polls must be >= 1, got %d", c.Poller.MaxConcurrentPolls)
	}
	if c.Poller.MaxRuntimeSeconds <= 0 {
		return errors.Newf("poller.max_runtime_seconds must be > 0, got %d", c.Poller.MaxRuntimeSeconds)
	}

	if c.Scheduler.IntervalSeconds <= 0 {
		return errors.Newf("scheduler.interval_seconds must be > 0, got %d", c.Scheduler.IntervalSeconds)
	}
	if c.Scheduler.DedupWindowSeconds < 0 {
		return errors.Newf("scheduler.dedup_window_seconds must be >= 0, got %d", c.Scheduler.DedupWindowSeconds)
	}

	if c.Backfill.MaxGlobalSegments < 1 {
		return errors.Newf("backfill.max_global_segments must be >= 1, got %d", c.Backfill.MaxGlobalSegments)
	}

	return nil
}
