// Package config holds the Sundial runtime configuration.
package config

import "time"

// Config represents the core Sundial configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
}

// DatabaseConfig configures the SQLite record store
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RemoteConfig configures the external execution service client
type RemoteConfig struct {
	BaseURL        string  `mapstructure:"base_url"`
	APIToken       string  `mapstructure:"api_token"`
	TimeoutSeconds int     `mapstructure:"timeout_seconds"`
	RatePerSecond  float64 `mapstructure:"rate_per_second"` // client-side request rate cap
	RateBurst      int     `mapstructure:"rate_burst"`

	// Uniform transient-failure retry policy, applied to submit and status calls
	RetryMaxAttempts    int `mapstructure:"retry_max_attempts"`
	RetryBaseSeconds    int `mapstructure:"retry_base_seconds"`
	RetryMaxWaitSeconds int `mapstructure:"retry_max_wait_seconds"`
}

// PollerConfig configures the execution status poller
type PollerConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`     // tick period (default: 15)
	MaxConcurrentPolls int `mapstructure:"max_concurrent_polls"` // governor poll-token cap (default: 10)
	MaxRuntimeSeconds  int `mapstructure:"max_runtime_seconds"`  // forced TIMEOUT threshold (default: 600)
	MaxPollErrors      int `mapstructure:"max_poll_errors"`      // consecutive poll errors before forced FAILED (default: 5)
	TokenWaitSeconds   int `mapstructure:"token_wait_seconds"`   // max wait for a poll token within one tick
}

// SchedulerConfig configures the schedule engine
type SchedulerConfig struct {
	IntervalSeconds    int `mapstructure:"interval_seconds"`     // tick period (default: 60)
	DedupWindowSeconds int `mapstructure:"dedup_window_seconds"` // minimum spacing between runs of one schedule (default: 300)
}

// BackfillConfig configures backfill segment execution
type BackfillConfig struct {
	MaxGlobalSegments int `mapstructure:"max_global_segments"` // cross-collection in-flight cap (default: 8)
	TokenWaitSeconds  int `mapstructure:"token_wait_seconds"`
}

// Duration helpers so call sites don't repeat second arithmetic.

func (c PollerConfig) Interval() time.Duration    { return time.Duration(c.IntervalSeconds) * time.Second }
func (c PollerConfig) MaxRuntime() time.Duration  { return time.Duration(c.MaxRuntimeSeconds) * time.Second }
func (c PollerConfig) TokenWait() time.Duration   { return time.Duration(c.TokenWaitSeconds) * time.Second }
func (c SchedulerConfig) Interval() time.Duration { return time.Duration(c.IntervalSeconds) * time.Second }
func (c SchedulerConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowSeconds) * time.Second
}
func (c BackfillConfig) TokenWait() time.Duration { return time.Duration(c.TokenWaitSeconds) * time.Second }
func (c RemoteConfig) Timeout() time.Duration     { return time.Duration(c.TimeoutSeconds) * time.Second }
func (c RemoteConfig) RetryBase() time.Duration   { return time.Duration(c.RetryBaseSeconds) * time.Second }
func (c RemoteConfig) RetryMaxWait() time.Duration {
	return time.Duration(c.RetryMaxWaitSeconds) * time.Second
}
