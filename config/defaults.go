package config

import "github.com/spf13/viper"

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "sundial.db")

	// Remote execution service defaults
	v.SetDefault("remote.timeout_seconds", 30)
	v.SetDefault("remote.rate_per_second", 5.0)
	v.SetDefault("remote.rate_burst", 10)
	v.SetDefault("remote.retry_max_attempts", 3)
	v.SetDefault("remote.retry_base_seconds", 2)
	v.SetDefault("remote.retry_max_wait_seconds", 60)

	// Poller defaults
	v.SetDefault("poller.interval_seconds", 15)
	v.SetDefault("poller.max_concurrent_polls", 10)
	v.SetDefault("poller.max_runtime_seconds", 600) // service-documented runtime ceiling
	v.SetDefault("poller.max_poll_errors", 5)
	v.SetDefault("poller.token_wait_seconds", 10)

	// Scheduler defaults
	v.SetDefault("scheduler.interval_seconds", 60)
	v.SetDefault("scheduler.dedup_window_seconds", 300)

	// Backfill defaults
	v.SetDefault("backfill.max_global_segments", 8)
	v.SetDefault("backfill.token_wait_seconds", 30)
}
