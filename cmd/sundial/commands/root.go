// Package commands implements the sundial CLI commands.
package commands

import (
	"context"
	"time"

	"github.com/sundial-hq/sundial/config"
	"github.com/sundial-hq/sundial/daemon"
	"github.com/sundial-hq/sundial/errors"
	"github.com/sundial-hq/sundial/logger"
	"github.com/sundial-hq/sundial/remote"
)

// newDaemon loads configuration and assembles the runtime. One-shot
// commands use the returned daemon's facade without starting its loops.
func newDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	return daemon.New(ctx, *cfg, logger.Logger)
}

// parseWindow parses a CLI window timestamp, which uses the same
// local-style format the service speaks.
func parseWindow(flag, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.NewInvalidRequestf("--%s is required", flag)
	}
	t, err := time.Parse(remote.WindowTimeFormat, value)
	if err != nil {
		return time.Time{}, errors.NewInvalidRequestf(
			"--%s must look like 2026-03-01T00:00:00, got %q", flag, value)
	}
	return t, nil
}
