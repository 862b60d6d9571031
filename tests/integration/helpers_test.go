//go:build integration

package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kriansa/pve-exe-runner/internal/config"
	"github.com/kriansa/pve-exe-runner/internal/runner"
)

const runTimeout = 30 * time.Minute

// labFor returns a validated copy of the lab config for one transport
func labFor(t *testing.T, name string) *config.Config {
	t.Helper()
	cfg := *lab
	cfg.Transport = name
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		t.Skipf("lab not configured for %s: %v", name, err)
	}
	return &cfg
}

// runWith performs one full run and requires it to complete
func runWith(t *testing.T, cfg *config.Config) *runner.Report {
	t.Helper()

	opts := runner.OptionsFromConfig(cfg)
	opts.LockDir = t.TempDir()
	opts.ShutdownVM = true
	r := runner.New(client, runner.OpenerFor(cfg, client), opts)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	report, err := r.Run(ctx)
	require.NoError(t, err)
	require.NotNil(t, report)
	return report
}
