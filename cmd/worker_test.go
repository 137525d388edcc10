//go:build !integration

package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/submission-grader/internal/config"
	"github.com/sells-group/submission-grader/internal/model"
)

// withWorkerTestConfig points cfg at a throwaway sqlite store and local
// blobstore under t.TempDir, the minimum wiring worker-normalize needs to
// pass its role validation and complete a --dry-run-startup pass without a
// real Postgres or Notion connection.
func withWorkerTestConfig(t *testing.T) {
	t.Helper()
	orig := cfg
	t.Cleanup(func() { cfg = orig })

	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "worker_test.db")
	c.Blobstore.Driver = "local"
	c.Blobstore.RootDir = t.TempDir()
	c.Worker.ClaimLeaseSeconds = 30
	c.Worker.HeartbeatIntervalMS = 10000
	c.Worker.PollIntervalMS = 200
	c.Worker.IdleBackoffMS = 1000
	c.Worker.ErrorBackoffMS = 2000
	c.Artifact.CompatPolicy = "strict"
	cfg = c
}

func TestNewWorkerCmd_RoleValidationFailure(t *testing.T) {
	withWorkerTestConfig(t)
	cfg.Store.DatabaseURL = "" // fails worker-normalize's required field

	cmd := newWorkerCmd("worker-normalize", "normalize", "worker-normalize", model.StageNormalize)
	cmd.SetContext(context.Background())

	err := cmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestNewWorkerCmd_DryRunStartup_Succeeds(t *testing.T) {
	withWorkerTestConfig(t)
	origDryRun := dryRunStartup
	dryRunStartup = true
	t.Cleanup(func() { dryRunStartup = origDryRun })

	cmd := newWorkerCmd("worker-normalize", "normalize", "worker-normalize", model.StageNormalize)
	cmd.SetContext(context.Background())

	err := cmd.RunE(cmd, nil)
	assert.NoError(t, err)
}

func TestWorkerID_IncludesRoleAndPID(t *testing.T) {
	id := workerID("worker-deliver")
	assert.Contains(t, id, "worker-deliver-")
}
