package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/catalog-curator/internal/config"
	"github.com/sells-group/catalog-curator/internal/diff"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store.Driver = "sqlite"
	c.Store.DatabaseURL = filepath.Join(t.TempDir(), "curator.db")
	c.Server.Port = 8080
	c.Analysis.Backends = []string{"anthropic"}
	c.Anthropic.Key = "sk-ant-test"
	c.Anthropic.Model = "claude-sonnet-4-5-20250929"
	c.Jobs.MaxConcurrent = 4
	c.Jobs.BatchSize = 5
	c.Jobs.DispatchDelayMs = 250
	c.Jobs.RetryCap = 1
	c.Jobs.DefaultTokenBudget = 1500
	c.Diff.ConfidenceThreshold = 0.6
	c.Approval.AutoApproveThreshold = 0.9
	c.Budget.MonthlyCeilingUSD = 25
	c.Rollback.RetentionDays = 90
	return c
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	c := testConfig(t)
	c.Store.Driver = "mysql"

	_, err := initStore(context.Background(), c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestInitEnv_ReviewCommandsSkipProviders(t *testing.T) {
	c := testConfig(t)
	c.Anthropic.Key = ""

	env, err := initEnv(context.Background(), c, "changes", false)
	require.NoError(t, err)
	defer env.Close()

	assert.Nil(t, env.Registry)
	assert.NotNil(t, env.Approval)
	assert.NotNil(t, env.Rollback)
	assert.InDelta(t, 25.0, env.Ledger.Ceiling(), 0.001)
}

func TestInitEnv_JobWiresProviders(t *testing.T) {
	c := testConfig(t)

	env, err := initEnv(context.Background(), c, "job", true)
	require.NoError(t, err)
	defer env.Close()

	require.NotNil(t, env.Registry)
	assert.True(t, env.Registry.Has("anthropic"))
	assert.False(t, env.Registry.Has("openai"))
}

func TestInitEnv_ValidationFails(t *testing.T) {
	c := testConfig(t)
	c.Anthropic.Key = ""

	_, err := initEnv(context.Background(), c, "job", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic.key is required")
}

func TestOrchestratorConfig(t *testing.T) {
	c := testConfig(t)
	w := diff.DefaultWeights()

	oc := orchestratorConfig(c, w)
	assert.Equal(t, 4, oc.MaxConcurrent)
	assert.Equal(t, 5, oc.BatchSize)
	assert.Equal(t, 250*time.Millisecond, oc.DispatchDelay)
	assert.Equal(t, 1, oc.RetryCap)
	assert.Equal(t, 1500, oc.TokenBudget)
	assert.InDelta(t, 0.6, oc.ConfidenceThreshold, 0.001)
	assert.Same(t, w, oc.Weights)

	c.Jobs.ConfidenceThreshold = 0.75
	assert.InDelta(t, 0.75, orchestratorConfig(c, w).ConfidenceThreshold, 0.001)
}

func TestNewServer_Health(t *testing.T) {
	c := testConfig(t)
	cfg = c
	t.Cleanup(func() { cfg = nil })

	env, err := initEnv(context.Background(), c, "serve", true)
	require.NoError(t, err)
	defer env.Close()

	srv := httptest.NewServer(newServer(env).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/stats")
	require.NoError(t, err)
	defer resp2.Body.Close() //nolint:errcheck
	require.Equal(t, http.StatusOK, resp2.StatusCode)

	var stats map[string]any
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&stats))
	assert.InDelta(t, 25.0, stats["monthly_ceiling_usd"], 0.001)
}
