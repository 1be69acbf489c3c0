package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jekabolt/o2o-ledger/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.toml"))
	require.NoError(t, err)

	assert.Equal(t, store.DriverSQLite, cfg.DB.Driver)
	assert.Equal(t, int64(100000), cfg.Router.SwitchThreshold)
	assert.Equal(t, 30*time.Second, cfg.Router.QueryTimeout)
	assert.True(t, cfg.Router.RebuildOnMiss)
	assert.Equal(t, 31, cfg.Router.MaxRebuildDays)
	assert.Equal(t, []string{"with_fallback", "strict"}, cfg.Cache.Modes)
	assert.Equal(t, "v3.1", cfg.Aggregator.MarketingFormula)
	assert.Equal(t, []string{"meituan", "eleme", "jddj"}, cfg.Channels.Commission)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadConfigFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[router]
switch_threshold = 500

[channels]
commission = ["meituan"]
free = ["self_pickup"]
`), 0o644))
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("ROUTER_REBUILD_ON_MISS", "false")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, int64(500), cfg.Router.SwitchThreshold)
	assert.Equal(t, []string{"meituan"}, cfg.Channels.Commission)
	assert.Equal(t, []string{"self_pickup"}, cfg.Channels.Free)
	assert.Equal(t, "9090", cfg.HTTP.Port)
	assert.False(t, cfg.Router.RebuildOnMiss)
}
