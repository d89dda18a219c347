package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	t.Setenv("HOTSPOT_SYNC_KEY", "router-key")
	t.Setenv("HOTSPOT_ADMIN_TOKEN", "admin-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.Listen)
	require.Equal(t, "hotspot.db", cfg.DBPath)
	require.Equal(t, 300, cfg.Sweep.IntervalSeconds)
	require.Equal(t, "router-key", cfg.SyncKey)
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hotspot.yaml")
	yaml := `
listen: ":9090"
sync_key: file-key
admin_token: file-token
sweep:
  interval_s: 120
limits:
  redeem_per_minute: 3
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	t.Setenv("HOTSPOT_LISTEN", ":7070")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":7070", cfg.Listen, "environment wins over file")
	require.Equal(t, "file-key", cfg.SyncKey)
	require.Equal(t, 120, cfg.Sweep.IntervalSeconds)
	require.Equal(t, 3, cfg.Limits.RedeemPerMinute)
}

func TestValidateRequiresSecrets(t *testing.T) {
	cfg := DefaultConfig()
	require.ErrorIs(t, cfg.Validate(), ErrMissingSyncKey)

	cfg.SyncKey = "k"
	require.ErrorIs(t, cfg.Validate(), ErrMissingAdminToken)

	cfg.AdminToken = "t"
	require.NoError(t, cfg.Validate())
}

func TestValidateNormalizesRanges(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SyncKey = "k"
	cfg.AdminToken = "t"
	cfg.Sweep.IntervalSeconds = 1
	cfg.Tracing.SampleRatio = 5
	cfg.Limits.RedeemPerMinute = -1

	require.NoError(t, cfg.Validate())
	require.Equal(t, 30, cfg.Sweep.IntervalSeconds)
	require.Equal(t, float64(1), cfg.Tracing.SampleRatio)
	require.Equal(t, 10, cfg.Limits.RedeemPerMinute)
}
