package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func writeSyncFile(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sync.yml"), []byte(body), 0o600))
}

func TestSyncConfigDefaultsWithoutFile(t *testing.T) {
	holder, err := NewSyncConfigHolder(Config{SyncConfigDir: t.TempDir()}, zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, DefaultSyncConfig().DriftAuditInterval, cfg.DriftAuditInterval)
	assert.Equal(t, "reconcile", cfg.ReconciliationPrefix)
	assert.True(t, cfg.Provider("Patreon").DriftAudit)
	assert.False(t, cfg.Provider("kofi").DriftAudit)
}

func TestSyncConfigFromFileAndReload(t *testing.T) {
	dir := t.TempDir()
	writeSyncFile(t, dir, `
sync:
  driftAuditInterval: 2h
  expirySweepInterval: 1m
  expiryBatchSize: 50
  reconciliationPrefix: manual
  providers:
    patreon:
      driftAudit: true
      autoSync: true
`)

	holder, err := NewSyncConfigHolder(Config{SyncConfigDir: dir}, zaptest.NewLogger(t))
	require.NoError(t, err)

	cfg := holder.Get()
	assert.Equal(t, 2*time.Hour, cfg.DriftAuditInterval)
	assert.Equal(t, time.Minute, cfg.ExpirySweepInterval)
	assert.Equal(t, 50, cfg.ExpiryBatchSize)
	assert.Equal(t, "manual", cfg.ReconciliationPrefix)
	assert.True(t, cfg.Provider("patreon").AutoSync)

	writeSyncFile(t, dir, `
sync:
  driftAuditInterval: 2h
  expirySweepInterval: 1m
  expiryBatchSize: 50
  reconciliationPrefix: rerun
`)
	require.Eventually(t, func() bool {
		return holder.Get().ReconciliationPrefix == "rerun"
	}, 5*time.Second, 50*time.Millisecond)
}

func TestSyncConfigRejectsInvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeSyncFile(t, dir, `
sync:
  expiryBatchSize: 0
`)

	_, err := NewSyncConfigHolder(Config{SyncConfigDir: dir}, zaptest.NewLogger(t))
	require.ErrorContains(t, err, "expiryBatchSize")
}

func TestNilHolderFallsBackToDefaults(t *testing.T) {
	var holder *SyncConfigHolder
	assert.Equal(t, DefaultSyncConfig().ExpiryBatchSize, holder.Get().ExpiryBatchSize)

	static := NewStaticSyncConfigHolder(SyncConfig{ReconciliationPrefix: "fixed"})
	assert.Equal(t, "fixed", static.Get().ReconciliationPrefix)
}
