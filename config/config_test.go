package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pagestore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 0.1, cfg.MinFreePageCompactionRatio)
	require.Equal(t, 0.3, cfg.MaxFreePageCompactionRatio)
	require.Equal(t, cfg.PageSize, cfg.PageFile().PageSize)
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
directory: /var/lib/pagestore
page_size: 8192
min_free_page_compaction_ratio: 0.2
max_free_page_compaction_ratio: 0.5
checkpoint_interval: 2s
cleanup_interval: 0s
redo_sync_strategy: PERIODIC
redo_sync_interval: 250ms
journal_max_file_length: 1048576
logger:
  level: debug
  format: console
telemetry:
  enabled: true
  prometheus_port: 9464
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/pagestore", cfg.Directory)
	require.Equal(t, 8192, cfg.PageSize)
	require.Equal(t, 2*time.Second, cfg.CheckpointInterval)
	require.Zero(t, cfg.CleanupInterval)
	require.Equal(t, wal.SyncPeriodic, cfg.RedoSyncStrategy)
	require.Equal(t, 250*time.Millisecond, cfg.RedoSyncInterval)
	require.Equal(t, int64(1048576), cfg.Journal().MaxFileLength)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.True(t, cfg.Telemetry.Enabled)
	require.Equal(t, 9464, cfg.Telemetry.PrometheusPort)
	// Untouched keys keep their defaults.
	require.False(t, cfg.EnableCompaction)
	require.Equal(t, 64, cfg.IndexLeafCapacity)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"unknown key":    "no_such_option: 1\n",
		"ratios swapped": "min_free_page_compaction_ratio: 0.6\nmax_free_page_compaction_ratio: 0.2\n",
		"bad strategy":   "redo_sync_strategy: sometimes\n",
		"tiny page":      "page_size: 8\n",
		"no directory":   "directory: \"\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
