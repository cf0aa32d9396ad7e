// Package config loads the YAML configuration of a page store.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sushant-115/pagestore/core/storage_engine/journal"
	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"github.com/sushant-115/pagestore/pkg/logger"
	"github.com/sushant-115/pagestore/pkg/telemetry"
	"gopkg.in/yaml.v3"
)

// Config is the full configuration of a store and its page file.
type Config struct {
	Directory string `yaml:"directory"`
	PageSize  int    `yaml:"page_size"`

	EnableCompaction           bool    `yaml:"enable_compaction"`
	MinFreePageCompactionRatio float64 `yaml:"min_free_page_compaction_ratio"`
	MaxFreePageCompactionRatio float64 `yaml:"max_free_page_compaction_ratio"`
	CompactionBytesPerSec      int64   `yaml:"compaction_bytes_per_sec"`

	// CheckpointInterval and CleanupInterval drive the store's background
	// loops. 0 disables a loop.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CleanupInterval    time.Duration `yaml:"cleanup_interval"`

	RedoSyncStrategy     wal.SyncStrategy `yaml:"redo_sync_strategy"`
	RedoSyncInterval     time.Duration    `yaml:"redo_sync_interval"`
	ArchiveRedoLogs      bool             `yaml:"archive_redo_logs"`
	EnableIndexDiskSyncs bool             `yaml:"enable_index_disk_syncs"`
	PageCacheSize        int              `yaml:"page_cache_size"`

	JournalSyncStrategy  wal.SyncStrategy `yaml:"journal_sync_strategy"`
	JournalMaxFileLength int64            `yaml:"journal_max_file_length"`

	IndexLeafCapacity int `yaml:"index_leaf_capacity"`

	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	pf := pagefile.DefaultConfig()
	return Config{
		Directory:                  "data",
		PageSize:                   pf.PageSize,
		EnableCompaction:           pf.EnableCompaction,
		MinFreePageCompactionRatio: pf.MinFreePageCompactionRatio,
		MaxFreePageCompactionRatio: pf.MaxFreePageCompactionRatio,
		CheckpointInterval:         5 * time.Second,
		CleanupInterval:            30 * time.Second,
		RedoSyncStrategy:           pf.RedoSyncStrategy,
		RedoSyncInterval:           pf.RedoSyncInterval,
		EnableIndexDiskSyncs:       pf.EnableIndexDiskSyncs,
		PageCacheSize:              pf.PageCacheSize,
		JournalSyncStrategy:        wal.SyncAlways,
		JournalMaxFileLength:       journal.DefaultMaxFileLength,
		IndexLeafCapacity:          64,
		Logger:                     logger.DefaultConfig(),
		Telemetry:                  telemetry.Config{ServiceName: "pagestore"},
	}
}

// Load reads path over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: parsing %s: %v", flushmanager.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Directory == "" {
		return fmt.Errorf("%w: directory is required", flushmanager.ErrInvalidConfig)
	}
	if c.CheckpointInterval < 0 || c.CleanupInterval < 0 {
		return fmt.Errorf("%w: background intervals must not be negative", flushmanager.ErrInvalidConfig)
	}
	switch c.JournalSyncStrategy {
	case wal.SyncNever, wal.SyncAlways:
	case wal.SyncPeriodic:
		if c.RedoSyncInterval <= 0 {
			return fmt.Errorf("%w: periodic journal sync needs redo_sync_interval", flushmanager.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown journal sync strategy %q", flushmanager.ErrInvalidConfig, c.JournalSyncStrategy)
	}
	if c.IndexLeafCapacity < 2 {
		return fmt.Errorf("%w: index_leaf_capacity must be at least 2", flushmanager.ErrInvalidConfig)
	}
	return c.PageFile().Validate()
}

// PageFile returns the page file part of the configuration.
func (c Config) PageFile() pagefile.Config {
	return pagefile.Config{
		PageSize:                   c.PageSize,
		EnableCompaction:           c.EnableCompaction,
		MinFreePageCompactionRatio: c.MinFreePageCompactionRatio,
		MaxFreePageCompactionRatio: c.MaxFreePageCompactionRatio,
		EnableIndexDiskSyncs:       c.EnableIndexDiskSyncs,
		RedoSyncStrategy:           c.RedoSyncStrategy,
		RedoSyncInterval:           c.RedoSyncInterval,
		ArchiveRedoLogs:            c.ArchiveRedoLogs,
		PageCacheSize:              c.PageCacheSize,
		CompactionBytesPerSec:      c.CompactionBytesPerSec,
	}
}

// Journal returns the journal part of the configuration.
func (c Config) Journal() journal.Options {
	return journal.Options{
		MaxFileLength: c.JournalMaxFileLength,
		SyncStrategy:  c.JournalSyncStrategy,
		SyncInterval:  c.RedoSyncInterval,
	}
}
