package pagefile

import (
	"fmt"
	"time"

	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
)

const (
	DefaultPageSize                   = 4096
	DefaultMinFreePageCompactionRatio = 0.1
	DefaultMaxFreePageCompactionRatio = 0.3
	DefaultPageCacheSize              = 1024
)

// Config holds the tunables of a single page file.
type Config struct {
	PageSize         int
	EnableCompaction bool
	// MinFreePageCompactionRatio is the fraction of pages kept free after a
	// compaction.
	MinFreePageCompactionRatio float64
	// MaxFreePageCompactionRatio is the free ratio at which compaction runs.
	MaxFreePageCompactionRatio float64
	// EnableIndexDiskSyncs fsyncs the data file on every flush.
	EnableIndexDiskSyncs bool
	RedoSyncStrategy     wal.SyncStrategy
	RedoSyncInterval     time.Duration
	ArchiveRedoLogs      bool
	PageCacheSize        int
	// CompactionBytesPerSec throttles relocation writes. 0 is unlimited.
	CompactionBytesPerSec int64
}

func DefaultConfig() Config {
	return Config{
		PageSize:                   DefaultPageSize,
		EnableCompaction:           false,
		MinFreePageCompactionRatio: DefaultMinFreePageCompactionRatio,
		MaxFreePageCompactionRatio: DefaultMaxFreePageCompactionRatio,
		EnableIndexDiskSyncs:       true,
		RedoSyncStrategy:           wal.SyncAlways,
		RedoSyncInterval:           time.Second,
		PageCacheSize:              DefaultPageCacheSize,
	}
}

// Validate rejects configurations a page file cannot run with. Ratios above 1
// are accepted and simply never trigger compaction.
func (c Config) Validate() error {
	if c.PageSize < pagemanager.PageHeaderSize+1 {
		return fmt.Errorf("%w: page size %d is smaller than the page header", flushmanager.ErrInvalidConfig, c.PageSize)
	}
	if c.MinFreePageCompactionRatio < 0 || c.MaxFreePageCompactionRatio < 0 {
		return fmt.Errorf("%w: compaction ratios must not be negative", flushmanager.ErrInvalidConfig)
	}
	if c.MinFreePageCompactionRatio > c.MaxFreePageCompactionRatio {
		return fmt.Errorf("%w: min free page ratio %.2f exceeds max %.2f",
			flushmanager.ErrInvalidConfig, c.MinFreePageCompactionRatio, c.MaxFreePageCompactionRatio)
	}
	switch c.RedoSyncStrategy {
	case wal.SyncNever, wal.SyncAlways:
	case wal.SyncPeriodic:
		if c.RedoSyncInterval <= 0 {
			return fmt.Errorf("%w: periodic redo sync needs a positive interval", flushmanager.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown redo sync strategy %q", flushmanager.ErrInvalidConfig, c.RedoSyncStrategy)
	}
	if c.CompactionBytesPerSec < 0 {
		return fmt.Errorf("%w: negative compaction rate", flushmanager.ErrInvalidConfig)
	}
	return nil
}
