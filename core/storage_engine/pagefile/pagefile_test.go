package pagefile

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// --- Test Helpers ---

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PageSize = 512
	cfg.PageCacheSize = 64
	cfg.EnableCompaction = true
	return cfg
}

func openPageFile(t *testing.T, dir string, cfg Config) *PageFile {
	t.Helper()
	pf, err := Open(dir, "test", cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pf
}

func loadPageFile(t *testing.T, dir string, cfg Config) *PageFile {
	t.Helper()
	pf := openPageFile(t, dir, cfg)
	require.NoError(t, pf.Load())
	t.Cleanup(func() {
		if pf.isLoaded() {
			require.NoError(t, pf.Unload())
		}
	})
	return pf
}

// simulateCrash drops the page file's handles without flushing, checkpointing
// or writing the clean marker.
func simulateCrash(pf *PageFile) {
	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.redo.Abandon()
	pf.disk.Close()
	pf.redo = nil
	pf.disk = nil
	pf.loaded = false
}

func writePages(t *testing.T, pf *PageFile, n int) []pagemanager.PageID {
	t.Helper()
	tx := pf.Tx()
	ids := make([]pagemanager.PageID, 0, n)
	for i := 0; i < n; i++ {
		p, err := tx.Allocate()
		require.NoError(t, err)
		p.SetData([]byte(fmt.Sprintf("page-%d", p.GetPageID())))
		require.NoError(t, tx.Store(p, false))
		ids = append(ids, p.GetPageID())
	}
	require.NoError(t, tx.Commit())
	return ids
}

func freePages(t *testing.T, pf *PageFile, from, to pagemanager.PageID) {
	t.Helper()
	tx := pf.Tx()
	for id := from; id <= to; id++ {
		require.NoError(t, tx.Free(id))
	}
	require.NoError(t, tx.Commit())
}

func readString(t *testing.T, pf *PageFile, id pagemanager.PageID) string {
	t.Helper()
	tx := pf.Tx()
	defer tx.Rollback()
	v, err := LoadValue(tx, id, pagemanager.StringCodec)
	require.NoError(t, err)
	return v
}

type failingRedo struct {
	redoLog
	fail atomic.Bool
}

func (f *failingRedo) Append(b wal.Batch) error {
	if f.fail.Load() {
		return errors.New("injected append failure")
	}
	return f.redoLog.Append(b)
}

// --- Test Cases ---

func TestPageFile_NewFileIsEmpty(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	require.Equal(t, StateClean, pf.State())
	require.Equal(t, uint64(0), pf.PageCount())
	require.Equal(t, uint64(0), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(0), pf.DiskSize())
	require.ErrorIs(t, pf.Load(), flushmanager.ErrAlreadyLoaded)
}

func TestPageFile_ToOffset(t *testing.T) {
	pf := openPageFile(t, t.TempDir(), testConfig())
	require.Equal(t, int64(flushmanager.FileHeaderSize), pf.ToOffset(0))
	require.Equal(t, int64(flushmanager.FileHeaderSize+10*512), pf.ToOffset(10))
}

func TestPageFile_NotLoaded(t *testing.T) {
	pf := openPageFile(t, t.TempDir(), testConfig())
	_, err := pf.Tx().Allocate()
	require.ErrorIs(t, err, flushmanager.ErrNotLoaded)
	require.ErrorIs(t, pf.Flush(), flushmanager.ErrNotLoaded)
	require.ErrorIs(t, pf.Compact(), flushmanager.ErrNotLoaded)
	require.ErrorIs(t, pf.Unload(), flushmanager.ErrNotLoaded)
}

func TestPageFile_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MinFreePageCompactionRatio = 0.5
	cfg.MaxFreePageCompactionRatio = 0.2
	_, err := Open(t.TempDir(), "test", cfg, zap.NewNop())
	require.ErrorIs(t, err, flushmanager.ErrInvalidConfig)
}

func TestPageFile_WriteAndFlush(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	ids := writePages(t, pf, 100)
	require.Equal(t, pagemanager.PageID(0), ids[0])
	require.Equal(t, pagemanager.PageID(99), ids[99])

	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(100), pf.PageCount())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())

	fi, err := os.Stat(pf.DataPath())
	require.NoError(t, err)
	require.Equal(t, pf.ToOffset(100), fi.Size())
	require.Equal(t, "page-42", readString(t, pf, 42))
}

// Scenario A: 30 of 100 pages free at the tail compacts down to 80 pages with
// 10 left free.
func TestPageFile_CompactTrailingFree(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	require.NoError(t, pf.Flush())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())

	freePages(t, pf, 70, 99)
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(30), pf.FreePageCount())

	require.NoError(t, pf.Compact())
	require.Equal(t, pf.ToOffset(80), pf.DiskSize())
	require.Equal(t, uint64(80), pf.PageCount())
	require.Equal(t, uint64(10), pf.FreePageCount())

	fi, err := os.Stat(pf.DataPath())
	require.NoError(t, err)
	require.Equal(t, pf.ToOffset(80), fi.Size())
	require.Equal(t, "page-69", readString(t, pf, 69))

	// Nothing left above the max ratio.
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(80), pf.PageCount())
	require.Equal(t, uint64(10), pf.FreePageCount())
}

// Freeing one page at a time crosses the max ratio at 30 of 100.
func TestPageFile_CompactThreshold(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 71, 99)
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(29), pf.FreePageCount())

	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(100), pf.PageCount())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())

	freePages(t, pf, 70, 70)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(80), pf.PageCount())
	require.Equal(t, uint64(10), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(80), pf.DiskSize())
}

// Frees only count once flushed; after that everything above the retained
// ten pages is truncated without moving anything.
func TestPageFile_CompactWaitsForFlush(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	require.NoError(t, pf.Flush())

	relocations := 0
	pf.AddRelocationListener(func(*Transaction, map[pagemanager.PageID]pagemanager.PageID) error {
		relocations++
		return nil
	})

	freePages(t, pf, 0, 49)
	require.NoError(t, pf.Compact())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())
	require.Equal(t, uint64(0), pf.FreePageCount())

	freePages(t, pf, 50, 99)
	require.NoError(t, pf.Compact())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())
	require.Equal(t, uint64(0), pf.FreePageCount())

	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(100), pf.FreePageCount())
	require.NoError(t, pf.Compact())
	require.Equal(t, pf.ToOffset(10), pf.DiskSize())
	require.Equal(t, uint64(10), pf.PageCount())
	require.Equal(t, uint64(10), pf.FreePageCount())
	require.Zero(t, relocations)
}

func TestPageFile_CompactionOffByDefault(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.EnableCompaction)
	cfg.PageSize = 512
	pf := loadPageFile(t, t.TempDir(), cfg)

	writePages(t, pf, 100)
	freePages(t, pf, 0, 99)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(100), pf.PageCount())
	require.Equal(t, uint64(100), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())
}

// Scenario B: with both ratios at zero every free page is reclaimed.
func TestPageFile_CompactZeroRatiosTruncatesEverything(t *testing.T) {
	cfg := testConfig()
	cfg.MinFreePageCompactionRatio = 0
	cfg.MaxFreePageCompactionRatio = 0
	pf := loadPageFile(t, t.TempDir(), cfg)

	writePages(t, pf, 100)
	freePages(t, pf, 0, 99)
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(100), pf.FreePageCount())

	require.NoError(t, pf.Compact())
	require.Equal(t, pf.ToOffset(0), pf.DiskSize())
	require.Equal(t, uint64(0), pf.PageCount())
	require.Equal(t, uint64(0), pf.FreePageCount())
}

// Scenario C: compaction disabled leaves the file alone.
func TestPageFile_CompactDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.EnableCompaction = false
	pf := loadPageFile(t, t.TempDir(), cfg)

	writePages(t, pf, 100)
	freePages(t, pf, 0, 99)
	require.NoError(t, pf.Flush())
	before := pf.Stats()

	require.NoError(t, pf.Compact())
	require.Equal(t, before, pf.Stats())
	require.Equal(t, uint64(100), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())
}

func TestPageFile_CompactRatiosAtOneNeverCompact(t *testing.T) {
	cfg := testConfig()
	cfg.MinFreePageCompactionRatio = 1
	cfg.MaxFreePageCompactionRatio = 1
	pf := loadPageFile(t, t.TempDir(), cfg)

	writePages(t, pf, 10)
	freePages(t, pf, 0, 9)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(10), pf.PageCount())
}

func TestPageFile_CompactBelowMaxRatio(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 80, 99)
	require.NoError(t, pf.Flush())

	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(100), pf.PageCount())
	require.Equal(t, uint64(20), pf.FreePageCount())
}

func TestPageFile_UnflushedFreesAreInvisible(t *testing.T) {
	cfg := testConfig()
	cfg.MinFreePageCompactionRatio = 0
	cfg.MaxFreePageCompactionRatio = 0
	pf := loadPageFile(t, t.TempDir(), cfg)
	writePages(t, pf, 10)
	require.NoError(t, pf.Flush())
	freePages(t, pf, 0, 9)

	require.Equal(t, uint64(0), pf.FreePageCount())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(10), pf.PageCount())

	// Pending frees are not handed out again before the flush.
	tx := pf.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(10), p.GetPageID())
	require.NoError(t, tx.Rollback())
}

// Unclean shutdown after the free and flush of scenario A but before the
// compaction recovers the post-free state.
func TestPageFile_UncleanShutdownRecovers(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 100)
	require.NoError(t, pf.Flush())
	freePages(t, pf, 70, 99)
	require.NoError(t, pf.Flush())
	simulateCrash(pf)

	reopened := loadPageFile(t, dir, testConfig())
	require.Equal(t, StateRecovered, reopened.State())
	require.Equal(t, uint64(100), reopened.PageCount())
	require.Equal(t, reopened.ToOffset(100), reopened.DiskSize())

	// Recovered frees are merged on the first flush.
	require.NoError(t, reopened.Flush())
	require.Equal(t, uint64(30), reopened.FreePageCount())
	require.Equal(t, uint64(100), reopened.PageCount())
	require.Equal(t, reopened.ToOffset(100), reopened.DiskSize())
	require.Equal(t, "page-12", readString(t, reopened, 12))
}

func TestPageFile_CrashAfterCompactionReverts(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 70, 99)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(80), pf.PageCount())
	simulateCrash(pf)

	reopened := loadPageFile(t, dir, testConfig())
	require.NoError(t, reopened.Flush())
	require.Equal(t, uint64(100), reopened.PageCount())
	require.Equal(t, uint64(30), reopened.FreePageCount())
	require.Equal(t, reopened.ToOffset(100), reopened.DiskSize())
}

func TestPageFile_CheckpointMakesCompactionDurable(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 70, 99)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.NoError(t, pf.Checkpoint())
	simulateCrash(pf)

	reopened := loadPageFile(t, dir, testConfig())
	require.NoError(t, reopened.Flush())
	require.Equal(t, uint64(80), reopened.PageCount())
	require.Equal(t, uint64(10), reopened.FreePageCount())
	require.Equal(t, "page-5", readString(t, reopened, 5))
}

func TestPageFile_CleanReloadUsesFreeList(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 20)
	freePages(t, pf, 3, 7)
	require.NoError(t, pf.Unload())
	_, err := os.Stat(pf.FreePath())
	require.NoError(t, err)

	reopened := loadPageFile(t, dir, testConfig())
	require.Equal(t, StateClean, reopened.State())
	require.Equal(t, uint64(20), reopened.PageCount())
	require.Equal(t, uint64(5), reopened.FreePageCount())
	require.Equal(t, "page-19", readString(t, reopened, 19))
	require.NoError(t, reopened.Unload())

	// A damaged free list falls back to scanning the pages.
	require.NoError(t, os.WriteFile(reopened.FreePath(), []byte("garbage"), 0644))
	again := loadPageFile(t, dir, testConfig())
	require.Equal(t, StateClean, again.State())
	require.Equal(t, uint64(5), again.FreePageCount())

	tx := again.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(3), p.GetPageID())
	require.NoError(t, tx.Rollback())
}

func TestPageFile_PartialReplay(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())

	tx := pf.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.NoError(t, StoreValue(tx, p, "one", pagemanager.StringCodec, false))
	require.NoError(t, tx.Commit())

	tx = pf.Tx()
	p, err = tx.Allocate()
	require.NoError(t, err)
	require.NoError(t, StoreValue(tx, p, "two", pagemanager.StringCodec, false))
	require.NoError(t, tx.Commit())
	simulateCrash(pf)

	// Tear the commit record of the second batch.
	fi, err := os.Stat(pf.RedoPath())
	require.NoError(t, err)
	require.NoError(t, os.Truncate(pf.RedoPath(), fi.Size()-5))

	reopened := loadPageFile(t, dir, testConfig())
	require.Equal(t, StateRecovered, reopened.State())
	require.Equal(t, uint64(1), reopened.PageCount())
	require.Equal(t, "one", readString(t, reopened, 0))

	_, err = reopened.Tx().Load(1)
	require.ErrorIs(t, err, flushmanager.ErrPageOutOfRange)
}

func TestPageFile_ForeignRedoLogIgnored(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 3)
	require.NoError(t, pf.Flush())
	simulateCrash(pf)

	// A redo log written for a different page file must not be replayed.
	rl, err := wal.OpenRedoLog(pf.RedoPath(), uuid.New(), wal.Options{Strategy: wal.SyncAlways}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, rl.Append(wal.Batch{Seq: 99, Records: []wal.Record{{Op: wal.OpAllocate, PageID: 50}}}))
	require.NoError(t, rl.Close())

	reopened := loadPageFile(t, dir, testConfig())
	require.Equal(t, uint64(3), reopened.PageCount())
}

func TestPageFile_FileLocked(t *testing.T) {
	dir := t.TempDir()
	loadPageFile(t, dir, testConfig())

	second := openPageFile(t, dir, testConfig())
	require.ErrorIs(t, second.Load(), flushmanager.ErrFileLocked)
}

func TestPageFile_CorruptHeader(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, testConfig())
	writePages(t, pf, 2)
	require.NoError(t, pf.Unload())

	f, err := os.OpenFile(pf.DataPath(), os.O_RDWR, 0644)
	require.NoError(t, err)
	// Damage both header copies.
	for _, off := range []int64{8, flushmanager.FileHeaderSize/2 + 8} {
		_, err = f.WriteAt([]byte{0xde, 0xad, 0xbe, 0xef}, off)
		require.NoError(t, err)
	}
	require.NoError(t, f.Close())

	reopened := openPageFile(t, dir, testConfig())
	require.ErrorIs(t, reopened.Load(), flushmanager.ErrCorruptHeader)
}

func TestPageFile_ConcurrentReadersDuringCommits(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 10)

	done := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			tx := pf.Tx()
			if _, err := LoadValue(tx, 3, pagemanager.StringCodec); err != nil {
				errs <- err
				return
			}
			tx.Rollback()
		}
	}()
	for i := 0; i < 20; i++ {
		writePages(t, pf, 1)
		require.NoError(t, pf.Flush())
	}
	<-done
	select {
	case err := <-errs:
		t.Fatalf("reader failed: %v", err)
	default:
	}
}
