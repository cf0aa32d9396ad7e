// Package pagefile implements a transactional file of fixed-size pages with a
// free-page allocator, online compaction and redo-log crash recovery.
package pagefile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sushant-115/pagestore/core/storage_engine/common"
	"github.com/sushant-115/pagestore/core/transaction"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	internaltelemetry "github.com/sushant-115/pagestore/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Codec is the encode/decode pair used by LoadValue and StoreValue.
type Codec[T any] = pagemanager.Codec[T]

// RecoveryState reports how the page file was brought up by Load.
type RecoveryState int32

const (
	StateClean RecoveryState = iota
	StateNeedsRecovery
	StateRecovering
	StateRecovered
)

func (s RecoveryState) String() string {
	switch s {
	case StateClean:
		return "CLEAN"
	case StateNeedsRecovery:
		return "NEEDS_RECOVERY"
	case StateRecovering:
		return "RECOVERING"
	case StateRecovered:
		return "RECOVERED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Stats is the size accounting as of the last load, flush or compaction.
type Stats struct {
	PageCount     uint64
	FreePageCount uint64
	DiskSize      int64
}

// RelocationListener is told about pages moved by compaction. It runs inside
// the compaction's own transaction: everything it stores through tx commits
// atomically with the move. Listeners must not allocate pages.
type RelocationListener func(tx *Transaction, moves map[pagemanager.PageID]pagemanager.PageID) error

type redoLog interface {
	Append(b wal.Batch) error
	Sync() error
	Replay(apply func(wal.Batch) error) (wal.ReplayResult, error)
	Reset(seq uint64) error
	Close() error
	Abandon()
}

// Option configures optional collaborators of a PageFile.
type Option func(*PageFile)

// WithMetrics records page file metrics on m.
func WithMetrics(m *internaltelemetry.PageFileMetrics) Option {
	return func(pf *PageFile) { pf.metrics = m }
}

// WithTracer traces load, recovery and compaction on t.
func WithTracer(t trace.Tracer) Option {
	return func(pf *PageFile) { pf.tracer = t }
}

// PageFile is a file of fixed-size pages. All mutations go through
// transactions; at most one commit, flush or compaction runs at a time.
type PageFile struct {
	dir    string
	name   string
	cfg    Config
	logger *zap.Logger

	metrics *internaltelemetry.PageFileMetrics
	tracer  trace.Tracer

	disk     *flushmanager.DiskManager
	redo     redoLog
	cache    *memtable.PageCache
	throttle *common.Throttle

	// writePermit serializes commit, flush, checkpoint, compaction and
	// allocator bookkeeping.
	writePermit chan struct{}

	// mu guards the committed state below against concurrent readers.
	mu            sync.RWMutex
	loaded        bool
	fileID        uuid.UUID
	pageCount     uint64
	free          freeSet
	pendingFree   map[pagemanager.PageID]struct{}
	recoveredFree map[pagemanager.PageID]struct{}
	reserved      map[pagemanager.PageID]uint64 // id -> owning transaction
	staged        map[pagemanager.PageID]int    // id -> open transactions that staged it
	listeners     []RelocationListener

	txIDs     transaction.Sequence
	commitSeq transaction.Sequence
	state     atomic.Int32
	stats     atomic.Pointer[Stats]

	openRedo func(path string, fileID uuid.UUID, opts wal.Options, logger *zap.Logger) (redoLog, error)
}

// Open creates an unloaded handle for <dir>/<name>.data.
func Open(dir, name string, cfg Config, logger *zap.Logger, opts ...Option) (*PageFile, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating directory %s: %v", flushmanager.ErrIOFailure, dir, err)
	}
	logger = logger.Named("pagefile").With(zap.String("name", name))
	cache, err := memtable.NewPageCache(cfg.PageCacheSize, logger)
	if err != nil {
		return nil, fmt.Errorf("creating page cache: %w", err)
	}

	pf := &PageFile{
		dir:         dir,
		name:        name,
		cfg:         cfg,
		logger:      logger,
		cache:       cache,
		throttle:    common.NewThrottle(cfg.CompactionBytesPerSec),
		writePermit: make(chan struct{}, 1),
		openRedo: func(path string, fileID uuid.UUID, opts wal.Options, logger *zap.Logger) (redoLog, error) {
			return wal.OpenRedoLog(path, fileID, opts, logger)
		},
	}
	for _, opt := range opts {
		opt(pf)
	}
	if pf.tracer == nil {
		pf.tracer = otel.Tracer("github.com/sushant-115/pagestore/pagefile")
	}
	if pf.metrics == nil {
		m, err := internaltelemetry.NewPageFileMetrics(otel.GetMeterProvider().Meter("github.com/sushant-115/pagestore/pagefile"))
		if err != nil {
			m = internaltelemetry.NoopPageFileMetrics()
		}
		pf.metrics = m
	}
	pf.stats.Store(&Stats{DiskSize: flushmanager.FileHeaderSize})
	return pf, nil
}

func (pf *PageFile) DataPath() string { return filepath.Join(pf.dir, pf.name+".data") }
func (pf *PageFile) RedoPath() string { return filepath.Join(pf.dir, pf.name+".redo") }
func (pf *PageFile) FreePath() string { return filepath.Join(pf.dir, pf.name+".free") }
func (pf *PageFile) ArchiveDir() string { return filepath.Join(pf.dir, "archive") }

func (pf *PageFile) acquireWritePermit() { pf.writePermit <- struct{}{} }
func (pf *PageFile) releaseWritePermit() { <-pf.writePermit }

func (pf *PageFile) isLoaded() bool {
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	return pf.loaded
}

// Load opens or creates the data and redo files. A file that was not
// unloaded cleanly is recovered from the redo log before Load returns.
func (pf *PageFile) Load() error {
	ctx, span := pf.tracer.Start(context.Background(), "pagefile.Load")
	defer span.End()

	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	if pf.isLoaded() {
		return flushmanager.ErrAlreadyLoaded
	}

	disk := flushmanager.NewDiskManager(pf.DataPath(), pf.cfg.PageSize, pf.logger)
	existed, err := disk.Open()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := pf.loadOpened(ctx, disk, existed); err != nil {
		if pf.redo != nil {
			pf.redo.Close()
			pf.redo = nil
		}
		disk.Close()
		pf.disk = nil
		span.RecordError(err)
		pf.logger.Error("Failed to load page file", zap.Error(err))
		return err
	}
	span.SetAttributes(
		attribute.String("state", pf.State().String()),
		attribute.Int64("page_count", int64(pf.PageCount())),
	)
	return nil
}

func (pf *PageFile) loadOpened(ctx context.Context, disk *flushmanager.DiskManager, existed bool) error {
	var header *flushmanager.FileHeader
	if existed {
		h, err := disk.ReadHeader()
		if err != nil {
			return err
		}
		header = h
	} else {
		header = &flushmanager.FileHeader{PageSize: uint32(pf.cfg.PageSize), FileID: uuid.New(), Clean: true}
	}

	pf.mu.Lock()
	pf.disk = disk
	pf.fileID = header.FileID
	pf.pageCount = 0
	pf.free.Reset(nil)
	pf.pendingFree = make(map[pagemanager.PageID]struct{})
	pf.recoveredFree = make(map[pagemanager.PageID]struct{})
	pf.reserved = make(map[pagemanager.PageID]uint64)
	pf.staged = make(map[pagemanager.PageID]int)
	pf.mu.Unlock()
	pf.cache.Purge()
	pf.commitSeq.Advance(header.LastTxSeq)

	redoOpts := wal.Options{Strategy: pf.cfg.RedoSyncStrategy, SyncInterval: pf.cfg.RedoSyncInterval}
	if pf.cfg.ArchiveRedoLogs {
		redoOpts.ArchiveDir = pf.ArchiveDir()
	}
	redo, err := pf.openRedo(pf.RedoPath(), header.FileID, redoOpts, pf.logger)
	if err != nil {
		return err
	}
	pf.redo = redo

	switch {
	case !existed:
		pf.setState(StateClean)
		pf.logger.Info("Created page file", zap.String("path", pf.DataPath()), zap.String("file_id", header.FileID.String()))
	case header.Clean:
		if err := pf.loadClean(header); err != nil {
			return err
		}
	default:
		pf.setState(StateNeedsRecovery)
		if err := pf.recover(ctx, header); err != nil {
			return err
		}
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	// The header stays dirty for as long as the file is open.
	if err := pf.writeHeaderLocked(false); err != nil {
		return err
	}
	if err := pf.publishStatsLocked(); err != nil {
		return err
	}
	pf.loaded = true
	return nil
}

// Unload checkpoints, persists the free set and marks the file clean.
func (pf *PageFile) Unload() error {
	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	if !pf.isLoaded() {
		return flushmanager.ErrNotLoaded
	}

	if err := pf.flushLocked(); err != nil {
		return err
	}
	if err := pf.disk.Sync(); err != nil {
		return err
	}

	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.writeFreeSidecarLocked(); err != nil {
		pf.logger.Warn("Failed to persist free page list, next load will scan", zap.Error(err))
	}
	if err := pf.redo.Reset(pf.commitSeq.Last()); err != nil {
		return err
	}
	if err := pf.writeHeaderLocked(true); err != nil {
		return err
	}

	var firstErr error
	if err := pf.redo.Close(); err != nil {
		firstErr = err
	}
	if err := pf.disk.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	pf.redo = nil
	pf.disk = nil
	pf.loaded = false
	pf.cache.Purge()
	pf.logger.Info("Page file unloaded",
		zap.Uint64("page_count", pf.pageCount),
		zap.Int("free_pages", pf.free.Len()))
	return firstErr
}

// Tx begins a new transaction.
func (pf *PageFile) Tx() *Transaction {
	return newTransaction(pf, false)
}

// Flush writes committed page images to the data file and makes pending
// frees visible to allocation, size accounting and compaction.
func (pf *PageFile) Flush() error {
	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	return pf.flushLocked()
}

// flushLocked MUST be called with the write permit held.
func (pf *PageFile) flushLocked() error {
	if !pf.isLoaded() {
		return flushmanager.ErrNotLoaded
	}
	if err := pf.redo.Sync(); err != nil {
		return err
	}

	ids := pf.cache.Dirty()
	for _, id := range ids {
		image, ok := pf.cache.Get(id)
		if !ok {
			continue
		}
		if err := pf.disk.WritePage(id, image); err != nil {
			return err
		}
	}

	pf.mu.RLock()
	count := pf.pageCount
	pf.mu.RUnlock()
	if err := pf.matchFileSize(count); err != nil {
		return err
	}
	if pf.cfg.EnableIndexDiskSyncs {
		if err := pf.disk.Sync(); err != nil {
			return err
		}
	}
	pf.cache.MarkFlushed(ids)

	pf.mu.Lock()
	merged := len(pf.pendingFree) + len(pf.recoveredFree)
	for id := range pf.pendingFree {
		pf.free.Add(id)
	}
	for id := range pf.recoveredFree {
		pf.free.Add(id)
	}
	clear(pf.pendingFree)
	clear(pf.recoveredFree)
	err := pf.publishStatsLocked()
	pf.mu.Unlock()

	pf.metrics.FlushesCounter.Add(context.Background(), 1)
	pf.logger.Debug("Flushed page file", zap.Int("pages_written", len(ids)), zap.Int("frees_merged", merged))
	return err
}

// matchFileSize extends the data file to hold count pages. A file holding more
// pages than the page count means the accounting is broken.
func (pf *PageFile) matchFileSize(count uint64) error {
	size, err := pf.disk.FileSize()
	if err != nil {
		return err
	}
	want := pf.ToOffset(pagemanager.PageID(count))
	switch {
	case size < want:
		return pf.disk.Resize(count)
	case size > want:
		err := fmt.Errorf("%w: data file is %d bytes but %d pages need %d", flushmanager.ErrInvariantViolation, size, count, want)
		pf.logger.Error("Data file larger than page count", zap.Error(err))
		return err
	}
	return nil
}

// Checkpoint flushes, makes the data file durable and resets the redo log.
// A compaction becomes durable at the next checkpoint.
func (pf *PageFile) Checkpoint() error {
	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	return pf.checkpointLocked()
}

func (pf *PageFile) checkpointLocked() error {
	if err := pf.flushLocked(); err != nil {
		return err
	}
	if err := pf.disk.Sync(); err != nil {
		return err
	}
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if err := pf.writeHeaderLocked(false); err != nil {
		return err
	}
	if err := pf.redo.Reset(pf.commitSeq.Last()); err != nil {
		return err
	}
	pf.logger.Debug("Checkpoint complete", zap.Uint64("seq", pf.commitSeq.Last()), zap.Uint64("page_count", pf.pageCount))
	return nil
}

// writeHeaderLocked MUST be called with pf.mu held.
func (pf *PageFile) writeHeaderLocked(clean bool) error {
	return pf.disk.WriteHeader(&flushmanager.FileHeader{
		PageSize:                   uint32(pf.cfg.PageSize),
		PageCount:                  pf.pageCount,
		FreePageCount:              uint64(pf.free.Len()),
		Clean:                      clean,
		EnableCompaction:           pf.cfg.EnableCompaction,
		MinFreePageCompactionRatio: pf.cfg.MinFreePageCompactionRatio,
		MaxFreePageCompactionRatio: pf.cfg.MaxFreePageCompactionRatio,
		FileID:                     pf.fileID,
		LastTxSeq:                  pf.commitSeq.Last(),
	}, true)
}

// publishStatsLocked MUST be called with pf.mu held.
func (pf *PageFile) publishStatsLocked() error {
	s := &Stats{
		PageCount:     pf.pageCount,
		FreePageCount: uint64(pf.free.Len()),
		DiskSize:      pf.ToOffset(pagemanager.PageID(pf.pageCount)),
	}
	if s.FreePageCount > s.PageCount {
		err := fmt.Errorf("%w: free page count %d exceeds page count %d", flushmanager.ErrInvariantViolation, s.FreePageCount, s.PageCount)
		pf.logger.Error("Free page accounting broken", zap.Error(err))
		return err
	}
	pf.stats.Store(s)
	ctx := context.Background()
	pf.metrics.FreePagesGauge.Record(ctx, int64(s.FreePageCount), metric.WithAttributes(attribute.String("name", pf.name)))
	pf.metrics.PageCountGauge.Record(ctx, int64(s.PageCount), metric.WithAttributes(attribute.String("name", pf.name)))
	return nil
}

// Stats returns the accounting as of the last load, flush or compaction.
func (pf *PageFile) Stats() Stats { return *pf.stats.Load() }

func (pf *PageFile) DiskSize() int64 { return pf.stats.Load().DiskSize }

func (pf *PageFile) PageCount() uint64 { return pf.stats.Load().PageCount }

func (pf *PageFile) FreePageCount() uint64 { return pf.stats.Load().FreePageCount }

// ToOffset returns the byte offset of a page in the data file.
func (pf *PageFile) ToOffset(id pagemanager.PageID) int64 {
	return int64(flushmanager.FileHeaderSize) + int64(id)*int64(pf.cfg.PageSize)
}

func (pf *PageFile) PageSize() int { return pf.cfg.PageSize }

func (pf *PageFile) Config() Config { return pf.cfg }

// State reports how the last Load brought the file up.
func (pf *PageFile) State() RecoveryState { return RecoveryState(pf.state.Load()) }

func (pf *PageFile) setState(s RecoveryState) {
	pf.state.Store(int32(s))
	pf.logger.Debug("Recovery state changed", zap.Stringer("state", s))
}

// AddRelocationListener registers fn to be called on every compaction that
// moves pages.
func (pf *PageFile) AddRelocationListener(fn RelocationListener) {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	pf.listeners = append(pf.listeners, fn)
}

// readCommittedLocked returns the newest committed image of id. MUST be called
// with pf.mu held for reading. The result must not be modified.
func (pf *PageFile) readCommittedLocked(id pagemanager.PageID) ([]byte, error) {
	if image, ok := pf.cache.Get(id); ok {
		return image, nil
	}
	image := make([]byte, pf.cfg.PageSize)
	if err := pf.disk.ReadPage(id, image); err != nil {
		return nil, err
	}
	pf.cache.PutClean(id, image)
	return image, nil
}

// stagedFreeLocked reports whether id is free but not yet flushed.
func (pf *PageFile) stagedFreeLocked(id pagemanager.PageID) bool {
	if _, ok := pf.pendingFree[id]; ok {
		return true
	}
	_, ok := pf.recoveredFree[id]
	return ok
}

// unavailableLocked reports whether id holds no live data from the point of
// view of transaction txID.
func (pf *PageFile) unavailableLocked(id pagemanager.PageID, txID uint64) bool {
	if pf.free.Contains(id) || pf.stagedFreeLocked(id) {
		return true
	}
	owner, ok := pf.reserved[id]
	return ok && owner != txID
}

func (pf *PageFile) recordCommit(ctx context.Context, start time.Time) {
	pf.metrics.CommitsCounter.Add(ctx, 1)
	pf.metrics.CommitLatencyHistogram.Record(ctx, time.Since(start).Microseconds())
}
