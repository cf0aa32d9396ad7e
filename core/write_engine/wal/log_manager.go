package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/ulikunitz/xz"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

// --- Redo Log Constants and Types ---

const (
	redoMagic   uint32 = 0x52444c47 // "RDLG"
	redoVersion uint32 = 1

	// RedoHeaderSize is magic (4) | version (4) | page file id (16).
	RedoHeaderSize = 4 + 4 + 16

	frameHeaderSize = 4 + 8
	recordFixedSize = 8 + 1 + 8 + 4

	// maxRecordSize bounds a single frame so a corrupt length cannot make
	// replay allocate unbounded memory.
	maxRecordSize = 64 << 20
)

// SyncStrategy controls when appended batches are fsynced.
type SyncStrategy string

const (
	// SyncNever writes batches to the OS and never fsyncs on commit.
	SyncNever SyncStrategy = "never"
	// SyncPeriodic fsyncs from a background ticker.
	SyncPeriodic SyncStrategy = "periodic"
	// SyncAlways fsyncs before every commit returns.
	SyncAlways SyncStrategy = "always"
)

// ParseSyncStrategy accepts the config spelling of a strategy.
func ParseSyncStrategy(s string) (SyncStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "never":
		return SyncNever, nil
	case "periodic":
		return SyncPeriodic, nil
	case "always", "":
		return SyncAlways, nil
	}
	return "", fmt.Errorf("unknown sync strategy %q", s)
}

// UnmarshalText lets config files spell the strategy in any case.
func (s *SyncStrategy) UnmarshalText(text []byte) error {
	v, err := ParseSyncStrategy(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// RecordOp defines the kind of a redo record.
type RecordOp byte

const (
	OpAllocate RecordOp = iota + 1 // page id handed out by the transaction
	OpFree                         // page id released
	OpWrite                        // full page image
	OpCommit                       // end of batch
)

func (op RecordOp) String() string {
	switch op {
	case OpAllocate:
		return "ALLOCATE"
	case OpFree:
		return "FREE"
	case OpWrite:
		return "WRITE"
	case OpCommit:
		return "COMMIT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(op))
	}
}

// Record is a single entry of a redo batch.
type Record struct {
	Op      RecordOp
	PageID  pagemanager.PageID
	Payload []byte
}

// Batch is the redo form of one committed transaction. Every record of the
// batch is written with Seq and followed by a commit record.
type Batch struct {
	Seq     uint64
	Records []Record
}

// ReplayResult summarizes a replay pass.
type ReplayResult struct {
	Batches int
	LastSeq uint64
	// TailErr is non-nil (wrapping ErrPartialReplay) when replay stopped at a
	// truncated or corrupt record instead of a clean end of file.
	TailErr error
	// Foreign is set when the log belonged to another page file and was
	// ignored.
	Foreign bool
}

// Options configures a RedoLog.
type Options struct {
	Strategy     SyncStrategy
	SyncInterval time.Duration
	// ArchiveDir receives an xz copy of the log on every Reset. Empty disables
	// archiving.
	ArchiveDir string
}

// RedoLog is the append-only log of committed batches that backs crash
// recovery of a page file.
type RedoLog struct {
	path    string
	fileID  uuid.UUID
	opts    Options
	file    *os.File
	offset  int64 // end of the last complete batch
	dirty   bool  // written since the last fsync
	foreign bool
	mu      sync.Mutex
	logger  *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// OpenRedoLog opens or creates the redo log at path for the page file
// identified by fileID. A log with a different owner, or with an unreadable
// header, is treated as empty and reset.
func OpenRedoLog(path string, fileID uuid.UUID, opts Options, logger *zap.Logger) (*RedoLog, error) {
	if opts.Strategy == "" {
		opts.Strategy = SyncAlways
	}
	if opts.Strategy == SyncPeriodic && opts.SyncInterval <= 0 {
		return nil, fmt.Errorf("%w: periodic redo sync needs a positive interval", flushmanager.ErrInvalidConfig)
	}
	if opts.ArchiveDir != "" {
		if err := os.MkdirAll(opts.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("%w: creating archive directory %s: %v", flushmanager.ErrIOFailure, opts.ArchiveDir, err)
		}
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening redo log %s: %v", flushmanager.ErrIOFailure, path, err)
	}
	rl := &RedoLog{
		path:     path,
		fileID:   fileID,
		opts:     opts,
		file:     file,
		logger:   logger.Named("redo_log"),
		stopChan: make(chan struct{}),
	}

	if err := rl.openExisting(); err != nil {
		file.Close()
		return nil, err
	}

	if opts.Strategy == SyncPeriodic {
		rl.wg.Add(1)
		go rl.flusher()
	}
	rl.logger.Debug("Redo log opened",
		zap.String("path", path),
		zap.String("strategy", string(opts.Strategy)),
		zap.Int64("size", rl.offset),
		zap.Bool("foreign", rl.foreign))
	return rl, nil
}

// openExisting validates the header of a non-empty log or writes a fresh one.
func (rl *RedoLog) openExisting() error {
	fi, err := rl.file.Stat()
	if err != nil {
		return fmt.Errorf("%w: getting redo log info: %v", flushmanager.ErrIOFailure, err)
	}
	if fi.Size() == 0 {
		return rl.writeHeader()
	}

	hdr := make([]byte, RedoHeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(rl.file, 0, RedoHeaderSize), hdr); err != nil {
		rl.logger.Warn("Redo log header unreadable, discarding log", zap.Error(err))
		rl.foreign = true
		return rl.writeHeader()
	}
	magic := binary.BigEndian.Uint32(hdr[0:4])
	version := binary.BigEndian.Uint32(hdr[4:8])
	owner, _ := uuid.FromBytes(hdr[8:24])
	if magic != redoMagic || version != redoVersion || owner != rl.fileID {
		rl.logger.Warn("Redo log belongs to another page file, discarding it",
			zap.String("expected", rl.fileID.String()),
			zap.String("found", owner.String()))
		rl.foreign = true
		return rl.writeHeader()
	}
	rl.offset = fi.Size()
	return nil
}

// writeHeader truncates the log to an empty log owned by rl.fileID.
func (rl *RedoLog) writeHeader() error {
	hdr := make([]byte, RedoHeaderSize)
	binary.BigEndian.PutUint32(hdr[0:4], redoMagic)
	binary.BigEndian.PutUint32(hdr[4:8], redoVersion)
	copy(hdr[8:24], rl.fileID[:])
	if err := rl.file.Truncate(0); err != nil {
		return fmt.Errorf("%w: truncating redo log: %v", flushmanager.ErrIOFailure, err)
	}
	if _, err := rl.file.WriteAt(hdr, 0); err != nil {
		return fmt.Errorf("%w: writing redo log header: %v", flushmanager.ErrIOFailure, err)
	}
	if err := rl.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing redo log header: %v", flushmanager.ErrIOFailure, err)
	}
	rl.offset = RedoHeaderSize
	rl.dirty = false
	return nil
}

// Append writes one batch followed by its commit record. With SyncAlways the
// batch is on stable storage when Append returns. A failed append leaves the
// log as it was before the call.
func (rl *RedoLog) Append(b Batch) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.file == nil {
		return flushmanager.ErrNotLoaded
	}

	buf := new(bytes.Buffer)
	for _, r := range b.Records {
		if err := writeFrame(buf, b.Seq, r); err != nil {
			return err
		}
	}
	if err := writeFrame(buf, b.Seq, Record{Op: OpCommit, PageID: pagemanager.InvalidPageID}); err != nil {
		return err
	}

	n, err := rl.file.WriteAt(buf.Bytes(), rl.offset)
	if err != nil || n != buf.Len() {
		if terr := rl.file.Truncate(rl.offset); terr != nil {
			rl.logger.Error("Failed to trim partial redo batch", zap.Uint64("seq", b.Seq), zap.Error(terr))
		}
		if err == nil {
			err = io.ErrShortWrite
		}
		return fmt.Errorf("%w: appending redo batch %d: %v", flushmanager.ErrIOFailure, b.Seq, err)
	}
	if rl.opts.Strategy == SyncAlways {
		if err := rl.file.Sync(); err != nil {
			if terr := rl.file.Truncate(rl.offset); terr != nil {
				rl.logger.Error("Failed to trim unsynced redo batch", zap.Uint64("seq", b.Seq), zap.Error(terr))
			}
			return fmt.Errorf("%w: syncing redo batch %d: %v", flushmanager.ErrIOFailure, b.Seq, err)
		}
	} else {
		rl.dirty = true
	}
	rl.offset += int64(n)
	rl.logger.Debug("Appended redo batch",
		zap.Uint64("seq", b.Seq),
		zap.Int("records", len(b.Records)),
		zap.Int("bytes", n))
	return nil
}

// Sync fsyncs everything appended so far regardless of strategy.
func (rl *RedoLog) Sync() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.syncInternal()
}

// syncInternal MUST be called with rl.mu locked.
func (rl *RedoLog) syncInternal() error {
	if rl.file == nil || !rl.dirty {
		return nil
	}
	if err := rl.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing redo log: %v", flushmanager.ErrIOFailure, err)
	}
	rl.dirty = false
	return nil
}

// Replay calls apply for every complete batch in sequence order. A batch
// without its commit record is never applied. Replay stops at the first
// truncated or corrupt frame and reports it through ReplayResult.TailErr.
func (rl *RedoLog) Replay(apply func(Batch) error) (ReplayResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	res := ReplayResult{Foreign: rl.foreign}
	if rl.file == nil {
		return res, flushmanager.ErrNotLoaded
	}

	reader := bufio.NewReader(io.NewSectionReader(rl.file, RedoHeaderSize, rl.offset-RedoHeaderSize))
	var pending *Batch
	var frameOffset int64 = RedoHeaderSize
	for {
		seq, rec, n, err := readFrame(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			res.TailErr = fmt.Errorf("%w: at offset %d: %v", flushmanager.ErrPartialReplay, frameOffset, err)
			break
		}
		frameOffset += int64(n)

		if pending != nil && pending.Seq != seq {
			// A new sequence started before the previous batch committed.
			rl.logger.Warn("Dropping uncommitted redo batch", zap.Uint64("seq", pending.Seq))
			pending = nil
		}
		if pending == nil {
			pending = &Batch{Seq: seq}
		}
		if rec.Op != OpCommit {
			pending.Records = append(pending.Records, rec)
			continue
		}
		if seq <= res.LastSeq && res.Batches > 0 {
			res.TailErr = fmt.Errorf("%w: sequence %d is not after %d", flushmanager.ErrPartialReplay, seq, res.LastSeq)
			pending = nil
			break
		}
		if err := apply(*pending); err != nil {
			return res, fmt.Errorf("applying redo batch %d: %w", seq, err)
		}
		res.Batches++
		res.LastSeq = seq
		pending = nil
	}
	if pending != nil && res.TailErr == nil {
		res.TailErr = fmt.Errorf("%w: batch %d has no commit record", flushmanager.ErrPartialReplay, pending.Seq)
	}
	if res.TailErr != nil {
		rl.logger.Warn("Redo replay stopped early", zap.Int("batches", res.Batches), zap.Error(res.TailErr))
	}
	return res, nil
}

// Reset discards every batch. With an archive directory configured, the
// current contents are first compressed to redo-<seq>.xz.
func (rl *RedoLog) Reset(seq uint64) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.file == nil {
		return flushmanager.ErrNotLoaded
	}
	if rl.opts.ArchiveDir != "" && rl.offset > RedoHeaderSize {
		if err := rl.archive(seq); err != nil {
			return err
		}
	}
	rl.foreign = false
	return rl.writeHeader()
}

// archive MUST be called with rl.mu locked.
func (rl *RedoLog) archive(seq uint64) error {
	path := filepath.Join(rl.opts.ArchiveDir, fmt.Sprintf("redo-%020d.xz", seq))
	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: creating redo archive %s: %v", flushmanager.ErrIOFailure, path, err)
	}
	defer out.Close()

	zw, err := xz.NewWriter(out)
	if err != nil {
		return fmt.Errorf("%w: creating xz writer: %v", flushmanager.ErrIOFailure, err)
	}
	if _, err := io.Copy(zw, io.NewSectionReader(rl.file, 0, rl.offset)); err != nil {
		zw.Close()
		return fmt.Errorf("%w: archiving redo log: %v", flushmanager.ErrIOFailure, err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("%w: finishing redo archive: %v", flushmanager.ErrIOFailure, err)
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("%w: syncing redo archive: %v", flushmanager.ErrIOFailure, err)
	}
	rl.logger.Info("Archived redo log", zap.String("path", path), zap.Int64("bytes", rl.offset))
	return nil
}

// Size returns the number of bytes in the log, header included.
func (rl *RedoLog) Size() int64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.offset
}

// flusher periodically fsyncs the log under SyncPeriodic.
func (rl *RedoLog) flusher() {
	defer rl.wg.Done()
	ticker := time.NewTicker(rl.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopChan:
			return
		case <-ticker.C:
			rl.mu.Lock()
			if err := rl.syncInternal(); err != nil {
				rl.logger.Error("Periodic redo sync failed", zap.Error(err))
			}
			rl.mu.Unlock()
		}
	}
}

// Close stops the flusher, syncs and closes the file.
func (rl *RedoLog) Close() error {
	rl.mu.Lock()
	if rl.file == nil {
		rl.mu.Unlock()
		return nil
	}
	rl.mu.Unlock()

	close(rl.stopChan)
	rl.wg.Wait()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	syncErr := rl.syncInternal()
	err := rl.file.Close()
	rl.file = nil
	if syncErr != nil {
		return syncErr
	}
	if err != nil {
		return fmt.Errorf("%w: closing redo log: %v", flushmanager.ErrIOFailure, err)
	}
	return nil
}

// Abandon releases the log without a final sync, leaving whatever reached the
// OS on disk. Used to simulate a crash.
func (rl *RedoLog) Abandon() {
	rl.mu.Lock()
	if rl.file == nil {
		rl.mu.Unlock()
		return
	}
	close(rl.stopChan)
	rl.file.Close()
	rl.file = nil
	rl.mu.Unlock()
	rl.wg.Wait()
}

// --- Record Serialization/Deserialization ---

// writeFrame encodes length | checksum | body into buf.
func writeFrame(buf *bytes.Buffer, seq uint64, r Record) error {
	if len(r.Payload) > maxRecordSize-recordFixedSize {
		return fmt.Errorf("%w: redo payload of %d bytes is too large", flushmanager.ErrSerialization, len(r.Payload))
	}
	body := make([]byte, recordFixedSize+len(r.Payload))
	binary.BigEndian.PutUint64(body[0:8], seq)
	body[8] = byte(r.Op)
	binary.BigEndian.PutUint64(body[9:17], uint64(r.PageID))
	binary.BigEndian.PutUint32(body[17:21], uint32(len(r.Payload)))
	copy(body[recordFixedSize:], r.Payload)

	var hdr [frameHeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(len(body)))
	binary.BigEndian.PutUint64(hdr[4:12], checksum(body))
	buf.Write(hdr[:])
	buf.Write(body)
	return nil
}

// readFrame decodes one frame. io.EOF is returned only on a clean frame
// boundary.
func readFrame(reader *bufio.Reader) (uint64, Record, int, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(reader, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, Record{}, 0, io.EOF
		}
		return 0, Record{}, 0, fmt.Errorf("reading frame header: %w", err)
	}
	length := binary.BigEndian.Uint32(hdr[0:4])
	if length < recordFixedSize || length > maxRecordSize {
		return 0, Record{}, 0, fmt.Errorf("%w: frame length %d", flushmanager.ErrDeserialization, length)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(reader, body); err != nil {
		return 0, Record{}, 0, fmt.Errorf("reading frame body: %w", err)
	}
	if checksum(body) != binary.BigEndian.Uint64(hdr[4:12]) {
		return 0, Record{}, 0, flushmanager.ErrChecksumMismatch
	}

	seq := binary.BigEndian.Uint64(body[0:8])
	rec := Record{
		Op:     RecordOp(body[8]),
		PageID: pagemanager.PageID(binary.BigEndian.Uint64(body[9:17])),
	}
	if rec.Op < OpAllocate || rec.Op > OpCommit {
		return 0, Record{}, 0, fmt.Errorf("%w: unknown redo op %d", flushmanager.ErrDeserialization, body[8])
	}
	payloadLen := binary.BigEndian.Uint32(body[17:21])
	if int(payloadLen) != len(body)-recordFixedSize {
		return 0, Record{}, 0, fmt.Errorf("%w: payload length %d does not match frame", flushmanager.ErrDeserialization, payloadLen)
	}
	if payloadLen > 0 {
		rec.Payload = body[recordFixedSize:]
	}
	return seq, rec, frameHeaderSize + int(length), nil
}

func checksum(b []byte) uint64 {
	sum := blake3.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}
