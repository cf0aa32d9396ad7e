// Package journal is an append-only log of message payloads split over
// numbered data files. Payloads are addressed by Location.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
)

const (
	DefaultMaxFileLength int64 = 32 * 1024 * 1024

	filePrefix = "db-"
	fileSuffix = ".log"
	// recordHeaderSize is length u32 | blake3-64 u64.
	recordHeaderSize = 4 + 8
)

var (
	ErrClosed        = errors.New("journal is closed")
	ErrUnknownFile   = errors.New("journal data file does not exist")
	ErrCorruptRecord = errors.New("journal record is corrupt")
)

// Location addresses one payload in the journal.
type Location struct {
	FileID uint32
	Offset int64
	Length uint32
}

func (l Location) String() string {
	return fmt.Sprintf("%d:%d:%d", l.FileID, l.Offset, l.Length)
}

// LocationCodec stores a Location in 16 bytes.
var LocationCodec = pagefile.Codec[Location]{
	Encode: func(l Location) ([]byte, error) {
		b := make([]byte, 16)
		binary.BigEndian.PutUint32(b[0:4], l.FileID)
		binary.BigEndian.PutUint64(b[4:12], uint64(l.Offset))
		binary.BigEndian.PutUint32(b[12:16], l.Length)
		return b, nil
	},
	Decode: func(b []byte) (Location, error) {
		if len(b) != 16 {
			return Location{}, fmt.Errorf("location needs 16 bytes, got %d", len(b))
		}
		return Location{
			FileID: binary.BigEndian.Uint32(b[0:4]),
			Offset: int64(binary.BigEndian.Uint64(b[4:12])),
			Length: binary.BigEndian.Uint32(b[12:16]),
		}, nil
	},
}

type Options struct {
	// MaxFileLength is the size after which writes roll over to a new file.
	MaxFileLength int64
	SyncStrategy  wal.SyncStrategy
	SyncInterval  time.Duration
}

// Journal appends payloads to the newest data file and reads from any of them.
type Journal struct {
	dir    string
	opts   Options
	logger *zap.Logger

	mu        sync.RWMutex
	files     map[uint32]*os.File
	currentID uint32
	offset    int64
	dirty     bool
	closed    bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open scans dir for data files and continues appending to the newest one. A
// torn record at the end of the newest file is cut off.
func Open(dir string, opts Options, logger *zap.Logger) (*Journal, error) {
	if opts.MaxFileLength <= 0 {
		opts.MaxFileLength = DefaultMaxFileLength
	}
	if opts.SyncStrategy == "" {
		opts.SyncStrategy = wal.SyncAlways
	}
	if opts.SyncStrategy == wal.SyncPeriodic && opts.SyncInterval <= 0 {
		return nil, fmt.Errorf("%w: periodic journal sync needs a positive interval", flushmanager.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating journal directory %s: %v", flushmanager.ErrIOFailure, dir, err)
	}

	j := &Journal{
		dir:      dir,
		opts:     opts,
		logger:   logger.Named("journal"),
		files:    make(map[uint32]*os.File),
		stopChan: make(chan struct{}),
	}
	ids, err := j.scan()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		f, err := os.OpenFile(j.path(id), os.O_RDWR, 0644)
		if err != nil {
			j.closeFiles()
			return nil, fmt.Errorf("%w: opening journal file %d: %v", flushmanager.ErrIOFailure, id, err)
		}
		j.files[id] = f
	}

	if len(ids) == 0 {
		if err := j.rollover(1); err != nil {
			return nil, err
		}
	} else {
		j.currentID = ids[len(ids)-1]
		end, err := j.validTail(j.files[j.currentID])
		if err != nil {
			j.closeFiles()
			return nil, err
		}
		j.offset = end
	}

	if opts.SyncStrategy == wal.SyncPeriodic {
		j.wg.Add(1)
		go j.flusher()
	}
	j.logger.Info("Journal opened",
		zap.String("dir", dir),
		zap.Int("files", len(j.files)),
		zap.Uint32("current_file", j.currentID),
		zap.Int64("offset", j.offset))
	return j, nil
}

func (j *Journal) path(id uint32) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s%d%s", filePrefix, id, fileSuffix))
}

// scan returns the ids of the data files in the directory, ascending.
func (j *Journal) scan() ([]uint32, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: reading journal directory: %v", flushmanager.ErrIOFailure, err)
	}
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(id))
	}
	slices.Sort(ids)
	return ids, nil
}

// validTail walks the records of f and truncates it after the last good one.
func (j *Journal) validTail(f *os.File) (int64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting journal file info: %v", flushmanager.ErrIOFailure, err)
	}
	size := fi.Size()
	var off int64
	hdr := make([]byte, recordHeaderSize)
	for off+recordHeaderSize <= size {
		if _, err := f.ReadAt(hdr, off); err != nil {
			break
		}
		n := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if off+recordHeaderSize+n > size {
			break
		}
		payload := make([]byte, n)
		if _, err := f.ReadAt(payload, off+recordHeaderSize); err != nil {
			break
		}
		if checksum(payload) != binary.BigEndian.Uint64(hdr[4:12]) {
			break
		}
		off += recordHeaderSize + n
	}
	if off < size {
		j.logger.Warn("Truncating torn journal tail", zap.String("file", f.Name()), zap.Int64("valid", off), zap.Int64("size", size))
		if err := f.Truncate(off); err != nil {
			return 0, fmt.Errorf("%w: truncating journal tail: %v", flushmanager.ErrIOFailure, err)
		}
	}
	return off, nil
}

// rollover MUST be called with j.mu locked, or before the journal is shared.
func (j *Journal) rollover(id uint32) error {
	if cur, ok := j.files[j.currentID]; ok && j.dirty {
		if err := cur.Sync(); err != nil {
			return fmt.Errorf("%w: syncing journal file %d: %v", flushmanager.ErrIOFailure, j.currentID, err)
		}
	}
	f, err := os.OpenFile(j.path(id), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating journal file %d: %v", flushmanager.ErrIOFailure, id, err)
	}
	j.files[id] = f
	j.currentID = id
	j.offset = 0
	j.dirty = false
	j.logger.Debug("Journal rolled over", zap.Uint32("file", id))
	return nil
}

// Write appends payload and returns where it was stored.
func (j *Journal) Write(payload []byte) (Location, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Location{}, ErrClosed
	}

	size := int64(recordHeaderSize + len(payload))
	if j.offset > 0 && j.offset+size > j.opts.MaxFileLength {
		if err := j.rollover(j.currentID + 1); err != nil {
			return Location{}, err
		}
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint64(buf[4:12], checksum(payload))
	copy(buf[recordHeaderSize:], payload)
	f := j.files[j.currentID]
	if _, err := f.WriteAt(buf, j.offset); err != nil {
		f.Truncate(j.offset)
		return Location{}, fmt.Errorf("%w: writing journal record: %v", flushmanager.ErrIOFailure, err)
	}
	loc := Location{FileID: j.currentID, Offset: j.offset, Length: uint32(len(payload))}
	j.offset += size
	j.dirty = true

	if j.opts.SyncStrategy == wal.SyncAlways {
		if err := j.syncInternal(); err != nil {
			return Location{}, err
		}
	}
	return loc, nil
}

// Read returns the payload stored at loc.
func (j *Journal) Read(loc Location) ([]byte, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return nil, ErrClosed
	}
	f, ok := j.files[loc.FileID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownFile, loc.FileID)
	}
	buf := make([]byte, recordHeaderSize+int(loc.Length))
	if _, err := f.ReadAt(buf, loc.Offset); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s beyond end of file", ErrCorruptRecord, loc)
		}
		return nil, fmt.Errorf("%w: reading journal record %s: %v", flushmanager.ErrIOFailure, loc, err)
	}
	if n := binary.BigEndian.Uint32(buf[0:4]); n != loc.Length {
		return nil, fmt.Errorf("%w: %s holds %d bytes", ErrCorruptRecord, loc, n)
	}
	payload := buf[recordHeaderSize:]
	if checksum(payload) != binary.BigEndian.Uint64(buf[4:12]) {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorruptRecord, loc, flushmanager.ErrChecksumMismatch)
	}
	return payload, nil
}

// Sync fsyncs the current data file.
func (j *Journal) Sync() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	return j.syncInternal()
}

// syncInternal MUST be called with j.mu locked.
func (j *Journal) syncInternal() error {
	if !j.dirty {
		return nil
	}
	if err := j.files[j.currentID].Sync(); err != nil {
		return fmt.Errorf("%w: syncing journal file %d: %v", flushmanager.ErrIOFailure, j.currentID, err)
	}
	j.dirty = false
	return nil
}

// FileIDs returns the ids of every data file, ascending.
func (j *Journal) FileIDs() []uint32 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	ids := make([]uint32, 0, len(j.files))
	for id := range j.files {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (j *Journal) CurrentFileID() uint32 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.currentID
}

// RemoveFiles deletes every data file for which keep returns false. The file
// being appended to is always kept. It returns the removed ids.
func (j *Journal) RemoveFiles(keep func(fileID uint32) bool) ([]uint32, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	var removed []uint32
	for id, f := range j.files {
		if id == j.currentID || keep(id) {
			continue
		}
		f.Close()
		delete(j.files, id)
		if err := os.Remove(j.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return removed, fmt.Errorf("%w: removing journal file %d: %v", flushmanager.ErrIOFailure, id, err)
		}
		removed = append(removed, id)
	}
	slices.Sort(removed)
	if len(removed) > 0 {
		j.logger.Info("Removed unreferenced journal files", zap.Any("files", removed))
	}
	return removed, nil
}

// flusher periodically fsyncs under SyncPeriodic.
func (j *Journal) flusher() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.opts.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-j.stopChan:
			return
		case <-ticker.C:
			j.mu.Lock()
			if !j.closed {
				if err := j.syncInternal(); err != nil {
					j.logger.Error("Periodic journal sync failed", zap.Error(err))
				}
			}
			j.mu.Unlock()
		}
	}
}

// Close syncs and closes every data file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.mu.Unlock()
	close(j.stopChan)
	j.wg.Wait()

	j.mu.Lock()
	defer j.mu.Unlock()
	err := j.syncInternal()
	j.closeFiles()
	j.closed = true
	return err
}

func (j *Journal) closeFiles() {
	for id, f := range j.files {
		f.Close()
		delete(j.files, id)
	}
}

func checksum(b []byte) uint64 {
	sum := blake3.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}
