package flushmanager

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// --- DiskManager ---

const (
	// FileHeaderSize is the size of the header region in front of page 0.
	FileHeaderSize = 4096
	// FileMagic identifies a page file ("PGST").
	FileMagic     uint32 = 0x50475354
	FormatVersion uint32 = 1
)

const (
	headerFlagClean      uint32 = 1 << 0
	headerFlagCompaction uint32 = 1 << 1
)

// FileHeader is the decoded form of the header region.
type FileHeader struct {
	PageSize                   uint32
	PageCount                  uint64
	FreePageCount              uint64
	Clean                      bool
	EnableCompaction           bool
	MinFreePageCompactionRatio float64
	MaxFreePageCompactionRatio float64
	FileID                     uuid.UUID
	LastTxSeq                  uint64
}

// diskHeader is the fixed-size wire layout. All fields have fixed sizes so
// binary.Write/Read stay consistent.
type diskHeader struct {
	Magic         uint32
	Version       uint32
	PageSize      uint32
	Flags         uint32
	PageCount     uint64
	FreePageCount uint64
	MinRatioBits  uint64
	MaxRatioBits  uint64
	FileID        [16]byte
	LastTxSeq     uint64
}

const diskHeaderSize = 4*4 + 8*4 + 16 + 8

// The header region holds two copies of the header, each followed by its
// checksum. The copies are written in turn; a torn write damages at most one.
const headerCopySize = FileHeaderSize / 2

type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	mu       sync.Mutex
	logger   *zap.Logger
}

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) *DiskManager {
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}
}

// Open opens or creates the data file and takes an exclusive advisory lock on
// it. It reports whether the file held any bytes before the call.
func (dm *DiskManager) Open() (bool, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return false, fmt.Errorf("%w: opening file %s: %v", ErrIOFailure, dm.filePath, err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, fmt.Errorf("%w: %s", ErrFileLocked, dm.filePath)
		}
		return false, fmt.Errorf("%w: locking file %s: %v", ErrIOFailure, dm.filePath, err)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return false, fmt.Errorf("%w: getting file info: %v", ErrIOFailure, err)
	}
	dm.file = file
	dm.logger.Debug("Opened data file", zap.String("path", dm.filePath), zap.Int64("size", fi.Size()))
	return fi.Size() > 0, nil
}

// WriteHeader serializes the header into the header region. When sync is set
// the file is fsynced before returning.
func (dm *DiskManager) WriteHeader(h *FileHeader, sync bool) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrNotLoaded
	}

	var flags uint32
	if h.Clean {
		flags |= headerFlagClean
	}
	if h.EnableCompaction {
		flags |= headerFlagCompaction
	}
	dh := diskHeader{
		Magic:         FileMagic,
		Version:       FormatVersion,
		PageSize:      h.PageSize,
		Flags:         flags,
		PageCount:     h.PageCount,
		FreePageCount: h.FreePageCount,
		MinRatioBits:  math.Float64bits(h.MinFreePageCompactionRatio),
		MaxRatioBits:  math.Float64bits(h.MaxFreePageCompactionRatio),
		FileID:        h.FileID,
		LastTxSeq:     h.LastTxSeq,
	}
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.BigEndian, &dh); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])
	buf.Write(make([]byte, headerCopySize-buf.Len()))

	for _, offset := range []int64{0, headerCopySize} {
		if _, err := dm.file.WriteAt(buf.Bytes(), offset); err != nil {
			return fmt.Errorf("%w: writing header to disk: %v", ErrIOFailure, err)
		}
		if sync {
			if err := dm.file.Sync(); err != nil {
				return fmt.Errorf("%w: syncing header: %v", ErrIOFailure, err)
			}
		}
	}
	return nil
}

// ReadHeader reads and validates the header region.
func (dm *DiskManager) ReadHeader() (*FileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil, ErrNotLoaded
	}

	data := make([]byte, FileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil && !(errors.Is(err, io.EOF) && n == FileHeaderSize) {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrCorruptHeader, n)
		}
		return nil, fmt.Errorf("%w: reading header from disk: %v", ErrIOFailure, err)
	}

	dh, err := decodeHeaderCopy(data[:headerCopySize])
	if err != nil {
		second, serr := decodeHeaderCopy(data[headerCopySize:])
		if serr != nil {
			return nil, err
		}
		dm.logger.Warn("Primary header copy is damaged, using the second copy", zap.Error(err))
		dh = second
	}
	if int(dh.PageSize) != dm.pageSize {
		return nil, fmt.Errorf("%w: file page size (%d) does not match configured page size (%d)", ErrCorruptHeader, dh.PageSize, dm.pageSize)
	}
	if dh.FreePageCount > dh.PageCount {
		return nil, fmt.Errorf("%w: free page count %d exceeds page count %d", ErrCorruptHeader, dh.FreePageCount, dh.PageCount)
	}

	return &FileHeader{
		PageSize:                   dh.PageSize,
		PageCount:                  dh.PageCount,
		FreePageCount:              dh.FreePageCount,
		Clean:                      dh.Flags&headerFlagClean != 0,
		EnableCompaction:           dh.Flags&headerFlagCompaction != 0,
		MinFreePageCompactionRatio: math.Float64frombits(dh.MinRatioBits),
		MaxFreePageCompactionRatio: math.Float64frombits(dh.MaxRatioBits),
		FileID:                     uuid.UUID(dh.FileID),
		LastTxSeq:                  dh.LastTxSeq,
	}, nil
}

func decodeHeaderCopy(data []byte) (*diskHeader, error) {
	var dh diskHeader
	if err := binary.Read(bytes.NewReader(data[:diskHeaderSize]), binary.BigEndian, &dh); err != nil {
		return nil, fmt.Errorf("%w: deserializing header: %v", ErrCorruptHeader, err)
	}
	if dh.Magic != FileMagic {
		return nil, fmt.Errorf("%w: bad magic 0x%x", ErrCorruptHeader, dh.Magic)
	}
	if dh.Version != FormatVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptHeader, dh.Version)
	}
	sum := blake3.Sum256(data[:diskHeaderSize])
	if !bytes.Equal(sum[:], data[diskHeaderSize:diskHeaderSize+len(sum)]) {
		return nil, fmt.Errorf("%w: %w", ErrCorruptHeader, ErrChecksumMismatch)
	}
	return &dh, nil
}

// ToOffset returns the byte offset of a page in the data file.
func (dm *DiskManager) ToOffset(pageID pagemanager.PageID) int64 {
	return int64(FileHeaderSize) + int64(pageID)*int64(dm.pageSize)
}

// ReadPage reads a page image into pageData. Pages past the end of the file
// have never been written and read back as zeroes, i.e. free.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrNotLoaded
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := dm.ToOffset(pageID)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if errors.Is(err, io.EOF) {
			clear(pageData[n:])
			return nil
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIOFailure, pageID, offset, err)
	}
	return nil
}

// WritePage writes pageData at the page's location. No fsync.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrNotLoaded
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := dm.ToOffset(pageID)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIOFailure, pageID, offset, err)
	}
	return nil
}

// PagesOnDisk returns the number of whole pages currently in the file.
func (dm *DiskManager) PagesOnDisk() (uint64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return 0, ErrNotLoaded
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info: %v", ErrIOFailure, err)
	}
	if fi.Size() <= FileHeaderSize {
		return 0, nil
	}
	return uint64(fi.Size()-FileHeaderSize) / uint64(dm.pageSize), nil
}

// FileSize returns the current length of the data file.
func (dm *DiskManager) FileSize() (int64, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return 0, ErrNotLoaded
	}
	fi, err := dm.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("%w: getting file info: %v", ErrIOFailure, err)
	}
	return fi.Size(), nil
}

// Resize sets the file length to hold exactly pageCount pages. Growing fills
// with zeroes, which decode as free pages.
func (dm *DiskManager) Resize(pageCount uint64) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrNotLoaded
	}
	size := dm.ToOffset(pagemanager.PageID(pageCount))
	if err := dm.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: resizing to %d pages: %v", ErrIOFailure, pageCount, err)
	}
	return nil
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrIOFailure, dm.filePath, err)
	}
	return nil
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }
func (dm *DiskManager) Path() string { return dm.filePath }

// Close releases the lock and closes the file handle without syncing.
func (dm *DiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	_ = unix.Flock(int(dm.file.Fd()), unix.LOCK_UN)
	err := dm.file.Close()
	dm.file = nil
	if err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrIOFailure, dm.filePath, err)
	}
	return nil
}
