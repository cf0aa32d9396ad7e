package flushmanager

import "errors"

// --- Error Definitions ---

var (
	// ErrIOFailure wraps any open/read/write/fsync failure. The file is left
	// for a future load to recover.
	ErrIOFailure = errors.New("i/o failure")
	// ErrCorruptHeader is returned when the data file header cannot be read or
	// does not match the expected layout.
	ErrCorruptHeader = errors.New("corrupt page file header")
	// ErrCommitFailure is returned when the redo batch of a transaction could
	// not be written. No staged effect of the transaction is visible.
	ErrCommitFailure = errors.New("transaction commit failed")
	// ErrPartialReplay marks a redo log whose tail could not be decoded.
	// Recovery stops there and keeps what was replayed.
	ErrPartialReplay = errors.New("redo log replay stopped at unreadable record")
	// ErrInvariantViolation reports internal accounting that would corrupt the
	// on-disk layout if execution continued.
	ErrInvariantViolation = errors.New("page file invariant violated")

	ErrFileLocked      = errors.New("page file is locked by another process")
	ErrNotLoaded       = errors.New("page file is not loaded")
	ErrAlreadyLoaded   = errors.New("page file is already loaded")
	ErrTxClosed        = errors.New("transaction already committed or rolled back")
	ErrPageOutOfRange  = errors.New("page id is beyond the page count")
	ErrPageAlreadyFree = errors.New("page is already free")
	ErrPageEmpty       = errors.New("page holds no record")
	ErrPageOverflow    = errors.New("payload does not fit in one page and overflow is not allowed")
	ErrInvalidConfig   = errors.New("invalid page file configuration")

	// ErrAllocateDuringRelocation is returned to relocation listeners that try
	// to allocate pages while compaction holds the write permit.
	ErrAllocateDuringRelocation = errors.New("pages cannot be allocated while relocating")

	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrChecksumMismatch = errors.New("checksum mismatch, data corruption suspected")
)
