package pagefile

import (
	"bytes"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/pagestore/core/transaction"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"go.uber.org/zap"
)

func smallPageConfig() Config {
	cfg := testConfig()
	cfg.PageSize = 64
	return cfg
}

func TestTransaction_AllocateOnlyCommitsFreePages(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	tx := pf.Tx()
	for i := 0; i < 100; i++ {
		p, err := tx.Allocate()
		require.NoError(t, err)
		require.True(t, p.IsFree())
	}
	require.NoError(t, tx.Commit())
	require.NoError(t, pf.Flush())

	require.Equal(t, uint64(100), pf.PageCount())
	require.Equal(t, uint64(100), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(100), pf.DiskSize())
}

func TestTransaction_OverflowRoundTrip(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), smallPageConfig())
	payload := bytes.Repeat([]byte("0123456789"), 10)

	tx := pf.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.ErrorIs(t, StoreValue(tx, p, payload, pagemanager.BytesCodec, false), flushmanager.ErrPageOverflow)
	require.NoError(t, StoreValue(tx, p, payload, pagemanager.BytesCodec, true))
	require.Equal(t, pagemanager.PageTypePart, p.GetType())
	require.Equal(t, tx.ID(), p.GetTxID())

	// The transaction sees its own staged record.
	staged, err := LoadValue(tx, p.GetPageID(), pagemanager.BytesCodec)
	require.NoError(t, err)
	require.Equal(t, payload, staged)
	require.NoError(t, tx.Commit())
	require.NoError(t, pf.Flush())

	// 100 bytes at 43 bytes per page needs three pages.
	require.Equal(t, uint64(3), pf.PageCount())
	tx = pf.Tx()
	got, err := LoadValue(tx, p.GetPageID(), pagemanager.BytesCodec)
	require.NoError(t, err)
	require.Equal(t, payload, got)

	// A shorter record releases the surplus chain pages.
	require.NoError(t, StoreValue(tx, p, []byte("short"), pagemanager.BytesCodec, true))
	require.Equal(t, pagemanager.PageTypeEnd, p.GetType())
	require.NoError(t, tx.Commit())
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(2), pf.FreePageCount())
	require.Equal(t, "short", readString(t, pf, p.GetPageID()))

	// Growing again reuses the freed ids.
	tx = pf.Tx()
	require.NoError(t, StoreValue(tx, p, payload, pagemanager.BytesCodec, true))
	require.NoError(t, tx.Commit())
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(3), pf.PageCount())
	require.Equal(t, uint64(0), pf.FreePageCount())

	// Freeing the head frees the whole chain.
	tx = pf.Tx()
	require.NoError(t, tx.Free(p.GetPageID()))
	require.NoError(t, tx.Commit())
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(3), pf.FreePageCount())
}

func TestTransaction_Rollback(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 2)

	tx := pf.Tx()
	for i := 0; i < 3; i++ {
		p, err := tx.Allocate()
		require.NoError(t, err)
		require.NoError(t, StoreValue(tx, p, "discarded", pagemanager.StringCodec, false))
	}
	require.NoError(t, tx.Free(0))
	require.NoError(t, tx.Rollback())
	require.Equal(t, transaction.TxnStateRolledBack, tx.State())
	require.Equal(t, "page-0", readString(t, pf, 0))

	tx = pf.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(2), p.GetPageID())
	require.NoError(t, tx.Rollback())
}

func TestTransaction_ClosedRejectsUse(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	tx := pf.Tx()
	require.NoError(t, tx.Commit())
	require.Equal(t, transaction.TxnStateCommitted, tx.State())

	_, err := tx.Allocate()
	require.ErrorIs(t, err, flushmanager.ErrTxClosed)
	_, err = tx.Load(0)
	require.ErrorIs(t, err, flushmanager.ErrTxClosed)
	require.ErrorIs(t, tx.Free(0), flushmanager.ErrTxClosed)
	require.ErrorIs(t, tx.Commit(), flushmanager.ErrTxClosed)
	require.ErrorIs(t, tx.Rollback(), flushmanager.ErrTxClosed)
	require.ErrorIs(t, tx.Execute(func(*Transaction) error { return nil }), flushmanager.ErrTxClosed)
}

func TestTransaction_FreeErrors(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 3)

	tx := pf.Tx()
	require.ErrorIs(t, tx.Free(3), flushmanager.ErrPageOutOfRange)
	require.NoError(t, tx.Free(0))
	require.ErrorIs(t, tx.Free(0), flushmanager.ErrPageAlreadyFree)
	require.NoError(t, tx.Commit())

	// Pending and flushed frees are both rejected.
	tx = pf.Tx()
	require.ErrorIs(t, tx.Free(0), flushmanager.ErrPageAlreadyFree)
	require.NoError(t, pf.Flush())
	require.ErrorIs(t, tx.Free(0), flushmanager.ErrPageAlreadyFree)
	require.ErrorIs(t, tx.Store(pagemanager.NewPage(0, pagemanager.PageTypeEnd, 0, []byte("x")), false), flushmanager.ErrPageAlreadyFree)

	page, err := tx.Load(0)
	require.NoError(t, err)
	require.True(t, page.IsFree())
	require.Nil(t, page.GetData())

	_, err = LoadValue(tx, 0, pagemanager.StringCodec)
	require.ErrorIs(t, err, flushmanager.ErrPageEmpty)
	require.NotErrorIs(t, err, flushmanager.ErrPageAlreadyFree)
	require.NoError(t, tx.Rollback())
}

func TestTransaction_DecodeFailureWrapsDeserialization(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 1)
	tx := pf.Tx()
	defer tx.Rollback()
	_, err := LoadValue(tx, 0, pagemanager.Uint64Codec)
	require.ErrorIs(t, err, flushmanager.ErrDeserialization)
}

func TestTransaction_Execute(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 5)

	tx := pf.Tx()
	total, err := Execute(tx, func(tx *Transaction) (int, error) {
		n := 0
		for id := pagemanager.PageID(0); id < 5; id++ {
			p, err := tx.Load(id)
			if err != nil {
				return 0, err
			}
			n += len(p.GetData())
		}
		return n, nil
	})
	require.NoError(t, err)
	require.Equal(t, 5*len("page-0"), total)
	require.NoError(t, tx.Rollback())
}

func TestTransaction_CommitFailureLeavesNoEffect(t *testing.T) {
	dir := t.TempDir()
	pf := openPageFile(t, dir, testConfig())
	var fr *failingRedo
	pf.openRedo = func(path string, fileID uuid.UUID, opts wal.Options, logger *zap.Logger) (redoLog, error) {
		rl, err := wal.OpenRedoLog(path, fileID, opts, logger)
		if err != nil {
			return nil, err
		}
		fr = &failingRedo{redoLog: rl}
		return fr, nil
	}
	require.NoError(t, pf.Load())
	t.Cleanup(func() { require.NoError(t, pf.Unload()) })
	writePages(t, pf, 2)

	fr.fail.Store(true)
	tx := pf.Tx()
	p, err := tx.Allocate()
	require.NoError(t, err)
	require.NoError(t, StoreValue(tx, p, "new", pagemanager.StringCodec, false))
	require.NoError(t, tx.Free(0))
	require.ErrorIs(t, tx.Commit(), flushmanager.ErrCommitFailure)
	require.Equal(t, transaction.TxnStateRunning, tx.State())

	require.Equal(t, "page-0", readString(t, pf, 0))
	other := pf.Tx()
	page, err := other.Load(p.GetPageID())
	require.NoError(t, err)
	require.True(t, page.IsFree())
	require.NoError(t, other.Rollback())

	// The transaction stays usable and can be retried.
	fr.fail.Store(false)
	require.NoError(t, tx.Commit())
	require.Equal(t, "new", readString(t, pf, p.GetPageID()))
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(1), pf.FreePageCount())
}

// Relocation moves live pages and overflow chains, rewrites chain links and
// lets listeners fix their references in the same commit.
func TestCompaction_RelocatesAndNotifiesListeners(t *testing.T) {
	dir := t.TempDir()
	pf := loadPageFile(t, dir, smallPageConfig())
	writePages(t, pf, 40)

	payload := bytes.Repeat([]byte("abcdefghij"), 10)
	const directory = pagemanager.PageID(25)
	tx := pf.Tx()
	head, err := tx.Allocate()
	require.NoError(t, err)
	require.NoError(t, StoreValue(tx, head, payload, pagemanager.BytesCodec, true))
	require.Equal(t, pagemanager.PageID(40), head.GetPageID())
	require.NoError(t, StoreValue(tx, pagemanager.NewPage(directory, pagemanager.PageTypeEnd, 0, nil), uint64(head.GetPageID()), pagemanager.Uint64Codec, false))
	require.NoError(t, tx.Commit())

	var seen map[pagemanager.PageID]pagemanager.PageID
	pf.AddRelocationListener(func(tx *Transaction, moves map[pagemanager.PageID]pagemanager.PageID) error {
		seen = moves
		ref, err := LoadValue(tx, directory, pagemanager.Uint64Codec)
		if err != nil {
			return err
		}
		to, ok := moves[pagemanager.PageID(ref)]
		if !ok {
			return nil
		}
		return StoreValue(tx, pagemanager.NewPage(directory, pagemanager.PageTypeEnd, 0, nil), uint64(to), pagemanager.Uint64Codec, false)
	})

	freePages(t, pf, 0, 19)
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(43), pf.PageCount())
	require.Equal(t, uint64(20), pf.FreePageCount())

	// retain = floor(43 * 0.1) = 4, so 16 pages go and 16 live pages move.
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(27), pf.PageCount())
	require.Equal(t, uint64(4), pf.FreePageCount())
	require.Len(t, seen, 16)
	require.Equal(t, pagemanager.PageID(0), seen[27])
	for from, to := range seen {
		require.GreaterOrEqual(t, from, pagemanager.PageID(27))
		require.Less(t, to, pagemanager.PageID(16))
	}

	require.Equal(t, "page-39", readString(t, pf, seen[39]))
	require.Equal(t, "page-22", readString(t, pf, 22))
	check := func(pf *PageFile) {
		tx := pf.Tx()
		defer tx.Rollback()
		ref, err := LoadValue(tx, directory, pagemanager.Uint64Codec)
		require.NoError(t, err)
		require.Equal(t, uint64(seen[40]), ref)
		got, err := LoadValue(tx, pagemanager.PageID(ref), pagemanager.BytesCodec)
		require.NoError(t, err)
		require.Equal(t, payload, got)
	}
	check(pf)

	// The moves and the listener's update replay together after a crash.
	simulateCrash(pf)
	reopened := loadPageFile(t, dir, smallPageConfig())
	require.Equal(t, StateRecovered, reopened.State())
	check(reopened)
}

func TestCompaction_ListenerCannotAllocate(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 10)
	freePages(t, pf, 0, 4)
	require.NoError(t, pf.Flush())

	pf.AddRelocationListener(func(tx *Transaction, _ map[pagemanager.PageID]pagemanager.PageID) error {
		_, err := tx.Allocate()
		return err
	})
	require.ErrorIs(t, pf.Compact(), flushmanager.ErrAllocateDuringRelocation)
	require.Equal(t, uint64(10), pf.PageCount())
	require.Equal(t, uint64(5), pf.FreePageCount())
	require.Equal(t, "page-9", readString(t, pf, 9))
}

func TestCompaction_ReservedPagesStay(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 10)

	open := pf.Tx()
	p, err := open.Allocate()
	require.NoError(t, err)
	require.Equal(t, pagemanager.PageID(10), p.GetPageID())

	freePages(t, pf, 0, 7)
	require.NoError(t, pf.Flush())
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(11), pf.PageCount())

	require.NoError(t, StoreValue(open, p, "kept", pagemanager.StringCodec, false))
	require.NoError(t, open.Commit())
	require.Equal(t, "kept", readString(t, pf, 10))
}

// Pages an open transaction has staged a write or free on stay below the new
// end, so its commit lands inside the file.
func TestCompaction_StagedPagesStay(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 0, 29)
	require.NoError(t, pf.Flush())

	open := pf.Tx()
	require.NoError(t, StoreValue(open, pagemanager.NewPage(95, pagemanager.PageTypeEnd, 0, nil), "updated", pagemanager.StringCodec, false))
	require.NoError(t, open.Free(97))

	// Without the staged pages the file would shrink to 80; 97 holds it at 98.
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(98), pf.PageCount())
	require.Equal(t, uint64(28), pf.FreePageCount())
	require.Equal(t, "page-98", readString(t, pf, 0))
	require.Equal(t, "page-99", readString(t, pf, 1))

	require.NoError(t, open.Commit())
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(98), pf.PageCount())
	require.Equal(t, uint64(29), pf.FreePageCount())
	require.Equal(t, pf.ToOffset(98), pf.DiskSize())
	require.Equal(t, "updated", readString(t, pf, 95))

	fi, err := os.Stat(pf.DataPath())
	require.NoError(t, err)
	require.Equal(t, pf.ToOffset(98), fi.Size())
	require.NoError(t, pf.Checkpoint())
}

func TestCompaction_RollbackReleasesStagedPages(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 100)
	freePages(t, pf, 0, 29)
	require.NoError(t, pf.Flush())

	open := pf.Tx()
	require.NoError(t, StoreValue(open, pagemanager.NewPage(95, pagemanager.PageTypeEnd, 0, nil), "discarded", pagemanager.StringCodec, false))
	require.NoError(t, open.Rollback())

	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(80), pf.PageCount())
	require.Equal(t, uint64(10), pf.FreePageCount())
}

func TestTransaction_CommitPastEndFails(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 3)

	tx := pf.Tx()
	image, err := pagemanager.EncodeImage(pagemanager.PageHeader{Type: pagemanager.PageTypeEnd, TxID: tx.ID(), Next: pagemanager.InvalidPageID}, []byte("stray"), pf.PageSize())
	require.NoError(t, err)
	tx.writes[10] = image

	require.ErrorIs(t, tx.Commit(), flushmanager.ErrCommitFailure)
	require.False(t, tx.State().Finished())
	require.NoError(t, tx.Rollback())
	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(3), pf.PageCount())
}

func TestCompaction_PendingFreesCarryOver(t *testing.T) {
	pf := loadPageFile(t, t.TempDir(), testConfig())
	writePages(t, pf, 10)
	freePages(t, pf, 0, 4)
	require.NoError(t, pf.Flush())
	// Page 9 is freed but not flushed when compaction moves it.
	freePages(t, pf, 9, 9)

	// retain = 1, newCount = 6: pages 6..9 move into 0..3.
	require.NoError(t, pf.Compact())
	require.Equal(t, uint64(6), pf.PageCount())
	require.Equal(t, uint64(1), pf.FreePageCount())

	require.NoError(t, pf.Flush())
	require.Equal(t, uint64(2), pf.FreePageCount())
	require.Equal(t, "page-8", readString(t, pf, 2))
}
