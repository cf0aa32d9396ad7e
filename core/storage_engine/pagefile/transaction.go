package pagefile

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/sushant-115/pagestore/core/transaction"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"go.uber.org/zap"
)

// Transaction stages page operations and applies them to its page file
// atomically on Commit. A Transaction is not safe for concurrent use.
type Transaction struct {
	pf         *PageFile
	id         uint64
	state      transaction.TransactionState
	relocation bool

	allocated []pagemanager.PageID
	owned     map[pagemanager.PageID]struct{}
	writes    map[pagemanager.PageID][]byte
	frees     map[pagemanager.PageID]struct{}
	// pinned are the ids counted in pf.staged for this transaction.
	pinned map[pagemanager.PageID]struct{}
}

func newTransaction(pf *PageFile, relocation bool) *Transaction {
	return &Transaction{
		pf:         pf,
		id:         pf.txIDs.Next(),
		state:      transaction.TxnStateRunning,
		relocation: relocation,
		owned:      make(map[pagemanager.PageID]struct{}),
		writes:     make(map[pagemanager.PageID][]byte),
		frees:      make(map[pagemanager.PageID]struct{}),
		pinned:     make(map[pagemanager.PageID]struct{}),
	}
}

func (tx *Transaction) ID() uint64 { return tx.id }

func (tx *Transaction) State() transaction.TransactionState { return tx.state }

func (tx *Transaction) checkOpen() error {
	if tx.state.Finished() {
		return flushmanager.ErrTxClosed
	}
	return nil
}

// pinLocked keeps ids out of the region a compaction may truncate until the
// transaction finishes. MUST be called with pf.mu held for writing.
func (tx *Transaction) pinLocked(ids []pagemanager.PageID) {
	if tx.relocation {
		return
	}
	for _, id := range ids {
		if _, ok := tx.pinned[id]; ok {
			continue
		}
		tx.pinned[id] = struct{}{}
		tx.pf.staged[id]++
	}
}

// unpinLocked MUST be called with pf.mu held for writing.
func (tx *Transaction) unpinLocked() {
	if tx.pf.staged != nil {
		for id := range tx.pinned {
			if n := tx.pf.staged[id]; n > 1 {
				tx.pf.staged[id] = n - 1
			} else {
				delete(tx.pf.staged, id)
			}
		}
	}
	clear(tx.pinned)
}

// Allocate hands out the lowest free page id, or grows the file by one page.
// The page stays reserved for this transaction until it finishes. Its type is
// free until it is stored.
func (tx *Transaction) Allocate() (*pagemanager.Page, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	if tx.relocation {
		return nil, flushmanager.ErrAllocateDuringRelocation
	}

	pf := tx.pf
	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.loaded {
		return nil, flushmanager.ErrNotLoaded
	}

	id, ok := pf.free.PopFirst()
	if !ok {
		id = pagemanager.PageID(pf.pageCount)
		pf.pageCount++
	}
	pf.reserved[id] = tx.id
	tx.allocated = append(tx.allocated, id)
	tx.owned[id] = struct{}{}
	return pagemanager.NewPage(id, pagemanager.PageTypeFree, tx.id, nil), nil
}

// owns reports whether this transaction allocated or already wrote id.
func (tx *Transaction) owns(id pagemanager.PageID) bool {
	if _, ok := tx.owned[id]; ok {
		return true
	}
	_, ok := tx.writes[id]
	return ok
}

// imageLocked returns the image of id as seen by this transaction. MUST be
// called with pf.mu held for reading.
func (tx *Transaction) imageLocked(id pagemanager.PageID) ([]byte, error) {
	if image, ok := tx.writes[id]; ok {
		return image, nil
	}
	if _, ok := tx.frees[id]; ok {
		return pagemanager.FreeImage(tx.id, tx.pf.cfg.PageSize), nil
	}
	return tx.pf.readCommittedLocked(id)
}

// chainLocked returns the ids of the record rooted at head, head first, and
// the header of the head page.
func (tx *Transaction) chainLocked(head pagemanager.PageID) ([]pagemanager.PageID, pagemanager.PageHeader, error) {
	limit := tx.pf.pageCount
	var (
		ids   []pagemanager.PageID
		first pagemanager.PageHeader
	)
	id := head
	for {
		image, err := tx.imageLocked(id)
		if err != nil {
			return nil, first, err
		}
		h, err := pagemanager.DecodeHeader(image)
		if err != nil {
			return nil, first, fmt.Errorf("%w: page %d: %v", flushmanager.ErrInvariantViolation, id, err)
		}
		if len(ids) == 0 {
			first = h
		}
		ids = append(ids, id)
		if h.Type != pagemanager.PageTypePart {
			return ids, first, nil
		}
		if uint64(h.Next) >= limit || uint64(len(ids)) > limit {
			return nil, first, fmt.Errorf("%w: broken overflow chain at page %d (next %d)", flushmanager.ErrInvariantViolation, id, h.Next)
		}
		id = h.Next
	}
}

// Free releases id and every overflow page chained behind it. The ids become
// free for other transactions after commit, and count as free after flush.
func (tx *Transaction) Free(id pagemanager.PageID) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	pf := tx.pf
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if !pf.loaded {
		return flushmanager.ErrNotLoaded
	}
	if uint64(id) >= pf.pageCount {
		return fmt.Errorf("%w: page %d (page count %d)", flushmanager.ErrPageOutOfRange, id, pf.pageCount)
	}
	if _, ok := tx.frees[id]; ok {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageAlreadyFree, id)
	}
	if !tx.owns(id) && pf.unavailableLocked(id, tx.id) {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageAlreadyFree, id)
	}

	ids, head, err := tx.chainLocked(id)
	if err != nil {
		return err
	}
	if head.Type == pagemanager.PageTypeFree && !tx.owns(id) {
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageAlreadyFree, id)
	}
	tx.pinLocked(ids)
	for _, cid := range ids {
		delete(tx.writes, cid)
		tx.frees[cid] = struct{}{}
	}
	return nil
}

// Load reads the record rooted at id, following its overflow chain. A free
// page is returned with type PageTypeFree and no data.
func (tx *Transaction) Load(id pagemanager.PageID) (*pagemanager.Page, error) {
	if err := tx.checkOpen(); err != nil {
		return nil, err
	}
	pf := tx.pf
	pf.mu.RLock()
	defer pf.mu.RUnlock()
	if !pf.loaded {
		return nil, flushmanager.ErrNotLoaded
	}
	if uint64(id) >= pf.pageCount {
		return nil, fmt.Errorf("%w: page %d (page count %d)", flushmanager.ErrPageOutOfRange, id, pf.pageCount)
	}

	ids, head, err := tx.chainLocked(id)
	if err != nil {
		return nil, err
	}
	if head.Type == pagemanager.PageTypeFree {
		return pagemanager.NewPage(id, pagemanager.PageTypeFree, head.TxID, nil), nil
	}
	var data []byte
	for _, cid := range ids {
		image, err := tx.imageLocked(cid)
		if err != nil {
			return nil, err
		}
		h, err := pagemanager.DecodeHeader(image)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", flushmanager.ErrInvariantViolation, cid, err)
		}
		data = append(data, pagemanager.Payload(image, h)...)
	}
	return pagemanager.NewPage(id, head.Type, head.TxID, data), nil
}

// Store replaces the record rooted at page's id with page's data. With
// allowOverflow the data may span several pages; surplus pages of a longer
// previous record are freed.
func (tx *Transaction) Store(page *pagemanager.Page, allowOverflow bool) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	pf := tx.pf
	id := page.GetPageID()
	data := page.GetData()
	capacity := pagemanager.PayloadCapacity(pf.cfg.PageSize)
	need := max(1, (len(data)+capacity-1)/capacity)
	if need > 1 && !allowOverflow {
		return fmt.Errorf("%w: page %d needs %d bytes, capacity is %d", flushmanager.ErrPageOverflow, id, len(data), capacity)
	}

	pf.mu.Lock()
	if !pf.loaded {
		pf.mu.Unlock()
		return flushmanager.ErrNotLoaded
	}
	if uint64(id) >= pf.pageCount {
		pf.mu.Unlock()
		return fmt.Errorf("%w: page %d (page count %d)", flushmanager.ErrPageOutOfRange, id, pf.pageCount)
	}
	if _, freed := tx.frees[id]; freed || (!tx.owns(id) && pf.unavailableLocked(id, tx.id)) {
		pf.mu.Unlock()
		return fmt.Errorf("%w: page %d", flushmanager.ErrPageAlreadyFree, id)
	}
	oldChain, head, err := tx.chainLocked(id)
	if err == nil {
		tx.pinLocked(oldChain)
	}
	pf.mu.Unlock()
	if err != nil {
		return err
	}
	if head.Type == pagemanager.PageTypeFree {
		oldChain = oldChain[:1]
	}

	ids := []pagemanager.PageID{id}
	reuse := min(need-1, len(oldChain)-1)
	ids = append(ids, oldChain[1:1+reuse]...)
	for len(ids) < need {
		p, err := tx.Allocate()
		if err != nil {
			return err
		}
		ids = append(ids, p.GetPageID())
	}
	for _, surplus := range oldChain[1+reuse:] {
		delete(tx.writes, surplus)
		tx.frees[surplus] = struct{}{}
	}

	for i, pid := range ids {
		start := i * capacity
		end := min(start+capacity, len(data))
		h := pagemanager.PageHeader{Type: pagemanager.PageTypeEnd, TxID: tx.id, Next: pagemanager.InvalidPageID}
		if i < len(ids)-1 {
			h.Type = pagemanager.PageTypePart
			h.Next = ids[i+1]
		}
		image, err := pagemanager.EncodeImage(h, data[start:end], pf.cfg.PageSize)
		if err != nil {
			return err
		}
		tx.writes[pid] = image
	}

	if need > 1 {
		page.SetType(pagemanager.PageTypePart)
	} else {
		page.SetType(pagemanager.PageTypeEnd)
	}
	page.SetTxID(tx.id)
	return nil
}

// LoadValue loads the record at id and decodes it with codec.
func LoadValue[T any](tx *Transaction, id pagemanager.PageID, codec Codec[T]) (T, error) {
	var zero T
	page, err := tx.Load(id)
	if err != nil {
		return zero, err
	}
	if page.IsFree() {
		return zero, fmt.Errorf("%w: page %d", flushmanager.ErrPageEmpty, id)
	}
	v, err := codec.Decode(page.GetData())
	if err != nil {
		return zero, fmt.Errorf("%w: page %d: %v", flushmanager.ErrDeserialization, id, err)
	}
	return v, nil
}

// StoreValue encodes v with codec and stores it as page's record.
func StoreValue[T any](tx *Transaction, page *pagemanager.Page, v T, codec Codec[T], allowOverflow bool) error {
	data, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("%w: page %d: %v", flushmanager.ErrSerialization, page.GetPageID(), err)
	}
	page.SetData(data)
	return tx.Store(page, allowOverflow)
}

// Execute runs fn against the transaction's view and returns its result.
func Execute[R any](tx *Transaction, fn func(*Transaction) (R, error)) (R, error) {
	var zero R
	if err := tx.checkOpen(); err != nil {
		return zero, err
	}
	return fn(tx)
}

// Execute runs fn against the transaction's view.
func (tx *Transaction) Execute(fn func(*Transaction) error) error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	return fn(tx)
}

// stagedFrees returns every id this transaction releases, including pages it
// allocated but never stored.
func (tx *Transaction) stagedFrees() []pagemanager.PageID {
	frees := make([]pagemanager.PageID, 0, len(tx.frees))
	for id := range tx.frees {
		frees = append(frees, id)
	}
	for _, id := range tx.allocated {
		_, written := tx.writes[id]
		_, freed := tx.frees[id]
		if !written && !freed {
			frees = append(frees, id)
		}
	}
	slices.Sort(frees)
	return frees
}

// buildBatch turns the staged operations into page images and a redo batch.
func (tx *Transaction) buildBatch(seq uint64) (wal.Batch, map[pagemanager.PageID][]byte, []pagemanager.PageID) {
	frees := tx.stagedFrees()
	images := make(map[pagemanager.PageID][]byte, len(tx.writes)+len(frees))
	for id, image := range tx.writes {
		images[id] = image
	}
	for _, id := range frees {
		images[id] = pagemanager.FreeImage(tx.id, tx.pf.cfg.PageSize)
	}

	batch := wal.Batch{Seq: seq}
	allocated := slices.Clone(tx.allocated)
	slices.Sort(allocated)
	for _, id := range allocated {
		batch.Records = append(batch.Records, wal.Record{Op: wal.OpAllocate, PageID: id})
	}
	ids := make([]pagemanager.PageID, 0, len(images))
	for id := range images {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		batch.Records = append(batch.Records, wal.Record{Op: wal.OpWrite, PageID: id, Payload: images[id]})
	}
	for _, id := range frees {
		batch.Records = append(batch.Records, wal.Record{Op: wal.OpFree, PageID: id})
	}
	return batch, images, frees
}

// checkBoundsLocked fails the commit when a staged id lies past the end of
// the file. MUST be called with pf.mu held for reading.
func (tx *Transaction) checkBoundsLocked(images map[pagemanager.PageID][]byte) error {
	for id := range images {
		if uint64(id) >= tx.pf.pageCount {
			return fmt.Errorf("%w: page %d is past the end of the file (page count %d)",
				flushmanager.ErrCommitFailure, id, tx.pf.pageCount)
		}
	}
	return nil
}

// Commit writes the redo batch and publishes the staged effects. On
// ErrCommitFailure nothing is applied and the transaction stays open.
func (tx *Transaction) Commit() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if tx.relocation {
		return fmt.Errorf("%w: relocation transactions are committed by compaction", flushmanager.ErrInvariantViolation)
	}
	pf := tx.pf
	ctx := context.Background()
	start := time.Now()

	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	if !pf.isLoaded() {
		return flushmanager.ErrNotLoaded
	}

	if len(tx.allocated) == 0 && len(tx.writes) == 0 && len(tx.frees) == 0 {
		pf.mu.Lock()
		tx.unpinLocked()
		pf.mu.Unlock()
		tx.finish(transaction.TxnStateCommitted)
		return nil
	}

	seq := pf.commitSeq.Last() + 1
	batch, images, frees := tx.buildBatch(seq)
	pf.mu.RLock()
	err := tx.checkBoundsLocked(images)
	pf.mu.RUnlock()
	if err != nil {
		pf.metrics.CommitFailuresCounter.Add(ctx, 1)
		pf.logger.Error("Commit failed", zap.Uint64("tx", tx.id), zap.Error(err))
		return err
	}
	if err := pf.redo.Append(batch); err != nil {
		pf.metrics.CommitFailuresCounter.Add(ctx, 1)
		pf.logger.Error("Commit failed", zap.Uint64("tx", tx.id), zap.Error(err))
		return fmt.Errorf("%w: %v", flushmanager.ErrCommitFailure, err)
	}
	pf.commitSeq.Advance(seq)

	pf.mu.Lock()
	for id, image := range images {
		pf.cache.PutCommitted(id, image)
	}
	for _, id := range frees {
		pf.pendingFree[id] = struct{}{}
	}
	for _, id := range tx.allocated {
		delete(pf.reserved, id)
	}
	tx.unpinLocked()
	pf.mu.Unlock()

	tx.finish(transaction.TxnStateCommitted)
	pf.recordCommit(ctx, start)
	pf.logger.Debug("Committed transaction",
		zap.Uint64("tx", tx.id),
		zap.Uint64("seq", seq),
		zap.Int("writes", len(images)-len(frees)),
		zap.Int("frees", len(frees)))
	return nil
}

// Rollback discards the staged operations and returns allocated ids to the
// free set.
func (tx *Transaction) Rollback() error {
	if err := tx.checkOpen(); err != nil {
		return err
	}
	if !tx.relocation && (len(tx.allocated) > 0 || len(tx.pinned) > 0) {
		pf := tx.pf
		pf.acquireWritePermit()
		pf.mu.Lock()
		if pf.loaded {
			for _, id := range tx.allocated {
				if pf.reserved[id] == tx.id {
					delete(pf.reserved, id)
					pf.free.Add(id)
				}
			}
		}
		tx.unpinLocked()
		pf.mu.Unlock()
		pf.releaseWritePermit()
	}
	tx.finish(transaction.TxnStateRolledBack)
	return nil
}

func (tx *Transaction) finish(state transaction.TransactionState) {
	tx.state = state
	tx.allocated = nil
	clear(tx.owned)
	clear(tx.writes)
	clear(tx.frees)
	clear(tx.pinned)
}
