package pagefile

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/sushant-115/pagestore/core/transaction"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// compactionPlan describes one shrink of the data file.
type compactionPlan struct {
	oldCount uint64
	newCount uint64
	// moves maps every non-free id at or above newCount to its target.
	moves map[pagemanager.PageID]pagemanager.PageID
	// pending and recovered hold the movers whose free is not yet flushed.
	pending   map[pagemanager.PageID]struct{}
	recovered map[pagemanager.PageID]struct{}
}

// planCompactionLocked returns nil when the file should not shrink. MUST be
// called with pf.mu held for reading.
func (pf *PageFile) planCompactionLocked() *compactionPlan {
	count := pf.pageCount
	freeN := uint64(pf.free.Len())
	if count == 0 || freeN == 0 {
		return nil
	}
	if float64(freeN)/float64(count) < pf.cfg.MaxFreePageCompactionRatio {
		return nil
	}
	retain := uint64(math.Floor(float64(count) * pf.cfg.MinFreePageCompactionRatio))
	if freeN <= retain {
		return nil
	}
	newCount := count - (freeN - retain)
	// Pages an open transaction allocated or staged stay below the new end.
	for id := range pf.reserved {
		if uint64(id) >= newCount {
			newCount = uint64(id) + 1
		}
	}
	for id := range pf.staged {
		if uint64(id) >= newCount {
			newCount = uint64(id) + 1
		}
	}
	if newCount >= count {
		return nil
	}

	plan := &compactionPlan{
		oldCount:  count,
		newCount:  newCount,
		moves:     make(map[pagemanager.PageID]pagemanager.PageID),
		pending:   make(map[pagemanager.PageID]struct{}),
		recovered: make(map[pagemanager.PageID]struct{}),
	}
	targets := pf.free.Below(pagemanager.PageID(newCount))
	next := 0
	for id := pagemanager.PageID(newCount); uint64(id) < count; id++ {
		if pf.free.Contains(id) {
			continue
		}
		plan.moves[id] = targets[next]
		next++
		if _, ok := pf.pendingFree[id]; ok {
			plan.pending[id] = struct{}{}
		}
		if _, ok := pf.recoveredFree[id]; ok {
			plan.recovered[id] = struct{}{}
		}
	}
	return plan
}

// Compact shrinks the data file when the flushed free ratio reaches
// MaxFreePageCompactionRatio, keeping MinFreePageCompactionRatio of the pages
// free. Live pages above the new end are moved into the lowest free ids and
// relocation listeners are told about every move. The shrink becomes durable
// at the next checkpoint.
func (pf *PageFile) Compact() error {
	ctx, span := pf.tracer.Start(context.Background(), "pagefile.Compact")
	defer span.End()
	start := time.Now()

	pf.acquireWritePermit()
	defer pf.releaseWritePermit()
	if !pf.isLoaded() {
		return flushmanager.ErrNotLoaded
	}
	if !pf.cfg.EnableCompaction {
		return nil
	}

	pf.mu.RLock()
	plan := pf.planCompactionLocked()
	listeners := slices.Clone(pf.listeners)
	pf.mu.RUnlock()
	if plan == nil {
		pf.logger.Debug("Compaction not needed")
		return nil
	}

	tx, err := pf.relocate(plan)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if len(plan.moves) > 0 {
		for _, fn := range listeners {
			if err := fn(tx, plan.moves); err != nil {
				tx.finish(transaction.TxnStateRolledBack)
				err = fmt.Errorf("relocation listener: %w", err)
				span.RecordError(err)
				pf.logger.Error("Compaction aborted", zap.Error(err))
				return err
			}
		}
	}

	written, err := pf.applyCompaction(ctx, tx, plan)
	if err != nil {
		span.RecordError(err)
		pf.logger.Error("Compaction failed", zap.Error(err))
		return err
	}

	pf.metrics.CompactionsCounter.Add(ctx, 1)
	pf.metrics.PagesReclaimedCounter.Add(ctx, int64(plan.oldCount-plan.newCount))
	pf.metrics.PagesRelocatedCounter.Add(ctx, int64(len(plan.moves)))
	span.SetAttributes(
		attribute.Int64("old_page_count", int64(plan.oldCount)),
		attribute.Int64("new_page_count", int64(plan.newCount)),
		attribute.Int("relocated", len(plan.moves)),
	)
	pf.logger.Info("Compacted page file",
		zap.Uint64("old_page_count", plan.oldCount),
		zap.Uint64("new_page_count", plan.newCount),
		zap.Int("relocated", len(plan.moves)),
		zap.Int("pages_written", written),
		zap.Uint64("free_pages", pf.FreePageCount()),
		zap.Duration("took", time.Since(start)))
	return nil
}

// relocate stages the moves of plan in a relocation transaction: each mover's
// image is copied to its target, its old id is freed and overflow links
// pointing at moved ids are rewritten.
func (pf *PageFile) relocate(plan *compactionPlan) (*Transaction, error) {
	tx := newTransaction(pf, true)
	if len(plan.moves) == 0 {
		return tx, nil
	}

	pf.mu.RLock()
	defer pf.mu.RUnlock()
	for from, to := range plan.moves {
		image, err := pf.readCommittedLocked(from)
		if err != nil {
			return nil, err
		}
		tx.writes[to] = slices.Clone(image)
		tx.frees[from] = struct{}{}
	}

	for id := pagemanager.PageID(0); uint64(id) < plan.oldCount; id++ {
		if _, moved := plan.moves[id]; moved || pf.free.Contains(id) {
			continue
		}
		image, ok := tx.writes[id]
		if !ok {
			committed, err := pf.readCommittedLocked(id)
			if err != nil {
				return nil, err
			}
			image = committed
		}
		if err := relink(tx, id, image, plan.moves); err != nil {
			return nil, err
		}
	}
	for _, to := range plan.moves {
		if err := relink(tx, to, tx.writes[to], plan.moves); err != nil {
			return nil, err
		}
	}
	return tx, nil
}

// relink stages a copy of image with its overflow link redirected when the
// link points at a moved id.
func relink(tx *Transaction, id pagemanager.PageID, image []byte, moves map[pagemanager.PageID]pagemanager.PageID) error {
	h, err := pagemanager.DecodeHeader(image)
	if err != nil {
		return fmt.Errorf("%w: page %d: %v", flushmanager.ErrInvariantViolation, id, err)
	}
	if h.Type != pagemanager.PageTypePart {
		return nil
	}
	to, ok := moves[h.Next]
	if !ok {
		return nil
	}
	if _, staged := tx.writes[id]; !staged {
		image = slices.Clone(image)
	}
	pagemanager.SetNext(image, to)
	tx.writes[id] = image
	return nil
}

// applyCompaction commits the relocation batch, shrinks the in-memory state
// and then the data file. It returns the number of page images written.
func (pf *PageFile) applyCompaction(ctx context.Context, tx *Transaction, plan *compactionPlan) (int, error) {
	limit := pagemanager.PageID(plan.newCount)
	seq := pf.commitSeq.Last() + 1
	batch, images, frees := tx.buildBatch(seq)
	if len(batch.Records) > 0 {
		if err := pf.redo.Append(batch); err != nil {
			tx.finish(transaction.TxnStateRolledBack)
			pf.metrics.CommitFailuresCounter.Add(ctx, 1)
			return 0, fmt.Errorf("%w: %v", flushmanager.ErrCommitFailure, err)
		}
		// Nothing is truncated before the moves are durable.
		if err := pf.redo.Sync(); err != nil {
			tx.finish(transaction.TxnStateRolledBack)
			return 0, err
		}
		pf.commitSeq.Advance(seq)
	}
	tx.finish(transaction.TxnStateCommitted)

	pf.mu.Lock()
	for from, to := range plan.moves {
		pf.free.Remove(to)
		if _, ok := plan.pending[from]; ok {
			pf.pendingFree[to] = struct{}{}
		}
		if _, ok := plan.recovered[from]; ok {
			pf.recoveredFree[to] = struct{}{}
		}
	}
	for _, id := range frees {
		if id < limit {
			pf.pendingFree[id] = struct{}{}
		}
	}
	for id := range pf.pendingFree {
		if id >= limit {
			delete(pf.pendingFree, id)
		}
	}
	for id := range pf.recoveredFree {
		if id >= limit {
			delete(pf.recoveredFree, id)
		}
	}
	pf.free.TruncateFrom(limit)
	pf.cache.DropFrom(limit)
	var ids []pagemanager.PageID
	for id, image := range images {
		if id < limit {
			pf.cache.PutCommitted(id, image)
			ids = append(ids, id)
		}
	}
	pf.pageCount = plan.newCount
	pf.mu.Unlock()

	slices.Sort(ids)
	for _, id := range ids {
		if err := pf.throttle.WaitN(ctx, pf.cfg.PageSize); err != nil {
			return 0, err
		}
		if err := pf.disk.WritePage(id, images[id]); err != nil {
			return 0, err
		}
	}
	if err := pf.disk.Sync(); err != nil {
		return 0, err
	}
	if err := pf.disk.Resize(plan.newCount); err != nil {
		return 0, err
	}
	if err := pf.disk.Sync(); err != nil {
		return 0, err
	}
	pf.cache.MarkFlushed(ids)

	pf.mu.Lock()
	defer pf.mu.Unlock()
	return len(ids), pf.publishStatsLocked()
}
