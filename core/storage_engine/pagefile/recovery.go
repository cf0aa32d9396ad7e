package pagefile

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"github.com/sushant-115/pagestore/core/write_engine/wal"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const freeSidecarMagic uint32 = 0x50474652 // "PGFR"

// loadClean brings up a file whose header carries the clean marker.
func (pf *PageFile) loadClean(header *flushmanager.FileHeader) error {
	onDisk, err := pf.disk.PagesOnDisk()
	if err != nil {
		return err
	}
	count := max(header.PageCount, onDisk)
	if err := pf.disk.Resize(count); err != nil {
		return err
	}

	ids, err := pf.readFreeSidecar(header)
	if err != nil {
		pf.logger.Info("Free page list unusable, scanning pages", zap.Error(err))
		ids, err = pf.scanFree(count)
		if err != nil {
			return err
		}
	}

	pf.mu.Lock()
	pf.pageCount = count
	pf.free.Reset(ids)
	pf.mu.Unlock()

	// Anything left in the redo log is already in the data file.
	if err := pf.redo.Reset(pf.commitSeq.Last()); err != nil {
		return err
	}
	pf.setState(StateClean)
	pf.logger.Info("Loaded page file",
		zap.Uint64("page_count", count),
		zap.Int("free_pages", len(ids)))
	return nil
}

// recover replays the redo log over the data file, rebuilds the free set by
// scanning every page and stages it until the first flush.
func (pf *PageFile) recover(ctx context.Context, header *flushmanager.FileHeader) error {
	ctx, span := pf.tracer.Start(ctx, "pagefile.recover")
	defer span.End()
	pf.setState(StateRecovering)
	pf.logger.Warn("Page file was not unloaded cleanly, recovering")

	onDisk, err := pf.disk.PagesOnDisk()
	if err != nil {
		return err
	}
	count := max(header.PageCount, onDisk)

	res, err := pf.redo.Replay(func(b wal.Batch) error {
		for _, r := range b.Records {
			if next := uint64(r.PageID) + 1; next > count {
				count = next
			}
			if r.Op != wal.OpWrite {
				continue
			}
			if len(r.Payload) != pf.cfg.PageSize {
				return fmt.Errorf("%w: redo image for page %d is %d bytes", flushmanager.ErrInvariantViolation, r.PageID, len(r.Payload))
			}
			if err := pf.disk.WritePage(r.PageID, r.Payload); err != nil {
				return err
			}
		}
		pf.commitSeq.Advance(b.Seq)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return err
	}
	pf.metrics.RecoveriesCounter.Add(ctx, 1)
	if res.Foreign {
		pf.logger.Warn("Ignored redo log written for another page file")
	}
	if res.TailErr != nil {
		pf.metrics.PartialReplaysCounter.Add(ctx, 1)
		span.RecordError(res.TailErr)
		pf.logger.Warn("Partial redo replay", zap.Int("batches", res.Batches), zap.Error(res.TailErr))
	}

	if err := pf.disk.Resize(count); err != nil {
		return err
	}
	ids, err := pf.scanFree(count)
	if err != nil {
		return err
	}
	if err := pf.disk.Sync(); err != nil {
		return err
	}

	pf.mu.Lock()
	pf.pageCount = count
	for _, id := range ids {
		pf.recoveredFree[id] = struct{}{}
	}
	err = pf.writeHeaderLocked(false)
	pf.mu.Unlock()
	if err != nil {
		return err
	}
	if err := pf.redo.Reset(pf.commitSeq.Last()); err != nil {
		return err
	}

	pf.setState(StateRecovered)
	span.SetAttributes(
		attribute.Int("batches", res.Batches),
		attribute.Int64("page_count", int64(count)),
		attribute.Int("free_pages", len(ids)),
	)
	pf.logger.Info("Recovery complete",
		zap.Int("batches_replayed", res.Batches),
		zap.Uint64("last_seq", pf.commitSeq.Last()),
		zap.Uint64("page_count", count),
		zap.Int("recovered_free_pages", len(ids)))
	return nil
}

// scanFree reads every page header and returns the ids of free pages.
func (pf *PageFile) scanFree(count uint64) ([]pagemanager.PageID, error) {
	var ids []pagemanager.PageID
	image := make([]byte, pf.cfg.PageSize)
	for id := pagemanager.PageID(0); uint64(id) < count; id++ {
		if err := pf.disk.ReadPage(id, image); err != nil {
			return nil, err
		}
		h, err := pagemanager.DecodeHeader(image)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d: %v", flushmanager.ErrInvariantViolation, id, err)
		}
		if h.Type == pagemanager.PageTypeFree {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// writeFreeSidecarLocked persists the free set next to the data file so a
// clean load does not have to scan. MUST be called with pf.mu held.
func (pf *PageFile) writeFreeSidecarLocked() error {
	ids := pf.free.Slice()
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.BigEndian, freeSidecarMagic)
	buf.Write(pf.fileID[:])
	binary.Write(buf, binary.BigEndian, pf.commitSeq.Last())
	binary.Write(buf, binary.BigEndian, pf.pageCount)
	binary.Write(buf, binary.BigEndian, uint64(len(ids)))
	for _, id := range ids {
		binary.Write(buf, binary.BigEndian, uint64(id))
	}
	sum := blake3.Sum256(buf.Bytes())
	buf.Write(sum[:])

	tmp := pf.FreePath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", flushmanager.ErrIOFailure, tmp, err)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return fmt.Errorf("%w: writing %s: %v", flushmanager.ErrIOFailure, tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %v", flushmanager.ErrIOFailure, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", flushmanager.ErrIOFailure, tmp, err)
	}
	if err := os.Rename(tmp, pf.FreePath()); err != nil {
		return fmt.Errorf("%w: renaming free page list: %v", flushmanager.ErrIOFailure, err)
	}
	return nil
}

// readFreeSidecar returns the free ids saved by the last clean unload, or an
// error if the sidecar is missing or does not describe this header.
func (pf *PageFile) readFreeSidecar(header *flushmanager.FileHeader) ([]pagemanager.PageID, error) {
	data, err := os.ReadFile(pf.FreePath())
	if err != nil {
		return nil, err
	}
	const fixed = 4 + 16 + 8 + 8 + 8
	if len(data) < fixed+32 {
		return nil, fmt.Errorf("%w: free page list is %d bytes", flushmanager.ErrDeserialization, len(data))
	}
	body, trailer := data[:len(data)-32], data[len(data)-32:]
	sum := blake3.Sum256(body)
	if !bytes.Equal(sum[:], trailer) {
		return nil, flushmanager.ErrChecksumMismatch
	}

	r := bytes.NewReader(body)
	var (
		magic     uint32
		fileID    [16]byte
		seq       uint64
		pageCount uint64
		n         uint64
	)
	binary.Read(r, binary.BigEndian, &magic)
	r.Read(fileID[:])
	binary.Read(r, binary.BigEndian, &seq)
	binary.Read(r, binary.BigEndian, &pageCount)
	binary.Read(r, binary.BigEndian, &n)
	switch {
	case magic != freeSidecarMagic:
		return nil, fmt.Errorf("%w: bad free page list magic", flushmanager.ErrDeserialization)
	case uuid.UUID(fileID) != header.FileID:
		return nil, errors.New("free page list belongs to another page file")
	case seq != header.LastTxSeq || pageCount != header.PageCount || n != header.FreePageCount:
		return nil, errors.New("free page list is stale")
	case uint64(len(body)-fixed) != n*8:
		return nil, fmt.Errorf("%w: free page list length mismatch", flushmanager.ErrDeserialization)
	}

	ids := make([]pagemanager.PageID, n)
	for i := range ids {
		var v uint64
		binary.Read(r, binary.BigEndian, &v)
		if v >= pageCount {
			return nil, fmt.Errorf("%w: free page %d beyond page count %d", flushmanager.ErrDeserialization, v, pageCount)
		}
		ids[i] = pagemanager.PageID(v)
	}
	return ids, nil
}
