// Package store keeps per-destination message indexes in a page file and the
// message payloads in a journal.
package store

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sushant-115/pagestore/config"
	"github.com/sushant-115/pagestore/core/indexing/pageindex"
	"github.com/sushant-115/pagestore/core/storage_engine/journal"
	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// metadataRoot is the root page of the destination directory. It is the
// first page ever allocated and compaction never moves it.
const metadataRoot pagemanager.PageID = 0

var (
	ErrClosed              = errors.New("store is closed")
	ErrDestinationNotFound = errors.New("destination not found")
	ErrDuplicateMessage    = errors.New("message id already stored")
	ErrMessageNotFound     = errors.New("message not found")
)

// StoredDestination is the directory entry of one destination.
type StoredDestination struct {
	MessageIDRoot pagemanager.PageID
	OrderRoot     pagemanager.PageID
	NextSeq       uint64
}

var destinationCodec = pagefile.Codec[StoredDestination]{
	Encode: func(d StoredDestination) ([]byte, error) {
		b := make([]byte, 24)
		binary.BigEndian.PutUint64(b[0:8], uint64(d.MessageIDRoot))
		binary.BigEndian.PutUint64(b[8:16], uint64(d.OrderRoot))
		binary.BigEndian.PutUint64(b[16:24], d.NextSeq)
		return b, nil
	},
	Decode: func(b []byte) (StoredDestination, error) {
		if len(b) != 24 {
			return StoredDestination{}, fmt.Errorf("destination record needs 24 bytes, got %d", len(b))
		}
		return StoredDestination{
			MessageIDRoot: pagemanager.PageID(binary.BigEndian.Uint64(b[0:8])),
			OrderRoot:     pagemanager.PageID(binary.BigEndian.Uint64(b[8:16])),
			NextSeq:       binary.BigEndian.Uint64(b[16:24]),
		}, nil
	},
}

// MessageRecord is what the order index keeps per sequence number.
type MessageRecord struct {
	MessageID string
	Location  journal.Location
}

var messageRecordCodec = pagefile.Codec[MessageRecord]{
	Encode: func(r MessageRecord) ([]byte, error) {
		loc, err := journal.LocationCodec.Encode(r.Location)
		if err != nil {
			return nil, err
		}
		return append(loc, r.MessageID...), nil
	},
	Decode: func(b []byte) (MessageRecord, error) {
		if len(b) < 16 {
			return MessageRecord{}, fmt.Errorf("message record needs at least 16 bytes, got %d", len(b))
		}
		loc, err := journal.LocationCodec.Decode(b[:16])
		if err != nil {
			return MessageRecord{}, err
		}
		return MessageRecord{MessageID: string(b[16:]), Location: loc}, nil
	},
}

// Store is a durable message store. Mutations are serialized; lookups run
// concurrently with each other.
type Store struct {
	cfg     config.Config
	logger  *zap.Logger
	pf      *pagefile.PageFile
	journal *journal.Journal

	mu     sync.RWMutex
	closed bool

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// Open loads the page file db.data and the journal in cfg.Directory and starts
// the background checkpoint and cleanup loops.
func Open(cfg config.Config, logger *zap.Logger, opts ...pagefile.Option) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logger.Named("store")
	pf, err := pagefile.Open(cfg.Directory, "db", cfg.PageFile(), logger, opts...)
	if err != nil {
		return nil, err
	}
	if err := pf.Load(); err != nil {
		return nil, err
	}
	j, err := journal.Open(cfg.Directory, cfg.Journal(), logger)
	if err != nil {
		pf.Unload()
		return nil, err
	}

	s := &Store{
		cfg:      cfg,
		logger:   logger,
		pf:       pf,
		journal:  j,
		stopChan: make(chan struct{}),
	}
	if err := s.initMetadata(); err != nil {
		j.Close()
		pf.Unload()
		return nil, err
	}
	pf.AddRelocationListener(s.onRelocation)

	s.startLoop("checkpoint", cfg.CheckpointInterval, false)
	s.startLoop("cleanup", cfg.CleanupInterval, true)
	logger.Info("Store opened",
		zap.String("dir", cfg.Directory),
		zap.String("recovery_state", pf.State().String()),
		zap.Uint64("page_count", pf.PageCount()))
	return s, nil
}

func (s *Store) initMetadata() error {
	if s.pf.PageCount() > 0 {
		return nil
	}
	tx := s.pf.Tx()
	meta, err := pageindex.Create(tx, s.metadataOptions())
	if err != nil {
		tx.Rollback()
		return err
	}
	if meta.Root() != metadataRoot {
		tx.Rollback()
		return fmt.Errorf("destination directory allocated at page %d, want %d", meta.Root(), metadataRoot)
	}
	return tx.Commit()
}

func (s *Store) metadataOptions() pageindex.Options[string, StoredDestination] {
	return pageindex.Options[string, StoredDestination]{
		Compare:      strings.Compare,
		KeyCodec:     pagemanager.StringCodec,
		ValueCodec:   destinationCodec,
		LeafCapacity: s.cfg.IndexLeafCapacity,
	}
}

func (s *Store) messageIDOptions() pageindex.Options[string, uint64] {
	return pageindex.Options[string, uint64]{
		Compare:      strings.Compare,
		KeyCodec:     pagemanager.StringCodec,
		ValueCodec:   pagemanager.Uint64Codec,
		LeafCapacity: s.cfg.IndexLeafCapacity,
	}
}

func (s *Store) orderOptions() pageindex.Options[uint64, MessageRecord] {
	return pageindex.Options[uint64, MessageRecord]{
		Compare:      cmp.Compare[uint64],
		KeyCodec:     pagemanager.Uint64Codec,
		ValueCodec:   messageRecordCodec,
		LeafCapacity: s.cfg.IndexLeafCapacity,
	}
}

func (s *Store) metadata() (*pageindex.Index[string, StoredDestination], error) {
	return pageindex.Open(metadataRoot, s.metadataOptions())
}

// destination is an open pair of indexes for one destination.
type destination struct {
	record    StoredDestination
	messageID *pageindex.Index[string, uint64]
	order     *pageindex.Index[uint64, MessageRecord]
}

func (s *Store) openDestination(tx *pagefile.Transaction, name string) (*destination, error) {
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}
	rec, ok, err := meta.Lookup(tx, name)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDestinationNotFound, name)
	}
	return s.bindDestination(rec)
}

func (s *Store) bindDestination(rec StoredDestination) (*destination, error) {
	msgIdx, err := pageindex.Open(rec.MessageIDRoot, s.messageIDOptions())
	if err != nil {
		return nil, err
	}
	orderIdx, err := pageindex.Open(rec.OrderRoot, s.orderOptions())
	if err != nil {
		return nil, err
	}
	return &destination{record: rec, messageID: msgIdx, order: orderIdx}, nil
}

// update runs fn in a write transaction and commits it when fn succeeds.
func (s *Store) update(fn func(tx *pagefile.Transaction) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	tx := s.pf.Tx()
	if err := tx.Execute(fn); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		tx.Rollback()
		return err
	}
	return nil
}

// view runs fn in a transaction that is always rolled back.
func (s *Store) view(fn func(tx *pagefile.Transaction) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	tx := s.pf.Tx()
	defer tx.Rollback()
	return tx.Execute(fn)
}

// CreateDestination adds an empty destination. Creating an existing one is a
// no-op.
func (s *Store) CreateDestination(name string) error {
	return s.update(func(tx *pagefile.Transaction) error {
		meta, err := s.metadata()
		if err != nil {
			return err
		}
		if _, ok, err := meta.Lookup(tx, name); err != nil || ok {
			return err
		}
		msgIdx, err := pageindex.Create(tx, s.messageIDOptions())
		if err != nil {
			return err
		}
		orderIdx, err := pageindex.Create(tx, s.orderOptions())
		if err != nil {
			return err
		}
		_, err = meta.Put(tx, name, StoredDestination{MessageIDRoot: msgIdx.Root(), OrderRoot: orderIdx.Root()})
		return err
	})
}

// RemoveDestination drops a destination and both of its indexes.
func (s *Store) RemoveDestination(name string) error {
	return s.update(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, name)
		if err != nil {
			return err
		}
		if err := d.messageID.Drop(tx); err != nil {
			return err
		}
		if err := d.order.Drop(tx); err != nil {
			return err
		}
		meta, err := s.metadata()
		if err != nil {
			return err
		}
		_, err = meta.Delete(tx, name)
		return err
	})
}

// Destinations lists destination names in order.
func (s *Store) Destinations() ([]string, error) {
	var names []string
	err := s.view(func(tx *pagefile.Transaction) error {
		meta, err := s.metadata()
		if err != nil {
			return err
		}
		return meta.Ascend(tx, func(name string, _ StoredDestination) bool {
			names = append(names, name)
			return true
		})
	})
	return names, err
}

// AddMessage appends payload to the journal and indexes it under msgID.
func (s *Store) AddMessage(dest, msgID string, payload []byte) (journal.Location, error) {
	loc, err := s.journal.Write(payload)
	if err != nil {
		return journal.Location{}, err
	}
	err = s.update(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, dest)
		if err != nil {
			return err
		}
		seq := d.record.NextSeq
		added, err := d.messageID.Put(tx, msgID, seq)
		if err != nil {
			return err
		}
		if !added {
			return fmt.Errorf("%w: %s in %s", ErrDuplicateMessage, msgID, dest)
		}
		if _, err := d.order.Put(tx, seq, MessageRecord{MessageID: msgID, Location: loc}); err != nil {
			return err
		}
		d.record.NextSeq++
		meta, err := s.metadata()
		if err != nil {
			return err
		}
		_, err = meta.Put(tx, dest, d.record)
		return err
	})
	if err != nil {
		return journal.Location{}, err
	}
	return loc, nil
}

// RemoveMessage drops msgID from both indexes. The payload stays in the
// journal until its data file is garbage collected.
func (s *Store) RemoveMessage(dest, msgID string) (bool, error) {
	removed := false
	err := s.update(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, dest)
		if err != nil {
			return err
		}
		seq, ok, err := d.messageID.Lookup(tx, msgID)
		if err != nil || !ok {
			return err
		}
		if _, err := d.messageID.Delete(tx, msgID); err != nil {
			return err
		}
		removed, err = d.order.Delete(tx, seq)
		if err != nil {
			return err
		}
		if !removed {
			return fmt.Errorf("%w: message %s has sequence %d but no order entry",
				flushmanager.ErrInvariantViolation, msgID, seq)
		}
		return nil
	})
	return removed, err
}

// Locate returns the journal location of msgID.
func (s *Store) Locate(dest, msgID string) (journal.Location, error) {
	var loc journal.Location
	err := s.view(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, dest)
		if err != nil {
			return err
		}
		seq, ok, err := d.messageID.Lookup(tx, msgID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s in %s", ErrMessageNotFound, msgID, dest)
		}
		rec, ok, err := d.order.Lookup(tx, seq)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: message %s has sequence %d but no order entry", flushmanager.ErrInvariantViolation, msgID, seq)
		}
		loc = rec.Location
		return nil
	})
	return loc, err
}

// Lookup returns the payload stored for msgID.
func (s *Store) Lookup(dest, msgID string) ([]byte, error) {
	loc, err := s.Locate(dest, msgID)
	if err != nil {
		return nil, err
	}
	return s.journal.Read(loc)
}

// Count returns the number of messages in dest.
func (s *Store) Count(dest string) (uint64, error) {
	var n uint64
	err := s.view(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, dest)
		if err != nil {
			return err
		}
		n, err = d.order.Len(tx)
		return err
	})
	return n, err
}

// Messages calls fn for each message of dest in the order it was added.
func (s *Store) Messages(dest string, fn func(seq uint64, rec MessageRecord) bool) error {
	return s.view(func(tx *pagefile.Transaction) error {
		d, err := s.openDestination(tx, dest)
		if err != nil {
			return err
		}
		return d.order.Ascend(tx, fn)
	})
}

func (s *Store) PageFile() *pagefile.PageFile { return s.pf }

func (s *Store) Journal() *journal.Journal { return s.journal }

// Checkpoint makes every committed change durable in the data file.
func (s *Store) Checkpoint() error {
	return s.CheckpointCleanup(false)
}

// CheckpointCleanup syncs the journal, flushes and checkpoints the page file.
// With cleanup set it also compacts the page file and removes journal files
// no message refers to any more.
func (s *Store) CheckpointCleanup(cleanup bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.checkpointLocked(cleanup)
}

func (s *Store) checkpointLocked(cleanup bool) error {
	start := time.Now()
	// Index entries must never point past what the journal has made durable.
	if err := s.journal.Sync(); err != nil {
		return err
	}
	if err := s.pf.Flush(); err != nil {
		return err
	}
	if cleanup {
		if err := s.pf.Compact(); err != nil {
			return err
		}
	}
	if err := s.pf.Checkpoint(); err != nil {
		return err
	}
	if !cleanup {
		return nil
	}

	referenced, err := s.referencedFiles()
	if err != nil {
		return err
	}
	removed, err := s.journal.RemoveFiles(func(id uint32) bool {
		_, ok := referenced[id]
		return ok
	})
	if err != nil {
		return err
	}
	s.logger.Debug("Checkpoint cleanup done",
		zap.Duration("took", time.Since(start)),
		zap.Uint64("page_count", s.pf.PageCount()),
		zap.Uint64("free_pages", s.pf.FreePageCount()),
		zap.Uint32s("removed_journal_files", removed))
	return nil
}

func (s *Store) referencedFiles() (map[uint32]struct{}, error) {
	referenced := make(map[uint32]struct{})
	tx := s.pf.Tx()
	defer tx.Rollback()
	meta, err := s.metadata()
	if err != nil {
		return nil, err
	}
	var records []StoredDestination
	if err := meta.Ascend(tx, func(_ string, rec StoredDestination) bool {
		records = append(records, rec)
		return true
	}); err != nil {
		return nil, err
	}
	for _, rec := range records {
		d, err := s.bindDestination(rec)
		if err != nil {
			return nil, err
		}
		if err := d.order.Ascend(tx, func(_ uint64, m MessageRecord) bool {
			referenced[m.Location.FileID] = struct{}{}
			return true
		}); err != nil {
			return nil, err
		}
	}
	return referenced, nil
}

// onRelocation runs inside compaction's relocation transaction. It fixes the
// leaf links of every index and the roots kept in the directory.
func (s *Store) onRelocation(tx *pagefile.Transaction, moves map[pagemanager.PageID]pagemanager.PageID) error {
	meta, err := s.metadata()
	if err != nil {
		return err
	}
	if _, moved, err := meta.Remap(tx, moves); err != nil {
		return err
	} else if moved {
		return fmt.Errorf("%w: destination directory root moved", flushmanager.ErrInvariantViolation)
	}

	names := make([]string, 0)
	records := make([]StoredDestination, 0)
	if err := meta.Ascend(tx, func(name string, rec StoredDestination) bool {
		names = append(names, name)
		records = append(records, rec)
		return true
	}); err != nil {
		return err
	}
	for i, rec := range records {
		d, err := s.bindDestination(rec)
		if err != nil {
			return err
		}
		msgRoot, msgMoved, err := d.messageID.Remap(tx, moves)
		if err != nil {
			return err
		}
		orderRoot, orderMoved, err := d.order.Remap(tx, moves)
		if err != nil {
			return err
		}
		if !msgMoved && !orderMoved {
			continue
		}
		rec.MessageIDRoot, rec.OrderRoot = msgRoot, orderRoot
		if _, err := meta.Put(tx, names[i], rec); err != nil {
			return err
		}
		s.logger.Debug("Destination indexes relocated",
			zap.String("destination", names[i]),
			zap.Uint64("message_id_root", uint64(msgRoot)),
			zap.Uint64("order_root", uint64(orderRoot)))
	}
	return nil
}

func (s *Store) startLoop(name string, interval time.Duration, cleanup bool) {
	if interval <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.CheckpointCleanup(cleanup); err != nil && !errors.Is(err, ErrClosed) {
					s.logger.Error("Background "+name+" failed", zap.Error(err))
				}
			case <-s.stopChan:
				return
			}
		}
	}()
}

// Close stops the background loops and unloads the page file cleanly.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stopChan)
	s.wg.Wait()

	var firstErr error
	if err := s.journal.Sync(); err != nil {
		firstErr = err
	}
	if err := s.pf.Unload(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.journal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Info("Store closed", zap.Error(firstErr))
	return firstErr
}
