package memtable

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// PageCache holds the page images a page file serves reads from before going
// to disk. Committed images that have not been flushed yet are pinned in the
// write set; images already on disk live in a bounded LRU.
type PageCache struct {
	mu     sync.RWMutex
	writes map[pagemanager.PageID][]byte
	clean  *lru.Cache[pagemanager.PageID, []byte]
	logger *zap.Logger
}

// NewPageCache creates a cache whose clean LRU holds up to size images.
// size <= 0 disables the clean LRU.
func NewPageCache(size int, logger *zap.Logger) (*PageCache, error) {
	pc := &PageCache{
		writes: make(map[pagemanager.PageID][]byte),
		logger: logger.Named("page_cache"),
	}
	if size > 0 {
		c, err := lru.New[pagemanager.PageID, []byte](size)
		if err != nil {
			return nil, err
		}
		pc.clean = c
	}
	pc.logger.Debug("Page cache initialized", zap.Int("size", size))
	return pc, nil
}

// Get returns the newest image known for id: the committed write if there is
// one, otherwise a cached clean image. The returned slice must not be
// modified.
func (pc *PageCache) Get(id pagemanager.PageID) ([]byte, bool) {
	pc.mu.RLock()
	image, ok := pc.writes[id]
	pc.mu.RUnlock()
	if ok {
		return image, true
	}
	if pc.clean == nil {
		return nil, false
	}
	return pc.clean.Get(id)
}

// PutCommitted records a committed image that still has to be written to the
// data file.
func (pc *PageCache) PutCommitted(id pagemanager.PageID, image []byte) {
	pc.mu.Lock()
	pc.writes[id] = image
	pc.mu.Unlock()
	if pc.clean != nil {
		pc.clean.Remove(id)
	}
}

// PutClean caches an image that matches the data file.
func (pc *PageCache) PutClean(id pagemanager.PageID, image []byte) {
	if pc.clean == nil {
		return
	}
	pc.mu.RLock()
	_, pending := pc.writes[id]
	pc.mu.RUnlock()
	if !pending {
		pc.clean.Add(id, image)
	}
}

// Dirty returns the ids with unflushed committed images, ascending.
func (pc *PageCache) Dirty() []pagemanager.PageID {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	ids := make([]pagemanager.PageID, 0, len(pc.writes))
	for id := range pc.writes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// DirtyLen is the number of unflushed committed images.
func (pc *PageCache) DirtyLen() int {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	return len(pc.writes)
}

// MarkFlushed moves ids from the write set to the clean LRU once their images
// are on disk.
func (pc *PageCache) MarkFlushed(ids []pagemanager.PageID) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for _, id := range ids {
		image, ok := pc.writes[id]
		if !ok {
			continue
		}
		delete(pc.writes, id)
		if pc.clean != nil {
			pc.clean.Add(id, image)
		}
	}
}

// DropFrom forgets every id >= limit. Used after the data file is truncated.
func (pc *PageCache) DropFrom(limit pagemanager.PageID) {
	pc.mu.Lock()
	for id := range pc.writes {
		if id >= limit {
			delete(pc.writes, id)
		}
	}
	pc.mu.Unlock()
	if pc.clean == nil {
		return
	}
	for _, id := range pc.clean.Keys() {
		if id >= limit {
			pc.clean.Remove(id)
		}
	}
}

// Invalidate removes id from the clean LRU.
func (pc *PageCache) Invalidate(id pagemanager.PageID) {
	if pc.clean != nil {
		pc.clean.Remove(id)
	}
}

// Purge empties both the write set and the clean LRU.
func (pc *PageCache) Purge() {
	pc.mu.Lock()
	clear(pc.writes)
	pc.mu.Unlock()
	if pc.clean != nil {
		pc.clean.Purge()
	}
}
