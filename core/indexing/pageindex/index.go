// Package pageindex implements a persistent ordered map stored in page file
// pages. A root page lists the leaves in key order; leaves hold the sorted
// entries. All operations run inside a caller supplied transaction.
package pageindex

import (
	"errors"
	"fmt"
	"slices"

	"github.com/sushant-115/pagestore/core/storage_engine/pagefile"
	flushmanager "github.com/sushant-115/pagestore/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

const DefaultLeafCapacity = 64

var ErrInvalidOptions = errors.New("invalid index options")

// Order compares two keys like cmp.Compare.
type Order[K any] func(a, b K) int

type Options[K any, V any] struct {
	Compare    Order[K]
	KeyCodec   pagefile.Codec[K]
	ValueCodec pagefile.Codec[V]
	// LeafCapacity is the number of entries after which a leaf splits.
	LeafCapacity int
}

func (o *Options[K, V]) validate() error {
	if o.Compare == nil {
		return fmt.Errorf("%w: a key order is required", ErrInvalidOptions)
	}
	if o.KeyCodec.Encode == nil || o.KeyCodec.Decode == nil || o.ValueCodec.Encode == nil || o.ValueCodec.Decode == nil {
		return fmt.Errorf("%w: key and value codecs are required", ErrInvalidOptions)
	}
	if o.LeafCapacity == 0 {
		o.LeafCapacity = DefaultLeafCapacity
	}
	if o.LeafCapacity < 2 {
		return fmt.Errorf("%w: leaf capacity %d is below 2", ErrInvalidOptions, o.LeafCapacity)
	}
	return nil
}

// Index is a handle on an index rooted at one page. It holds no state besides
// the root id, so handles are cheap to create per operation.
type Index[K any, V any] struct {
	root pagemanager.PageID
	opts Options[K, V]
}

// Create allocates the root page of a new, empty index.
func Create[K any, V any](tx *pagefile.Transaction, opts Options[K, V]) (*Index[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	page, err := tx.Allocate()
	if err != nil {
		return nil, err
	}
	idx := &Index[K, V]{root: page.GetPageID(), opts: opts}
	if err := idx.storeRoot(tx, &rootNode[K]{}); err != nil {
		return nil, err
	}
	return idx, nil
}

// Open binds a handle to an existing index.
func Open[K any, V any](root pagemanager.PageID, opts Options[K, V]) (*Index[K, V], error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Index[K, V]{root: root, opts: opts}, nil
}

func (idx *Index[K, V]) Root() pagemanager.PageID { return idx.root }

func (idx *Index[K, V]) loadRoot(tx *pagefile.Transaction) (*rootNode[K], error) {
	page, err := tx.Load(idx.root)
	if err != nil {
		return nil, err
	}
	if page.IsFree() {
		return nil, fmt.Errorf("%w: index root %d is a free page", flushmanager.ErrInvariantViolation, idx.root)
	}
	return decodeRoot(idx.root, page.GetData(), idx.opts.KeyCodec)
}

func (idx *Index[K, V]) storeRoot(tx *pagefile.Transaction, root *rootNode[K]) error {
	data, err := encodeRoot(root, idx.opts.KeyCodec)
	if err != nil {
		return err
	}
	return tx.Store(pagemanager.NewPage(idx.root, pagemanager.PageTypeEnd, tx.ID(), data), true)
}

func (idx *Index[K, V]) loadLeaf(tx *pagefile.Transaction, id pagemanager.PageID) (*leafNode[K, V], error) {
	page, err := tx.Load(id)
	if err != nil {
		return nil, err
	}
	if page.IsFree() {
		return nil, fmt.Errorf("%w: index leaf %d is a free page", flushmanager.ErrInvariantViolation, id)
	}
	return decodeLeaf(id, page.GetData(), idx.opts.KeyCodec, idx.opts.ValueCodec)
}

func (idx *Index[K, V]) storeLeaf(tx *pagefile.Transaction, id pagemanager.PageID, leaf *leafNode[K, V]) error {
	data, err := encodeLeaf(leaf, idx.opts.KeyCodec, idx.opts.ValueCodec)
	if err != nil {
		return err
	}
	return tx.Store(pagemanager.NewPage(id, pagemanager.PageTypeEnd, tx.ID(), data), true)
}

// findLeaf returns the position of the leaf that covers key: the last leaf
// whose first key is not greater than key, or the first leaf.
func (idx *Index[K, V]) findLeaf(root *rootNode[K], key K) int {
	i, found := slices.BinarySearchFunc(root.leaves, key, func(ref leafRef[K], k K) int {
		return idx.opts.Compare(ref.first, k)
	})
	if found {
		return i
	}
	return max(i-1, 0)
}

func (idx *Index[K, V]) search(leaf *leafNode[K, V], key K) (int, bool) {
	return slices.BinarySearchFunc(leaf.entries, key, func(e entry[K, V], k K) int {
		return idx.opts.Compare(e.key, k)
	})
}

// Lookup returns the value stored under key.
func (idx *Index[K, V]) Lookup(tx *pagefile.Transaction, key K) (V, bool, error) {
	var zero V
	root, err := idx.loadRoot(tx)
	if err != nil || len(root.leaves) == 0 {
		return zero, false, err
	}
	leaf, err := idx.loadLeaf(tx, root.leaves[idx.findLeaf(root, key)].id)
	if err != nil {
		return zero, false, err
	}
	pos, found := idx.search(leaf, key)
	if !found {
		return zero, false, nil
	}
	return leaf.entries[pos].value, true, nil
}

// Put stores value under key and reports whether the key is new.
func (idx *Index[K, V]) Put(tx *pagefile.Transaction, key K, value V) (bool, error) {
	root, err := idx.loadRoot(tx)
	if err != nil {
		return false, err
	}
	if len(root.leaves) == 0 {
		page, err := tx.Allocate()
		if err != nil {
			return false, err
		}
		leaf := &leafNode[K, V]{entries: []entry[K, V]{{key: key, value: value}}}
		if err := idx.storeLeaf(tx, page.GetPageID(), leaf); err != nil {
			return false, err
		}
		root.leaves = []leafRef[K]{{id: page.GetPageID(), first: key}}
		root.count = 1
		return true, idx.storeRoot(tx, root)
	}

	i := idx.findLeaf(root, key)
	leafID := root.leaves[i].id
	leaf, err := idx.loadLeaf(tx, leafID)
	if err != nil {
		return false, err
	}
	pos, found := idx.search(leaf, key)
	if found {
		leaf.entries[pos].value = value
		return false, idx.storeLeaf(tx, leafID, leaf)
	}

	leaf.entries = slices.Insert(leaf.entries, pos, entry[K, V]{key: key, value: value})
	root.count++
	root.leaves[i].first = leaf.entries[0].key
	if len(leaf.entries) > idx.opts.LeafCapacity {
		half := len(leaf.entries) / 2
		right := &leafNode[K, V]{entries: slices.Clone(leaf.entries[half:])}
		leaf.entries = leaf.entries[:half]
		page, err := tx.Allocate()
		if err != nil {
			return false, err
		}
		if err := idx.storeLeaf(tx, page.GetPageID(), right); err != nil {
			return false, err
		}
		root.leaves = slices.Insert(root.leaves, i+1, leafRef[K]{id: page.GetPageID(), first: right.entries[0].key})
	}
	if err := idx.storeLeaf(tx, leafID, leaf); err != nil {
		return false, err
	}
	return true, idx.storeRoot(tx, root)
}

// Delete removes key and reports whether it was present. A leaf left empty is
// freed.
func (idx *Index[K, V]) Delete(tx *pagefile.Transaction, key K) (bool, error) {
	root, err := idx.loadRoot(tx)
	if err != nil || len(root.leaves) == 0 {
		return false, err
	}
	i := idx.findLeaf(root, key)
	leafID := root.leaves[i].id
	leaf, err := idx.loadLeaf(tx, leafID)
	if err != nil {
		return false, err
	}
	pos, found := idx.search(leaf, key)
	if !found {
		return false, nil
	}

	leaf.entries = slices.Delete(leaf.entries, pos, pos+1)
	root.count--
	if len(leaf.entries) == 0 {
		if err := tx.Free(leafID); err != nil {
			return false, err
		}
		root.leaves = slices.Delete(root.leaves, i, i+1)
	} else {
		root.leaves[i].first = leaf.entries[0].key
		if err := idx.storeLeaf(tx, leafID, leaf); err != nil {
			return false, err
		}
	}
	return true, idx.storeRoot(tx, root)
}

// Len returns the number of entries.
func (idx *Index[K, V]) Len(tx *pagefile.Transaction) (uint64, error) {
	root, err := idx.loadRoot(tx)
	if err != nil {
		return 0, err
	}
	return root.count, nil
}

// Ascend calls fn for every entry in key order until fn returns false.
func (idx *Index[K, V]) Ascend(tx *pagefile.Transaction, fn func(key K, value V) bool) error {
	root, err := idx.loadRoot(tx)
	if err != nil {
		return err
	}
	for _, ref := range root.leaves {
		leaf, err := idx.loadLeaf(tx, ref.id)
		if err != nil {
			return err
		}
		for _, e := range leaf.entries {
			if !fn(e.key, e.value) {
				return nil
			}
		}
	}
	return nil
}

// Drop frees every page of the index, root included.
func (idx *Index[K, V]) Drop(tx *pagefile.Transaction) error {
	root, err := idx.loadRoot(tx)
	if err != nil {
		return err
	}
	for _, ref := range root.leaves {
		if err := tx.Free(ref.id); err != nil {
			return err
		}
	}
	return tx.Free(idx.root)
}

// Remap rewrites the leaf references of the index after pages were moved and
// returns the root's id after the move. The handle itself is not changed.
func (idx *Index[K, V]) Remap(tx *pagefile.Transaction, moves map[pagemanager.PageID]pagemanager.PageID) (pagemanager.PageID, bool, error) {
	moved := idx
	rootMoved := false
	if to, ok := moves[idx.root]; ok {
		moved = &Index[K, V]{root: to, opts: idx.opts}
		rootMoved = true
	}
	root, err := moved.loadRoot(tx)
	if err != nil {
		return idx.root, false, err
	}
	changed := false
	for i, ref := range root.leaves {
		if to, ok := moves[ref.id]; ok {
			root.leaves[i].id = to
			changed = true
		}
	}
	if changed {
		if err := moved.storeRoot(tx, root); err != nil {
			return idx.root, false, err
		}
	}
	return moved.root, rootMoved, nil
}
