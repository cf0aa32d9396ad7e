package pagefile

import (
	"slices"

	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
)

// freeSet is a sorted set of page ids. Allocation always takes the lowest id
// so live data stays packed at the front of the file.
type freeSet struct {
	ids []pagemanager.PageID
}

func (s *freeSet) Len() int { return len(s.ids) }

func (s *freeSet) Contains(id pagemanager.PageID) bool {
	_, ok := slices.BinarySearch(s.ids, id)
	return ok
}

// Add reports whether id was not already present.
func (s *freeSet) Add(id pagemanager.PageID) bool {
	i, ok := slices.BinarySearch(s.ids, id)
	if ok {
		return false
	}
	s.ids = slices.Insert(s.ids, i, id)
	return true
}

func (s *freeSet) Remove(id pagemanager.PageID) bool {
	i, ok := slices.BinarySearch(s.ids, id)
	if !ok {
		return false
	}
	s.ids = slices.Delete(s.ids, i, i+1)
	return true
}

// PopFirst removes and returns the lowest id.
func (s *freeSet) PopFirst() (pagemanager.PageID, bool) {
	if len(s.ids) == 0 {
		return 0, false
	}
	id := s.ids[0]
	s.ids = s.ids[1:]
	return id, true
}

// Below returns the ids < limit, ascending. The slice aliases the set.
func (s *freeSet) Below(limit pagemanager.PageID) []pagemanager.PageID {
	i, _ := slices.BinarySearch(s.ids, limit)
	return s.ids[:i]
}

// TruncateFrom drops every id >= limit and returns how many were dropped.
func (s *freeSet) TruncateFrom(limit pagemanager.PageID) int {
	i, _ := slices.BinarySearch(s.ids, limit)
	n := len(s.ids) - i
	s.ids = s.ids[:i]
	return n
}

func (s *freeSet) Slice() []pagemanager.PageID { return slices.Clone(s.ids) }

func (s *freeSet) Reset(ids []pagemanager.PageID) {
	s.ids = slices.Clone(ids)
	slices.Sort(s.ids)
	s.ids = slices.Compact(s.ids)
}
