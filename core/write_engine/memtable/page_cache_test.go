package memtable

import (
	"testing"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/pagestore/core/write_engine/page_manager"
	"go.uber.org/zap/zaptest"
)

func setupPageCache(t *testing.T, size int) *PageCache {
	t.Helper()
	pc, err := NewPageCache(size, zaptest.NewLogger(t))
	require.NoError(t, err)
	return pc
}

func TestPageCache_CommittedShadowsClean(t *testing.T) {
	pc := setupPageCache(t, 4)
	pc.PutClean(1, []byte("disk"))
	got, ok := pc.Get(1)
	require.True(t, ok)
	require.Equal(t, "disk", string(got))

	pc.PutCommitted(1, []byte("new"))
	got, ok = pc.Get(1)
	require.True(t, ok)
	require.Equal(t, "new", string(got))

	// A stale disk read must not replace a pending write.
	pc.PutClean(1, []byte("disk"))
	got, _ = pc.Get(1)
	require.Equal(t, "new", string(got))
	require.Equal(t, []pagemanager.PageID{1}, pc.Dirty())
}

func TestPageCache_MarkFlushed(t *testing.T) {
	pc := setupPageCache(t, 4)
	pc.PutCommitted(3, []byte("c"))
	pc.PutCommitted(2, []byte("b"))
	require.Equal(t, []pagemanager.PageID{2, 3}, pc.Dirty())

	pc.MarkFlushed([]pagemanager.PageID{2, 3})
	require.Zero(t, pc.DirtyLen())
	got, ok := pc.Get(3)
	require.True(t, ok)
	require.Equal(t, "c", string(got))
}

func TestPageCache_DropFrom(t *testing.T) {
	pc := setupPageCache(t, 8)
	pc.PutClean(1, []byte("a"))
	pc.PutClean(5, []byte("b"))
	pc.PutCommitted(6, []byte("c"))

	pc.DropFrom(5)
	_, ok := pc.Get(1)
	require.True(t, ok)
	_, ok = pc.Get(5)
	require.False(t, ok)
	_, ok = pc.Get(6)
	require.False(t, ok)
	require.Zero(t, pc.DirtyLen())
}

func TestPageCache_LRUEviction(t *testing.T) {
	pc := setupPageCache(t, 2)
	pc.PutClean(1, []byte("a"))
	pc.PutClean(2, []byte("b"))
	pc.PutClean(3, []byte("c"))
	_, ok := pc.Get(1)
	require.False(t, ok)

	// Committed images are never evicted.
	for i := pagemanager.PageID(10); i < 20; i++ {
		pc.PutCommitted(i, []byte{byte(i)})
	}
	require.Equal(t, 10, pc.DirtyLen())
}

func TestPageCache_Disabled(t *testing.T) {
	pc := setupPageCache(t, 0)
	pc.PutClean(1, []byte("a"))
	_, ok := pc.Get(1)
	require.False(t, ok)
	pc.PutCommitted(1, []byte("b"))
	_, ok = pc.Get(1)
	require.True(t, ok)
	pc.Purge()
	_, ok = pc.Get(1)
	require.False(t, ok)
}
