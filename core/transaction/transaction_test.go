package transaction

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequence_Concurrent(t *testing.T) {
	var seq Sequence
	var wg sync.WaitGroup
	seen := make(chan uint64, 1000)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				seen <- seq.Next()
			}
		}()
	}
	wg.Wait()
	close(seen)

	ids := make(map[uint64]struct{})
	for id := range seen {
		ids[id] = struct{}{}
	}
	require.Len(t, ids, 1000)
	require.Equal(t, uint64(1000), seq.Last())
}

func TestSequence_Advance(t *testing.T) {
	var seq Sequence
	seq.Advance(41)
	require.Equal(t, uint64(42), seq.Next())
	seq.Advance(10)
	require.Equal(t, uint64(43), seq.Next())
}

func TestTransactionState(t *testing.T) {
	require.False(t, TxnStateRunning.Finished())
	require.True(t, TxnStateCommitted.Finished())
	require.True(t, TxnStateRolledBack.Finished())
	require.Equal(t, "ROLLED_BACK", TxnStateRolledBack.String())
}
