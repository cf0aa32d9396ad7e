package transaction

import (
	"fmt"
	"sync/atomic"
)

// TransactionState represents the lifecycle state of a page file transaction.
type TransactionState int32

const (
	TxnStateRunning    TransactionState = iota // operations are being staged
	TxnStateCommitted                          // redo batch written and effects published
	TxnStateRolledBack                         // staged operations discarded
)

func (s TransactionState) String() string {
	switch s {
	case TxnStateRunning:
		return "RUNNING"
	case TxnStateCommitted:
		return "COMMITTED"
	case TxnStateRolledBack:
		return "ROLLED_BACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int32(s))
	}
}

// Finished reports whether the transaction accepts no further operations.
func (s TransactionState) Finished() bool {
	return s == TxnStateCommitted || s == TxnStateRolledBack
}

// Sequence hands out strictly increasing ids. The zero value starts at 1.
type Sequence struct {
	last atomic.Uint64
}

// Next returns the next id.
func (s *Sequence) Next() uint64 { return s.last.Add(1) }

// Last returns the most recently issued id.
func (s *Sequence) Last() uint64 { return s.last.Load() }

// Advance moves the sequence forward so the next id is greater than v.
func (s *Sequence) Advance(v uint64) {
	for {
		cur := s.last.Load()
		if cur >= v || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
