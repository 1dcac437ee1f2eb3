package coordinator

import (
	"sync"
	"time"

	"github.com/lattice-io/txncore"
)

// fatalState is the process-wide latch of §9's design notes: once entered,
// every subsequent run/begin fails fast until clear is called explicitly.
type fatalState struct {
	mu                sync.RWMutex
	isFatal           bool
	reason            string
	txID              txncore.UUID
	compensationCount int
	timestamp         time.Time
}

func (f *fatalState) enter(reason string, txID txncore.UUID, compensationCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.isFatal = true
	f.reason = reason
	f.txID = txID
	f.compensationCount = compensationCount
	f.timestamp = time.Now()
}

// clear unlatches the state. Clearing when not latched is a harmless no-op,
// so operators can call it defensively without checking first.
func (f *fatalState) clear(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isFatal {
		return
	}
	f.isFatal = false
	f.reason = reason
	f.timestamp = time.Now()
}

func (f *fatalState) isLatched() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.isFatal
}

func (f *fatalState) snapshot() txncore.FatalStateSnapshot {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return txncore.FatalStateSnapshot{
		IsFatal:           f.isFatal,
		Reason:            f.reason,
		TransactionID:     f.txID,
		CompensationCount: f.compensationCount,
		Timestamp:         f.timestamp,
	}
}

// nestedStack is the process-wide depth counter of §4.3.5. A single
// Coordinator instance is the intended process-wide owner.
type nestedStack struct {
	mu    sync.Mutex
	depth int
	stack []string
}

// enter increments depth unless a transaction is already active, in which
// case it returns ErrNestedNotSupported carrying the current depth and
// stack and leaves depth unchanged. Pair only a successful enter with a
// deferred exit: after a failed enter the depth belongs to the transaction
// that is already active.
func (n *nestedStack) enter(label string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.depth > 0 {
		stack := append([]string(nil), n.stack...)
		return txncore.NewError(txncore.ErrNestedNotSupported, nil, map[string]any{
			"depth": n.depth,
			"stack": stack,
		})
	}
	n.depth++
	n.stack = append(n.stack, label)
	return nil
}

// exit decrements depth in a finally-style guard; it is a no-op at depth 0
// so depth never underflows.
func (n *nestedStack) exit() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.depth > 0 {
		n.depth--
		n.stack = n.stack[:len(n.stack)-1]
	}
}

func (n *nestedStack) snapshot() (depth int, stack []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.depth, append([]string(nil), n.stack...)
}
