package compensation

import (
	"sync"
	"time"

	"github.com/lattice-io/txncore"
)

// fifoTier is a capped, FIFO-evicted in-memory tier keyed by transaction id.
// Re-logging an id already present updates it in place without affecting
// eviction order.
type fifoTier struct {
	mu      sync.Mutex
	cap     int
	order   []string
	entries map[string]*txncore.CompensationEntry
}

func newFifoTier(cap int) *fifoTier {
	return &fifoTier{
		cap:     cap,
		entries: make(map[string]*txncore.CompensationEntry),
	}
}

func (t *fifoTier) put(entry *txncore.CompensationEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := entry.TransactionID.String()
	if _, exists := t.entries[key]; !exists {
		t.order = append(t.order, key)
		if len(t.order) > t.cap {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.entries, oldest)
		}
	}
	t.entries[key] = entry
}

func (t *fifoTier) get(txID string) (*txncore.CompensationEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txID]
	return e, ok
}

func (t *fifoTier) getAll() []*txncore.CompensationEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*txncore.CompensationEntry, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, t.entries[key])
	}
	return out
}

// resolve marks txID resolved in this tier, reporting whether it was present.
func (t *fifoTier) resolve(txID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[txID]
	if !ok {
		return false
	}
	e.Resolved = true
	now := time.Now()
	e.ResolvedAt = &now
	return true
}

// removeResolved deletes every resolved entry, returning the removed ids.
func (t *fifoTier) removeResolved() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	kept := t.order[:0:0]
	for _, key := range t.order {
		if t.entries[key].Resolved {
			removed = append(removed, key)
			delete(t.entries, key)
			continue
		}
		kept = append(kept, key)
	}
	t.order = kept
	return removed
}
