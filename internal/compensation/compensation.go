// Package compensation implements the three-tier durable compensation log
// (§4.4): record store, then flat store, then a session-scoped in-memory
// tier, then a last-resort in-memory map, each tier tried in order until one
// accepts the write.
package compensation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/events"
	"github.com/lattice-io/txncore/internal/flatstore"
	"github.com/lattice-io/txncore/internal/recordstore"
)

// RecordStoreName is the reserved record-store bucket backing tier 1.
const RecordStoreName = "compensation_log"

// flatKeyPrefix namespaces tier-2 entries inside the flat store's single
// keyspace.
const flatKeyPrefix = "_transaction_compensation_logs/"

var sensitiveSubstrings = []string{"token", "auth", "secret", "password", "credentials"}

func isSensitive(name string) bool {
	lower := strings.ToLower(name)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// sanitize returns a copy of ops with any value whose store or key name
// matches a sensitive substring replaced by an opaque placeholder, per
// §4.4's sanitization rule. The caller's slice and operations are untouched.
func sanitize(ops []*txncore.Operation) []*txncore.Operation {
	out := make([]*txncore.Operation, len(ops))
	for i, op := range ops {
		clone := *op
		if isSensitive(clone.Store) || isSensitive(clone.Key) {
			clone.Value = "[REDACTED]"
			clone.PreviousValue = "[REDACTED]"
		}
		out[i] = &clone
	}
	return out
}

type noopSink struct{}

func (noopSink) Publish(string, any) {}

// Logger is the three-tier (four-storage) compensation log.
type Logger struct {
	recordStore recordstore.Engine
	flatStore   *flatstore.Store
	session     *fifoTier
	memory      *fifoTier
	events      txncore.EventSink
	// sessionAvailable reports whether the session-scoped tier can accept a
	// write; overridable in tests to exercise the final in-memory fallback.
	sessionAvailable func() bool
	// memoryAvailable reports whether the last-resort in-memory tier can
	// accept a write. In real deployments this is always true; tests
	// override it to exercise the all-tiers-exhausted fatal path.
	memoryAvailable func() bool
}

// NewLogger constructs a Logger. recordStore and flatStore may be nil, in
// which case that tier is skipped entirely and the next is tried.
func NewLogger(recordStore recordstore.Engine, flatStore *flatstore.Store, sink txncore.EventSink) *Logger {
	if sink == nil {
		sink = noopSink{}
	}
	return &Logger{
		recordStore:      recordStore,
		flatStore:        flatStore,
		session:          newFifoTier(txncore.CompMaxEntries),
		memory:           newFifoTier(txncore.CompMaxEntries),
		events:           sink,
		sessionAvailable: func() bool { return true },
		memoryAvailable:  func() bool { return true },
	}
}

// SetSessionAvailable overrides the session-tier availability predicate.
func (l *Logger) SetSessionAvailable(fn func() bool) {
	l.sessionAvailable = fn
}

// SetMemoryAvailable overrides the last-resort tier's availability
// predicate, so a caller can simulate every tier being exhausted.
func (l *Logger) SetMemoryAvailable(fn func() bool) {
	l.memoryAvailable = fn
}

// Log persists entry, trying each tier in priority order until one
// succeeds. A rollback failure always implies compensation was needed, so
// storage:compensation_needed is published unconditionally; falling all the
// way to the in-memory tier additionally publishes
// storage:compensation_log_in_memory. If every tier is exhausted, Log
// returns an error so the caller can latch fatal state.
func (l *Logger) Log(ctx context.Context, entry *txncore.CompensationEntry) error {
	entry.FailedOps = sanitize(entry.FailedOps)
	l.events.Publish(events.TopicCompensationNeeded, map[string]any{
		"tx_id":             entry.TransactionID.String(),
		"failed_operations": entry.FailedOps,
		"timestamp":         entry.Timestamp,
	})

	if l.recordStore != nil {
		if err := l.putRecordStore(ctx, entry); err == nil {
			return nil
		}
	}
	if l.flatStore != nil {
		if err := l.putFlatStore(ctx, entry); err == nil {
			return nil
		}
	}
	if l.sessionAvailable() {
		l.session.put(entry)
		return nil
	}
	if l.memoryAvailable() {
		l.memory.put(entry)
		l.events.Publish(events.TopicCompensationInMemory, entry.TransactionID.String())
		return nil
	}
	return txncore.NewError(txncore.Unknown, nil, "all compensation tiers unavailable for transaction "+entry.TransactionID.String())
}

func (l *Logger) putRecordStore(ctx context.Context, entry *txncore.CompensationEntry) error {
	rec, err := entryToRecord(entry)
	if err != nil {
		return err
	}
	return l.recordStore.Put(ctx, RecordStoreName, rec, recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
}

func (l *Logger) putFlatStore(ctx context.Context, entry *txncore.CompensationEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return l.flatStore.Put(ctx, flatKeyPrefix+entry.TransactionID.String(), string(raw))
}

func entryToRecord(entry *txncore.CompensationEntry) (recordstore.Record, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	var rec recordstore.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	rec["__primary_key__"] = entry.TransactionID.String()
	return rec, nil
}

func recordToEntry(rec recordstore.Record) (*txncore.CompensationEntry, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	var entry txncore.CompensationEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetAll merges entries from every tier, deduplicating by transaction id
// with tier-1 (record store) taking priority over tier-2, tier-3, tier-4.
func (l *Logger) GetAll(ctx context.Context) ([]*txncore.CompensationEntry, error) {
	seen := make(map[string]bool)
	var out []*txncore.CompensationEntry

	if l.recordStore != nil {
		recs, err := l.recordStore.GetAll(ctx, RecordStoreName)
		if err != nil {
			return nil, err
		}
		for _, rec := range recs {
			entry, err := recordToEntry(rec)
			if err != nil {
				return nil, err
			}
			key := entry.TransactionID.String()
			if !seen[key] {
				seen[key] = true
				out = append(out, entry)
			}
		}
	}

	if l.flatStore != nil {
		all, err := l.flatStore.GetAll(ctx)
		if err != nil {
			return nil, err
		}
		for key, raw := range all {
			if !strings.HasPrefix(key, flatKeyPrefix) {
				continue
			}
			var entry txncore.CompensationEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return nil, err
			}
			txKey := entry.TransactionID.String()
			if !seen[txKey] {
				seen[txKey] = true
				out = append(out, &entry)
			}
		}
	}

	for _, entry := range l.session.getAll() {
		key := entry.TransactionID.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, entry)
		}
	}
	for _, entry := range l.memory.getAll() {
		key := entry.TransactionID.String()
		if !seen[key] {
			seen[key] = true
			out = append(out, entry)
		}
	}

	return out, nil
}

// GetFiltered returns GetAll's result filtered to entries whose Resolved
// field matches resolved.
func (l *Logger) GetFiltered(ctx context.Context, resolved bool) ([]*txncore.CompensationEntry, error) {
	all, err := l.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*txncore.CompensationEntry, 0, len(all))
	for _, e := range all {
		if e.Resolved == resolved {
			out = append(out, e)
		}
	}
	return out, nil
}

// Resolve marks txID resolved in whichever tier(s) hold it.
func (l *Logger) Resolve(ctx context.Context, txID txncore.UUID) error {
	key := txID.String()
	anyFound := false

	if l.recordStore != nil {
		rec, found, err := l.recordStore.Get(ctx, RecordStoreName, key)
		if err != nil {
			return err
		}
		if found {
			entry, err := recordToEntry(rec)
			if err != nil {
				return err
			}
			entry.Resolved = true
			if err := l.putRecordStore(ctx, entry); err != nil {
				return err
			}
			anyFound = true
		}
	}

	if l.flatStore != nil {
		raw, found, err := l.flatStore.Get(ctx, flatKeyPrefix+key)
		if err != nil {
			return err
		}
		if found {
			var entry txncore.CompensationEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return err
			}
			entry.Resolved = true
			if err := l.putFlatStore(ctx, &entry); err != nil {
				return err
			}
			anyFound = true
		}
	}

	if l.session.resolve(key) {
		anyFound = true
	}
	if l.memory.resolve(key) {
		anyFound = true
	}

	if !anyFound {
		return txncore.NewError(txncore.Unknown, nil, "no compensation log found for transaction "+key)
	}
	return nil
}

// ClearResolved removes resolved entries from every tier and returns the
// count of distinct transaction ids removed.
func (l *Logger) ClearResolved(ctx context.Context) (int, error) {
	removed := make(map[string]bool)

	if l.recordStore != nil {
		recs, err := l.recordStore.GetAll(ctx, RecordStoreName)
		if err != nil {
			return 0, err
		}
		for _, rec := range recs {
			entry, err := recordToEntry(rec)
			if err != nil {
				return 0, err
			}
			if entry.Resolved {
				key := entry.TransactionID.String()
				if err := l.recordStore.Delete(ctx, RecordStoreName, key, recordstore.DeleteOptions{BypassAuthority: true}); err != nil {
					return 0, err
				}
				removed[key] = true
			}
		}
	}

	if l.flatStore != nil {
		all, err := l.flatStore.GetAll(ctx)
		if err != nil {
			return 0, err
		}
		for key, raw := range all {
			if !strings.HasPrefix(key, flatKeyPrefix) {
				continue
			}
			var entry txncore.CompensationEntry
			if err := json.Unmarshal([]byte(raw), &entry); err != nil {
				return 0, err
			}
			if entry.Resolved {
				if err := l.flatStore.Delete(ctx, key); err != nil {
					return 0, err
				}
				removed[entry.TransactionID.String()] = true
			}
		}
	}

	for _, key := range l.session.removeResolved() {
		removed[key] = true
	}
	for _, key := range l.memory.removeResolved() {
		removed[key] = true
	}

	return len(removed), nil
}
