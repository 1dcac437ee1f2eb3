// Package recordstore implements the primary structured "record store"
// engine (bbolt-backed) together with its in-memory FallbackEngine, the
// transaction pool, the write-authority gate, and vector-clock based
// conflict detection.
package recordstore

import (
	"context"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/vectorclock"
)

// Record is the opaque caller-supplied map plus the two reserved stamping
// fields. Absence of both reserved fields marks legacy data.
type Record map[string]any

const (
	writeEpochField = "_write_epoch"
	writerIDField   = "_writer_id"
)

// IsStamped reports whether r carries both reserved vector-clock fields.
func (r Record) IsStamped() bool {
	_, hasEpoch := r[writeEpochField]
	_, hasWriter := r[writerIDField]
	return hasEpoch && hasWriter
}

// WriteEpoch extracts the vector-clock snapshot, if present.
func (r Record) WriteEpoch() (vectorclock.Snapshot, bool) {
	v, ok := r[writeEpochField]
	if !ok {
		return nil, false
	}
	switch snap := v.(type) {
	case vectorclock.Snapshot:
		return snap, true
	case map[string]uint64:
		return vectorclock.Snapshot(snap), true
	case map[string]any:
		out := vectorclock.Snapshot{}
		for k, val := range snap {
			switch n := val.(type) {
			case uint64:
				out[k] = n
			case float64:
				out[k] = uint64(n)
			case int:
				out[k] = uint64(n)
			}
		}
		return out, true
	default:
		return nil, false
	}
}

// WriterID extracts the stamping writer id, if present.
func (r Record) WriterID() (string, bool) {
	v, ok := r[writerIDField]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Stamp returns a deep-cloned copy of r with the reserved fields set.
func (r Record) Stamp(snapshot vectorclock.Snapshot, writerID string) Record {
	out := r.Clone()
	out[writeEpochField] = snapshot
	out[writerIDField] = writerID
	return out
}

// Clone performs a shallow-per-field deep clone sufficient for JSON-shaped
// record values (maps/slices/scalars) — the same "deep copy via structural
// copy" contract atomic_update's modifier callback depends on.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = cloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = cloneValue(vv)
		}
		return out
	default:
		return v
	}
}

// PutOptions controls a single put call.
type PutOptions struct {
	SkipWriteEpoch  bool
	BypassAuthority bool
}

// DeleteOptions controls a single delete/clear call.
type DeleteOptions struct {
	BypassAuthority bool
}

// Direction controls get_all_by_index ordering.
type Direction int

const (
	Forward Direction = iota
	Reverse
)

// Engine is the contract shared by the primary (bbolt) RecordStore and the
// FallbackEngine, so callers above this package never need to know which is
// active beyond querying IsUsingFallback.
type Engine interface {
	Put(ctx context.Context, store string, value Record, opts PutOptions) error
	Get(ctx context.Context, store, key string) (Record, bool, error)
	GetAll(ctx context.Context, store string) ([]Record, error)
	Delete(ctx context.Context, store, key string, opts DeleteOptions) error
	Clear(ctx context.Context, store string, opts DeleteOptions) error
	Count(ctx context.Context, store string) (int, error)
	GetAllByIndex(ctx context.Context, store, index string, dir Direction) ([]Record, error)
	Transaction(ctx context.Context, store string, mode txncore.TransactionMode, fn func(ctx context.Context) error) error
	AtomicUpdate(ctx context.Context, store, key string, modifier func(current Record) (Record, error)) error
}
