package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/lattice-io/txncore"
)

// FallbackEngine is the secondary, in-memory implementation of Engine used
// when the primary bbolt-backed RecordStore is unavailable (§4.2.5).
// Transactions run without true atomicity: Transaction executes fn directly
// against shared maps, best-effort per-operation.
type FallbackEngine struct {
	mu      sync.RWMutex
	data    map[string]map[string]Record
	indexes map[string]map[string]IndexDescriptorLite
	gate    *authorityGate
}

// IndexDescriptorLite is the minimal index declaration the fallback engine
// needs to emulate get_all_by_index: a field path to sort by.
type IndexDescriptorLite struct {
	KeyPath string
}

// NewFallbackEngine constructs an empty fallback store. known declares the
// small, enumerable set of index fields the fallback can emulate per store.
func NewFallbackEngine(gate *authorityGate, known map[string]map[string]IndexDescriptorLite) *FallbackEngine {
	if known == nil {
		known = map[string]map[string]IndexDescriptorLite{}
	}
	return &FallbackEngine{
		data:    make(map[string]map[string]Record),
		indexes: known,
		gate:    gate,
	}
}

func (f *FallbackEngine) storeMap(store string) map[string]Record {
	m, ok := f.data[store]
	if !ok {
		m = make(map[string]Record)
		f.data[store] = m
	}
	return m
}

func (f *FallbackEngine) Put(ctx context.Context, store string, value Record, opts PutOptions) error {
	if ok, err := f.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key, err := primaryKeyOf(value)
	if err != nil {
		return err
	}
	f.storeMap(store)[key] = value.Clone()
	return nil
}

func (f *FallbackEngine) Get(ctx context.Context, store, key string) (Record, bool, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m, ok := f.data[store]
	if !ok {
		return nil, false, nil
	}
	v, ok := m[key]
	if !ok {
		return nil, false, nil
	}
	return v.Clone(), true, nil
}

func (f *FallbackEngine) GetAll(ctx context.Context, store string) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	m := f.data[store]
	out := make([]Record, 0, len(m))
	for _, v := range m {
		out = append(out, v.Clone())
	}
	return out, nil
}

func (f *FallbackEngine) Delete(ctx context.Context, store, key string, opts DeleteOptions) error {
	if ok, err := f.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.storeMap(store), key)
	return nil
}

func (f *FallbackEngine) Clear(ctx context.Context, store string, opts DeleteOptions) error {
	if ok, err := f.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[store] = make(map[string]Record)
	return nil
}

func (f *FallbackEngine) Count(ctx context.Context, store string) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.data[store]), nil
}

// GetAllByIndex emulates a secondary index by an in-process sort over the
// known index field, lexicographic over the field's string-coerced value.
func (f *FallbackEngine) GetAllByIndex(ctx context.Context, store, index string, dir Direction) ([]Record, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	idx, ok := f.indexes[store][index]
	if !ok {
		return nil, txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("fallback engine has no emulated index %q on store %q", index, store))
	}
	m := f.data[store]
	out := make([]Record, 0, len(m))
	for _, v := range m {
		out = append(out, v.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return fmt.Sprintf("%v", out[i][idx.KeyPath]) < fmt.Sprintf("%v", out[j][idx.KeyPath])
	})
	if dir == Reverse {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// Transaction runs fn directly; there is no native transaction to wrap, so
// atomicity across the enclosed operations is best-effort only.
func (f *FallbackEngine) Transaction(ctx context.Context, store string, mode txncore.TransactionMode, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// AtomicUpdate reads, clones, invokes modifier, and writes back. Because the
// fallback lacks a native transaction, a concurrent writer could interleave;
// this matches the spec's explicit "weaker guarantee" for fallback mode.
func (f *FallbackEngine) AtomicUpdate(ctx context.Context, store, key string, modifier func(current Record) (Record, error)) error {
	f.mu.Lock()
	current, ok := f.storeMap(store)[key]
	f.mu.Unlock()
	var snapshot Record
	if ok {
		snapshot = current.Clone()
	}
	updated, err := modifier(snapshot)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.storeMap(store)[key] = updated
	return nil
}

func primaryKeyOf(value Record) (string, error) {
	raw, ok := value["__primary_key__"]
	if !ok {
		return "", txncore.NewError(txncore.Unknown, nil, "record missing resolved primary key")
	}
	s, ok := raw.(string)
	if !ok {
		return "", txncore.NewError(txncore.Unknown, nil, "resolved primary key is not a string")
	}
	return s, nil
}
