package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/flatstore"
)

// flatPendingPrefix namespaces this resource's durable pending scratch
// inside the flat store's single string keyspace, mirroring
// RecordStoreResource's dedicated bucket but adapted to a flat keyspace.
const flatPendingPrefix = "_flat_store_pending/"

type flatPendingOp struct {
	Key              string `json:"key"`
	Delete           bool   `json:"delete"`
	Value            string `json:"value,omitempty"`
	PreviousValue    string `json:"previous_value,omitempty"`
	PreviousValueSet bool   `json:"previous_value_set"`
}

// FlatStoreResource binds a flatstore.Store into the 2PC protocol. Prepare
// probe-writes to detect quota exhaustion ahead of the commit phase, per
// §4.5.
type FlatStoreResource struct {
	store *flatstore.Store
}

// NewFlatStoreResource constructs a resource bound to store.
func NewFlatStoreResource(store *flatstore.Store) *FlatStoreResource {
	return &FlatStoreResource{store: store}
}

func (r *FlatStoreResource) Name() string { return "flat_store" }

// Backend implements coordinator.BackendResource.
func (r *FlatStoreResource) Backend() txncore.Backend { return txncore.FlatStoreBackend }

// ReadPreImage implements coordinator.PreImageReader.
func (r *FlatStoreResource) ReadPreImage(ctx context.Context, store, key string) (any, any, bool, error) {
	value, found, err := r.store.Get(ctx, key)
	if err != nil {
		return nil, nil, false, err
	}
	return value, nil, found, nil
}

// Prepare probe-writes a short, throwaway key to detect quota exhaustion
// before the fact, then durably records this transaction's flat-store
// operations in pending scratch so Recover has something to reconcile.
func (r *FlatStoreResource) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	ops := flatOpsFor(tc)
	if len(ops) == 0 {
		return nil
	}
	if err := r.store.ProbeWrite(ctx, tc.ID.String()); err != nil {
		return fmt.Errorf("flat store probe write failed: %w", err)
	}

	pending := make([]flatPendingOp, 0, len(ops))
	for _, op := range ops {
		p := flatPendingOp{Key: op.Key, Delete: op.Type == txncore.OpDelete}
		if op.Type == txncore.OpPut {
			p.Value = toStringValue(op.Value)
		}
		if op.PreviousValueSet {
			p.PreviousValueSet = true
			p.PreviousValue = toStringValue(op.PreviousValue)
		}
		pending = append(pending, p)
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, flatPendingPrefix+tc.ID.String(), string(raw))
}

// Commit applies every not-yet-committed put/delete targeting the flat
// store.
func (r *FlatStoreResource) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	for _, op := range flatOpsFor(tc) {
		if op.Committed {
			continue
		}
		if err := r.applyForward(ctx, op); err != nil {
			return fmt.Errorf("flat store commit failed for %s: %w", op.Key, err)
		}
	}
	_ = r.store.Delete(ctx, flatPendingPrefix+tc.ID.String())
	return nil
}

func (r *FlatStoreResource) applyForward(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		return r.store.Put(ctx, op.Key, toStringValue(op.Value))
	case txncore.OpDelete:
		return r.store.Delete(ctx, op.Key)
	default:
		return nil
	}
}

// Rollback undoes every committed flat-store operation in reverse enqueue
// order, restoring pre-images or deleting where none existed.
func (r *FlatStoreResource) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	ops := flatOpsFor(tc)
	var failed error
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if !op.Committed {
			continue
		}
		if err := r.undo(ctx, op); err != nil {
			failed = fmt.Errorf("rollback failed for %s: %w", op.Key, err)
		}
	}
	return failed
}

func (r *FlatStoreResource) undo(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		if op.PreviousValueSet {
			return r.store.Put(ctx, op.Key, toStringValue(op.PreviousValue))
		}
		return r.store.Delete(ctx, op.Key)
	case txncore.OpDelete:
		if op.PreviousValueSet {
			return r.store.Put(ctx, op.Key, toStringValue(op.PreviousValue))
		}
		return nil
	default:
		return nil
	}
}

// Recover reconciles the flat store's pending scratch against the
// journal's verdict for txID, then deletes it so a second Recover call is
// a no-op.
func (r *FlatStoreResource) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	raw, found, err := r.store.Get(ctx, flatPendingPrefix+txID.String())
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	var ops []flatPendingOp
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			return err
		}
	}

	for _, op := range ops {
		if isPendingCommit {
			if op.Delete {
				_ = r.store.Delete(ctx, op.Key)
				continue
			}
			_ = r.store.Put(ctx, op.Key, op.Value)
			continue
		}
		if op.PreviousValueSet {
			_ = r.store.Put(ctx, op.Key, op.PreviousValue)
		} else if !op.Delete {
			_ = r.store.Delete(ctx, op.Key)
		}
	}

	return r.store.Delete(ctx, flatPendingPrefix+txID.String())
}

func flatOpsFor(tc *txncore.TransactionContext) []*txncore.Operation {
	var out []*txncore.Operation
	for _, op := range tc.Operations {
		if op.Backend == txncore.FlatStoreBackend {
			out = append(out, op)
		}
	}
	return out
}

func toStringValue(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}
