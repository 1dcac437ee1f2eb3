// Package resources implements the three built-in TransactionalResource
// adapters binding the coordinator to the record store, the flat store, and
// the credential store (§4.5).
package resources

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/recordstore"
)

// PendingStoreName is the private scratch bucket RecordStoreResource uses to
// durably record a transaction's operations at Prepare time, per §9's note
// that the commit marker is a decision record, not a redo log: the
// operations themselves live here.
const PendingStoreName = "_record_store_pending"

type pendingOp struct {
	Store            string `json:"store"`
	Key              string `json:"key"`
	Delete           bool   `json:"delete"`
	Value            Record `json:"value,omitempty"`
	PreviousValue    Record `json:"previous_value,omitempty"`
	PreviousValueSet bool   `json:"previous_value_set"`
}

// Record is a JSON-friendly alias avoiding a direct recordstore import in
// the public field names of pendingOp.
type Record = map[string]any

// RecordStoreResource binds a recordstore.Engine into the 2PC protocol. The
// engine itself owns vector-clock stamping (§4.2), so every put this
// resource issues goes through the engine's normal Put path
// rather than stamping independently here.
type RecordStoreResource struct {
	engine recordstore.Engine
}

// NewRecordStoreResource constructs a resource bound to engine.
func NewRecordStoreResource(engine recordstore.Engine) *RecordStoreResource {
	return &RecordStoreResource{engine: engine}
}

func (r *RecordStoreResource) Name() string { return "record_store" }

// Backend implements coordinator.BackendResource.
func (r *RecordStoreResource) Backend() txncore.Backend { return txncore.RecordStoreBackend }

// ReadPreImage implements coordinator.PreImageReader.
func (r *RecordStoreResource) ReadPreImage(ctx context.Context, store, key string) (any, any, bool, error) {
	rec, found, err := r.engine.Get(ctx, store, key)
	if err != nil {
		return nil, nil, false, err
	}
	if !found {
		return nil, nil, false, nil
	}
	return recordstore.Record(rec), nil, true, nil
}

// Prepare durably records this transaction's record-store operations in the
// private pending scratch before voting yes, so Recover has something to
// reconcile even if the process crashes before Commit runs.
func (r *RecordStoreResource) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	ops := opsFor(tc)
	if len(ops) == 0 {
		return nil
	}

	pending := make([]pendingOp, 0, len(ops))
	for _, op := range ops {
		p := pendingOp{Store: op.Store, Key: op.Key, Delete: op.Type == txncore.OpDelete}
		if op.Type == txncore.OpPut {
			p.Value = toRecord(op.Value)
		}
		if op.PreviousValueSet {
			p.PreviousValueSet = true
			p.PreviousValue = toRecord(op.PreviousValue)
		}
		pending = append(pending, p)
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return err
	}
	rec := recordstore.Record{
		"__primary_key__": tc.ID.String(),
		"ops":              string(raw),
	}
	return r.engine.Put(ctx, PendingStoreName, rec, recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
}

// Commit applies every not-yet-committed put/delete targeting the record
// store; the engine stamps each put with a fresh vector-clock tick.
func (r *RecordStoreResource) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	for _, op := range opsFor(tc) {
		if op.Committed {
			continue
		}
		if err := r.applyForward(ctx, op); err != nil {
			return fmt.Errorf("record store commit failed for %s/%s: %w", op.Store, op.Key, err)
		}
	}
	_ = r.engine.Delete(ctx, PendingStoreName, tc.ID.String(), recordstore.DeleteOptions{BypassAuthority: true})
	return nil
}

func (r *RecordStoreResource) applyForward(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		rec := toRecord(op.Value)
		return r.engine.Put(ctx, op.Store, rec, recordstore.PutOptions{})
	case txncore.OpDelete:
		return r.engine.Delete(ctx, op.Store, op.Key, recordstore.DeleteOptions{})
	default:
		return nil
	}
}

// Rollback undoes every committed record-store operation in reverse enqueue
// order: a put is undone by restoring the pre-image (or deleting, if there
// was none), a delete by re-putting the pre-image (or doing nothing).
func (r *RecordStoreResource) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	ops := opsFor(tc)
	var failed error
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if !op.Committed {
			continue
		}
		if err := r.undo(ctx, op); err != nil {
			failed = fmt.Errorf("rollback failed for %s/%s: %w", op.Store, op.Key, err)
		}
	}
	return failed
}

func (r *RecordStoreResource) undo(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		if op.PreviousValueSet {
			prev := toRecord(op.PreviousValue)
			return r.engine.Put(ctx, op.Store, prev, recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
		}
		return r.engine.Delete(ctx, op.Store, op.Key, recordstore.DeleteOptions{BypassAuthority: true})
	case txncore.OpDelete:
		if op.PreviousValueSet {
			prev := toRecord(op.PreviousValue)
			return r.engine.Put(ctx, op.Store, prev, recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
		}
		return nil
	default:
		return nil
	}
}

// Recover reconciles this resource's private pending scratch against the
// journal's verdict for txID: isPendingCommit true means the marker was
// still in the committing state, so the recorded operations are replayed
// forward; otherwise they are rolled back using the stored pre-images. Both
// paths end by deleting the pending scratch, making a second Recover call
// for the same tx id a no-op.
func (r *RecordStoreResource) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	rec, found, err := r.engine.Get(ctx, PendingStoreName, txID.String())
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	raw, _ := rec["ops"].(string)
	var ops []pendingOp
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &ops); err != nil {
			return err
		}
	}

	for _, op := range ops {
		if isPendingCommit {
			if op.Delete {
				_ = r.engine.Delete(ctx, op.Store, op.Key, recordstore.DeleteOptions{BypassAuthority: true})
				continue
			}
			_ = r.engine.Put(ctx, op.Store, recordstore.Record(op.Value), recordstore.PutOptions{BypassAuthority: true})
			continue
		}
		if op.PreviousValueSet {
			_ = r.engine.Put(ctx, op.Store, recordstore.Record(op.PreviousValue), recordstore.PutOptions{SkipWriteEpoch: true, BypassAuthority: true})
		} else if !op.Delete {
			_ = r.engine.Delete(ctx, op.Store, op.Key, recordstore.DeleteOptions{BypassAuthority: true})
		}
	}

	return r.engine.Delete(ctx, PendingStoreName, txID.String(), recordstore.DeleteOptions{BypassAuthority: true})
}

func opsFor(tc *txncore.TransactionContext) []*txncore.Operation {
	var out []*txncore.Operation
	for _, op := range tc.Operations {
		if op.Backend == txncore.RecordStoreBackend {
			out = append(out, op)
		}
	}
	return out
}

func toRecord(v any) recordstore.Record {
	if v == nil {
		return recordstore.Record{}
	}
	if rec, ok := v.(recordstore.Record); ok {
		return rec
	}
	if m, ok := v.(map[string]any); ok {
		return recordstore.Record(m)
	}
	return recordstore.Record{}
}
