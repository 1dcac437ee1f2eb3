package coordinator

import (
	"context"

	"github.com/lattice-io/txncore"
)

// BackendResource is implemented by the three built-in adapters
// (internal/resources) so the coordinator can route Collector.Put/Delete
// calls and per-operation Committed bookkeeping to the right resource.
// Arbitrary caller-supplied resources need not implement it: they still
// participate in prepare/commit/rollback/recover as a whole, just without
// per-operation targeting.
type BackendResource interface {
	txncore.TransactionalResource
	Backend() txncore.Backend
}

// PreImageReader is optionally implemented by a BackendResource to supply
// the pre-image capture §4.3.1 Phase 0 requires: the value (and, for
// credential operations, the options) a key held immediately before this
// transaction's callback runs.
type PreImageReader interface {
	ReadPreImage(ctx context.Context, store, key string) (value any, options any, found bool, err error)
}

// Collector is handed to the caller-supplied callback. Every Put/Delete
// call enqueues an Operation against tc, capturing the pre-image through
// the resource responsible for the named backend if one is registered.
type Collector struct {
	tc      *txncore.TransactionContext
	readers map[txncore.Backend]PreImageReader
}

func newCollector(tc *txncore.TransactionContext, resources []txncore.TransactionalResource) *Collector {
	readers := make(map[txncore.Backend]PreImageReader)
	for _, r := range resources {
		br, ok := r.(BackendResource)
		if !ok {
			continue
		}
		if reader, ok := br.(PreImageReader); ok {
			readers[br.Backend()] = reader
		}
	}
	return &Collector{tc: tc, readers: readers}
}

// Put enqueues a put operation targeting (backend, store, key).
func (c *Collector) Put(ctx context.Context, backend txncore.Backend, store, key string, value any) error {
	return c.enqueue(ctx, backend, txncore.OpPut, store, key, value)
}

// Delete enqueues a delete operation targeting (backend, store, key).
func (c *Collector) Delete(ctx context.Context, backend txncore.Backend, store, key string) error {
	return c.enqueue(ctx, backend, txncore.OpDelete, store, key, nil)
}

func (c *Collector) enqueue(ctx context.Context, backend txncore.Backend, opType txncore.OpType, store, key string, value any) error {
	op := &txncore.Operation{Backend: backend, Type: opType, Store: store, Key: key, Value: value}
	if reader, ok := c.readers[backend]; ok {
		prevValue, prevOptions, found, err := reader.ReadPreImage(ctx, store, key)
		if err != nil {
			return err
		}
		op.PreviousValue = prevValue
		op.PreviousOptions = prevOptions
		op.PreviousValueSet = found
	}
	return c.tc.AddOperation(op)
}

// TransactionID reports the id of the transaction under collection.
func (c *Collector) TransactionID() txncore.UUID {
	return c.tc.ID
}
