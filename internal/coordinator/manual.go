package coordinator

import (
	"context"

	"github.com/lattice-io/txncore"
)

// ManualTransaction is the handle returned by Begin for the manual
// three-step begin/commit/rollback API (§6). Unlike Run, a manual
// transaction is not retried automatically on transient commit failure;
// the caller owns that decision.
type ManualTransaction struct {
	tc          *txncore.TransactionContext
	coll        *Collector
	resources   []txncore.TransactionalResource
	coordinator *Coordinator
	done        bool
}

// Begin starts a manual transaction, enforcing the same nested-transaction
// guard and fatal latch as Run.
func (c *Coordinator) Begin(ctx context.Context, resources []txncore.TransactionalResource) (*ManualTransaction, error) {
	if c.fatal.isLatched() {
		return nil, txncore.NewError(txncore.ErrFatalState, nil, c.fatal.snapshot())
	}
	if err := c.nested.enter("begin"); err != nil {
		return nil, err
	}
	tc := txncore.NewTransactionContext()
	return &ManualTransaction{
		tc:          tc,
		coll:        newCollector(tc, resources),
		resources:   resources,
		coordinator: c,
	}, nil
}

// Collector exposes the enqueue surface: callers build up operations via
// Collector().Put/Delete before calling Commit.
func (m *ManualTransaction) Collector() *Collector { return m.coll }

// Commit runs prepare/journal/commit for the operations enqueued so far. On
// failure it rolls back before returning, mirroring Run's single-attempt
// behavior, but performs no whole-transaction retry.
func (m *ManualTransaction) Commit(ctx context.Context) (txncore.RunResult, error) {
	if m.done {
		return txncore.RunResult{}, txncore.NewError(txncore.Unknown, nil, "transaction already decided")
	}
	defer func() {
		m.done = true
		m.coordinator.nested.exit()
	}()

	result, err, _ := m.coordinator.executeOnce(ctx, m.tc, m.resources)
	return result, err
}

// Rollback abandons the transaction without undoing any resource: it is
// called instead of Commit, so no resource has committed, and it hands the
// rollback path an empty list of committed resources.
func (m *ManualTransaction) Rollback(ctx context.Context) error {
	if m.done {
		return nil
	}
	defer func() {
		m.done = true
		m.coordinator.nested.exit()
	}()
	return m.coordinator.rollback(ctx, m.tc, nil)
}
