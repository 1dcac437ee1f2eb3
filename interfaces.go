package txncore

import "context"

// TransactionalResource is the capability set every participant in the
// two-phase commit must provide. No inheritance hierarchy: a resource is
// just these four closures bound to one backend (record store, flat store,
// credential store, or a caller-supplied resource).
type TransactionalResource interface {
	// Name identifies the resource for diagnostics and deterministic ordering.
	Name() string
	// Prepare establishes that commit will succeed: connection alive, quota
	// headroom, target available. Called once per commit attempt, with the
	// whole tc, before any resource commits.
	Prepare(ctx context.Context, tc *TransactionContext) error
	// Commit applies every Operation in tc targeting this resource. Must be
	// idempotent: re-running after a partial success must not corrupt state.
	Commit(ctx context.Context, tc *TransactionContext) error
	// Rollback undoes every committed Operation in tc targeting this
	// resource, in reverse enqueue order. Must be idempotent.
	Rollback(ctx context.Context, tc *TransactionContext) error
	// Recover is invoked once at startup per pending transaction id found in
	// the journal, so the resource can reconcile its own private scratch.
	Recover(ctx context.Context, txID UUID, isPendingCommit bool) error
}

// EventSink receives lifecycle/diagnostic events; the publish-only contract
// consumed from the external event broadcasting collaborator.
type EventSink interface {
	Publish(topic string, payload any)
}

// WriteAuthority reports whether the current process/tab may write to store.
// The cross-process coordination primitive itself is out of scope; only this
// boolean capability is consumed.
type WriteAuthority interface {
	IsWriteAllowed(store string) bool
}

// AlwaysAllow is a WriteAuthority that never denies; useful for single-writer
// deployments and tests.
type AlwaysAllow struct{}

// IsWriteAllowed always returns true.
func (AlwaysAllow) IsWriteAllowed(string) bool { return true }

// CredentialStore is the narrow contract consumed from the out-of-scope
// credential/token custody subsystem.
type CredentialStore interface {
	Store(ctx context.Context, key string, value any, options any) error
	RetrieveWithOptions(ctx context.Context, key string) (value any, options any, found bool, err error)
	Retrieve(ctx context.Context, key string) (value any, found bool, err error)
	Invalidate(ctx context.Context, key string) error
}
