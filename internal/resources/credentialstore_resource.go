package resources

import (
	"context"
	"fmt"

	"github.com/lattice-io/txncore"
)

// CredentialStoreResource binds a txncore.CredentialStore into the 2PC
// protocol. It has no private pending scratch of its own: the custody
// subsystem it fronts is an external collaborator (§1), so Recover is a
// no-op — there is nothing this process owns to reconcile.
type CredentialStoreResource struct {
	store txncore.CredentialStore
}

// deviceBoundChecker is optionally implemented by a CredentialStore so
// Prepare can verify device-binding per §4.5; stores that don't implement
// it are assumed always bound.
type deviceBoundChecker interface {
	IsDeviceBound() bool
}

// availabilityChecker is optionally implemented by a CredentialStore so
// Prepare can verify the custody subsystem is reachable per §4.5.
type availabilityChecker interface {
	IsAvailable() bool
}

// NewCredentialStoreResource constructs a resource bound to store.
func NewCredentialStoreResource(store txncore.CredentialStore) *CredentialStoreResource {
	return &CredentialStoreResource{store: store}
}

func (r *CredentialStoreResource) Name() string { return "credential_store" }

// Backend implements coordinator.BackendResource.
func (r *CredentialStoreResource) Backend() txncore.Backend { return txncore.CredentialStoreBackend }

// ReadPreImage implements coordinator.PreImageReader. Per §4.5, the richer
// RetrieveWithOptions is preferred; stores that don't carry options fall
// back to Retrieve with empty options.
func (r *CredentialStoreResource) ReadPreImage(ctx context.Context, store, key string) (any, any, bool, error) {
	value, options, found, err := r.store.RetrieveWithOptions(ctx, key)
	if err == nil {
		return value, options, found, nil
	}
	value, found, err = r.store.Retrieve(ctx, key)
	return value, nil, found, err
}

// Prepare verifies the credential store is available and device-bound
// before voting yes.
func (r *CredentialStoreResource) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	if len(credentialOpsFor(tc)) == 0 {
		return nil
	}
	if avail, ok := r.store.(availabilityChecker); ok && !avail.IsAvailable() {
		return txncore.NewError(txncore.ErrConnectionUnavailable, nil, "credential store unavailable")
	}
	if bound, ok := r.store.(deviceBoundChecker); ok && !bound.IsDeviceBound() {
		return txncore.NewError(txncore.ErrPrepareFailed, nil, "credential store not device-bound")
	}
	return nil
}

// Commit applies every not-yet-committed put/delete against the credential
// store, delegating to Store/Invalidate.
func (r *CredentialStoreResource) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	for _, op := range credentialOpsFor(tc) {
		if op.Committed {
			continue
		}
		if err := r.applyForward(ctx, op); err != nil {
			return fmt.Errorf("credential store commit failed for %s: %w", op.Key, err)
		}
	}
	return nil
}

func (r *CredentialStoreResource) applyForward(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		return r.store.Store(ctx, op.Key, op.Value, nil)
	case txncore.OpDelete:
		return r.store.Invalidate(ctx, op.Key)
	default:
		return nil
	}
}

// Rollback undoes every committed credential-store operation in reverse
// enqueue order: a put is undone by restoring the pre-image (or
// invalidating, if there was none); a delete is undone by re-storing the
// pre-image, or left alone per the §9 open-question resolution that
// invalidating an unbound key is always a safe no-op.
func (r *CredentialStoreResource) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	ops := credentialOpsFor(tc)
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

func (r *CredentialStoreResource) undo(ctx context.Context, op *txncore.Operation) error {
	switch op.Type {
	case txncore.OpPut:
		if op.PreviousValueSet {
			return r.store.Store(ctx, op.Key, op.PreviousValue, op.PreviousOptions)
		}
		return r.store.Invalidate(ctx, op.Key)
	case txncore.OpDelete:
		if op.PreviousValueSet {
			return r.store.Store(ctx, op.Key, op.PreviousValue, op.PreviousOptions)
		}
		return nil
	default:
		return nil
	}
}

// Recover is a no-op: the credential custody subsystem is an external
// collaborator (§1) this process does not durably journal on its own
// behalf, so there is nothing private to reconcile here.
func (r *CredentialStoreResource) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	return nil
}

func credentialOpsFor(tc *txncore.TransactionContext) []*txncore.Operation {
	var out []*txncore.Operation
	for _, op := range tc.Operations {
		if op.Backend == txncore.CredentialStoreBackend {
			out = append(out, op)
		}
	}
	return out
}
