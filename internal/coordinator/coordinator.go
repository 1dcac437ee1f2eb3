// Package coordinator implements the two-phase commit protocol spanning
// arbitrary TransactionalResource implementations: collection, prepare,
// journal, commit, rollback, and crash recovery (§4.3).
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/compensation"
	"github.com/lattice-io/txncore/internal/events"
	"github.com/lattice-io/txncore/internal/recordstore"
)

// Callback is the caller-supplied body run once per attempt; it enqueues
// operations through coll and returns an error to abandon the transaction
// before anything touches a backend.
type Callback func(ctx context.Context, coll *Collector) error

// Coordinator runs the 2PC protocol against a caller-supplied resource set
// for each call, serializing all transactions through a single process-wide
// nested-transaction guard and fatal latch per §9.
type Coordinator struct {
	journal    *journal
	compLogger *compensation.Logger
	events     txncore.EventSink

	fatal  *fatalState
	nested *nestedStack
}

// New constructs a Coordinator. recordEngine backs the durable commit
// marker journal; compLogger is the three-tier compensation log consulted
// on rollback failure.
func New(recordEngine recordstore.Engine, compLogger *compensation.Logger, sink txncore.EventSink) *Coordinator {
	if sink == nil {
		sink = noopSink{}
	}
	return &Coordinator{
		journal:    newJournal(recordEngine),
		compLogger: compLogger,
		events:     sink,
		fatal:      &fatalState{},
		nested:     &nestedStack{},
	}
}

type noopSink struct{}

func (noopSink) Publish(string, any) {}

// IsFatalState reports whether the process-wide latch is set.
func (c *Coordinator) IsFatalState() bool { return c.fatal.isLatched() }

// GetFatalState returns a snapshot of the latch, whether set or not.
func (c *Coordinator) GetFatalState() txncore.FatalStateSnapshot { return c.fatal.snapshot() }

// ClearFatalState unlatches the fatal state and publishes
// transaction:fatal_cleared.
func (c *Coordinator) ClearFatalState(reason string) {
	c.fatal.clear(reason)
	c.events.Publish(events.TopicFatalCleared, map[string]any{"reason": reason, "timestamp": time.Now()})
}

// IsInTransaction reports whether a transaction is currently active.
func (c *Coordinator) IsInTransaction() bool {
	depth, _ := c.nested.snapshot()
	return depth > 0
}

// TransactionDepth returns the current nesting depth (0 or 1; nesting is
// never permitted beyond one level).
func (c *Coordinator) TransactionDepth() int {
	depth, _ := c.nested.snapshot()
	return depth
}

// Run is the canonical high-level API: collect once, then prepare, journal,
// commit, cleanup, with whole-transaction retry on transient commit
// failures. Per §4.3.2, a retry never re-invokes callback: the same
// TransactionContext — operations and pre-images as collected on the first
// pass — is replayed through executeOnce after ResetForRetry rewinds its
// protocol-progress flags.
func (c *Coordinator) Run(ctx context.Context, callback Callback, resources []txncore.TransactionalResource) (txncore.RunResult, error) {
	if c.fatal.isLatched() {
		return txncore.RunResult{}, txncore.NewError(txncore.ErrFatalState, nil, c.fatal.snapshot())
	}
	if err := c.nested.enter("run"); err != nil {
		return txncore.RunResult{}, err
	}
	defer c.nested.exit()

	txCtx, cancel := context.WithTimeout(ctx, txncore.TxTimeout)
	defer cancel()

	tc := txncore.NewTransactionContext()
	coll := newCollector(tc, resources)

	cbCtx, cbCancel := context.WithTimeout(txCtx, txncore.OpTimeout)
	cbErr := callback(cbCtx, coll)
	cbCancel()
	if cbErr != nil {
		if errors.Is(cbErr, context.DeadlineExceeded) {
			return txncore.RunResult{}, txncore.NewError(txncore.ErrCallbackTimeout, cbErr, nil)
		}
		return txncore.RunResult{}, cbErr
	}

	var result txncore.RunResult
	var lastErr error
	var partial bool
	backoff := txncore.RetryBase

	for attempt := 0; attempt < txncore.MaxRetry; attempt++ {
		if attempt > 0 {
			tc.ResetForRetry()
		}
		var committedAny bool
		result, lastErr, committedAny = c.executeOnce(txCtx, tc, resources)
		if lastErr == nil {
			return result, nil
		}
		if committedAny {
			partial = true
		}
		if !txncore.ShouldRetry(lastErr) {
			break
		}
		select {
		case <-time.After(backoff):
		case <-txCtx.Done():
			return txncore.RunResult{}, txCtx.Err()
		}
		backoff *= 2
	}

	// A rollback that itself failed to undo already carries its own terminal
	// meaning (compensation logged, or fatal latch entered) independent of
	// whether retries were exhausted; it must surface as-is rather than be
	// folded into partial_commit_after_retries.
	var te *txncore.Error
	if errors.As(lastErr, &te) && (te.Code == txncore.ErrRollbackIncomplete || te.Code == txncore.ErrFatalState) {
		return txncore.RunResult{}, lastErr
	}

	if partial {
		summary := buildPartialCommitSummary(tc, lastErr)
		c.events.Publish(events.TopicPartialCommit, map[string]any{
			"tx_id":      summary.TransactionID,
			"succeeded":  summary.Succeeded,
			"failed":     summary.Failed,
			"total":      summary.Total,
			"by_backend": summary.ByBackend,
			"summary":    summary.Summary,
			"timestamp":  time.Now(),
		})
		return txncore.RunResult{}, txncore.NewError(txncore.ErrPartialCommitAfterRetries, lastErr, summary)
	}
	return txncore.RunResult{}, lastErr
}

// buildPartialCommitSummary tallies how each enqueued operation fared by
// the time Run gave up retrying, grouped by backend, for attachment to
// ErrPartialCommitAfterRetries and the transaction:partial_commit event.
func buildPartialCommitSummary(tc *txncore.TransactionContext, lastErr error) *txncore.PartialCommitSummary {
	byBackend := make(map[string]txncore.BackendCommitCount)
	ops := make([]txncore.OperationDiagnostic, 0, len(tc.Operations))
	var succeeded, failed int
	for _, op := range tc.Operations {
		name := op.Backend.String()
		counts := byBackend[name]
		if op.Committed {
			succeeded++
			counts.Committed++
		} else {
			failed++
			counts.Failed++
		}
		byBackend[name] = counts
		ops = append(ops, txncore.OperationDiagnostic{
			Backend:   name,
			Store:     op.Store,
			Key:       op.Key,
			Committed: op.Committed,
		})
	}
	return &txncore.PartialCommitSummary{
		TransactionID: tc.ID.String(),
		Succeeded:     succeeded,
		Failed:        failed,
		Total:         len(tc.Operations),
		ByBackend:     byBackend,
		Summary:       fmt.Sprintf("%d/%d operations committed before giving up: %v", succeeded, len(tc.Operations), lastErr),
		Operations:    ops,
	}
}

// executeOnce runs prepare/journal/commit (and rollback on failure) for an
// already-collected transaction context. Used by both Run's retry loop,
// which replays the same TransactionContext across attempts, and the manual
// Begin/Commit API, which collects operations directly through a Collector
// rather than a callback.
func (c *Coordinator) executeOnce(ctx context.Context, tc *txncore.TransactionContext, resources []txncore.TransactionalResource) (result txncore.RunResult, err error, committedAny bool) {
	start := time.Now()

	if len(tc.Operations) == 0 {
		return txncore.RunResult{Success: true, TransactionID: tc.ID, DurationMS: time.Since(start).Milliseconds()}, nil, false
	}

	for _, r := range resources {
		pctx, cancel := context.WithTimeout(ctx, txncore.OpTimeout)
		perr := r.Prepare(pctx, tc)
		cancel()
		if perr != nil {
			_ = c.rollback(ctx, tc, nil)
			if errors.Is(perr, context.DeadlineExceeded) {
				return txncore.RunResult{}, txncore.NewError(txncore.ErrPrepareTimeout, perr, r.Name()), false
			}
			return txncore.RunResult{}, txncore.NewError(txncore.ErrPrepareFailed, perr, r.Name()), false
		}
	}
	tc.Prepared = true

	marker := &txncore.CommitMarker{
		TransactionID:  tc.ID,
		State:          txncore.MarkerPrepared,
		OperationCount: len(tc.Operations),
		JournalTime:    time.Now(),
	}
	if jerr := c.journal.write(ctx, marker); jerr != nil {
		_ = c.rollback(ctx, tc, nil)
		return txncore.RunResult{}, txncore.NewError(txncore.ErrPrepareFailed, jerr, "commit marker write failed"), false
	}
	tc.Journaled = true

	var committed []txncore.TransactionalResource
	var commitErr error
	for _, r := range resources {
		cctx, cancel := context.WithTimeout(ctx, txncore.OpTimeout)
		cerr := r.Commit(cctx, tc)
		cancel()
		if cerr != nil {
			if errors.Is(cerr, context.DeadlineExceeded) {
				commitErr = txncore.NewError(txncore.ErrCommitTimeout, cerr, r.Name())
			} else {
				commitErr = fmt.Errorf("commit failed on resource %q: %w", r.Name(), cerr)
			}
			break
		}
		committed = append(committed, r)
		if br, ok := r.(BackendResource); ok {
			markOperationsCommitted(tc, br.Backend())
		}
	}

	if commitErr != nil {
		rbErr := c.rollback(ctx, tc, committed)
		_ = c.journal.delete(ctx, tc.ID)
		if rbErr != nil {
			return txncore.RunResult{}, rbErr, len(committed) > 0
		}
		return txncore.RunResult{}, commitErr, len(committed) > 0
	}

	tc.Committed = true
	if derr := c.journal.delete(ctx, tc.ID); derr != nil {
		c.events.Publish(events.TopicStorageError, fmt.Sprintf("cleanup failed for tx %s: %v", tc.ID, derr))
	}

	return txncore.RunResult{
		Success:             true,
		OperationsCommitted: len(tc.Operations),
		TransactionID:       tc.ID,
		DurationMS:          time.Since(start).Milliseconds(),
	}, nil, false
}

// rollback undoes every resource in committed, in reverse order, per
// §4.3.3. A prepare/journal failure calls this with a nil/empty committed
// slice, which is a harmless no-op.
func (c *Coordinator) rollback(ctx context.Context, tc *txncore.TransactionContext, committed []txncore.TransactionalResource) error {
	var failedResources []string
	for i := len(committed) - 1; i >= 0; i-- {
		r := committed[i]
		rctx, cancel := context.WithTimeout(ctx, txncore.OpTimeout)
		err := r.Rollback(rctx, tc)
		cancel()
		if err != nil {
			failedResources = append(failedResources, r.Name())
		}
	}
	tc.RolledBack = true

	if len(failedResources) == 0 {
		return nil
	}

	var failedOps []*txncore.Operation
	for _, op := range tc.Operations {
		if op.Committed {
			failedOps = append(failedOps, op)
		}
	}

	entry := &txncore.CompensationEntry{
		TransactionID: tc.ID,
		FailedOps:     failedOps,
		ExpectedState: "rolled_back",
		Err:           fmt.Sprintf("rollback failed for resources: %s", strings.Join(failedResources, ", ")),
		Timestamp:     time.Now(),
	}

	if c.compLogger == nil {
		return txncore.NewError(txncore.ErrRollbackIncomplete, nil, map[string]any{"failed_count": len(failedOps)})
	}

	if logErr := c.compLogger.Log(ctx, entry); logErr != nil {
		c.fatal.enter("compensation_log_exhausted", tc.ID, 1)
		c.events.Publish(events.TopicFatalError, map[string]any{
			"reason":             "compensation_log_exhausted",
			"tx_id":              tc.ID.String(),
			"compensation_count": 1,
			"timestamp":          time.Now(),
		})
		return txncore.NewError(txncore.ErrFatalState, logErr, "all compensation tiers failed")
	}

	return txncore.NewError(txncore.ErrRollbackIncomplete, nil, map[string]any{"failed_count": len(failedOps)})
}

func markOperationsCommitted(tc *txncore.TransactionContext, backend txncore.Backend) {
	for _, op := range tc.Operations {
		if op.Backend == backend {
			op.Committed = true
		}
	}
}
