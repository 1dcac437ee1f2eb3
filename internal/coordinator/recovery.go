package coordinator

import (
	"context"
	"time"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/events"
)

// RecoverFromJournal scans the durable commit marker journal at startup
// (§4.3.4). Markers older than MarkerStale are discarded as stale; the rest
// are handed to every resource's Recover hook so it can reconcile its own
// private scratch, and prepared-but-undecided markers are surfaced via the
// storage:error topic for operator review rather than auto-committed or
// auto-rolled-back. Idempotent: a second consecutive call finds nothing left
// and returns 0.
func (c *Coordinator) RecoverFromJournal(ctx context.Context, resources []txncore.TransactionalResource) (int, error) {
	markers, err := c.journal.getAll(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	now := time.Now()
	for _, m := range markers {
		if now.Sub(m.JournalTime) > txncore.MarkerStale {
			_ = c.journal.delete(ctx, m.TransactionID)
			processed++
			continue
		}

		isPendingCommit := m.State == txncore.MarkerCommitting
		if m.State == txncore.MarkerPrepared {
			c.events.Publish(events.TopicStorageError, map[string]any{
				"reason": "commit_marker_prepared_requires_review",
				"tx_id":  m.TransactionID.String(),
			})
		}

		for _, r := range resources {
			if rerr := r.Recover(ctx, m.TransactionID, isPendingCommit); rerr != nil {
				c.events.Publish(events.TopicStorageError, map[string]any{
					"reason":   "resource_recover_failed",
					"resource": r.Name(),
					"tx_id":    m.TransactionID.String(),
					"error":    rerr.Error(),
				})
			}
		}

		// The marker has now been surfaced for review and every resource has
		// had its chance to reconcile; leaving it in the journal would make a
		// second consecutive recovery pass re-report it.
		_ = c.journal.delete(ctx, m.TransactionID)
		processed++
	}

	return processed, nil
}
