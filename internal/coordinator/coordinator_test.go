package coordinator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/compensation"
	"github.com/lattice-io/txncore/internal/events"
	"github.com/lattice-io/txncore/internal/recordstore"
	"github.com/lattice-io/txncore/internal/resources"
)

// recordingSink captures every published event for assertions, in place of
// the real internal/events.Broker.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	topic   string
	payload any
}

func (s *recordingSink) Publish(topic string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{topic, payload})
}

func (s *recordingSink) find(topic string) *recordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.events {
		if e.topic == topic {
			return &e
		}
	}
	return nil
}

func (s *recordingSink) count(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e.topic == topic {
			n++
		}
	}
	return n
}

const testStoreName = "widgets"

func testMigrations() []txncore.Migration {
	return []txncore.Migration{
		{
			Version: 1,
			Apply: func(m txncore.MigrationContext) error {
				for _, name := range []string{testStoreName, JournalStoreName, resources.PendingStoreName} {
					if err := m.EnsureStore(txncore.StoreDescriptor{Name: name, KeyPath: "__primary_key__"}); err != nil {
						return err
					}
				}
				return nil
			},
		},
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, recordstore.Engine, []txncore.TransactionalResource) {
	t.Helper()
	store := recordstore.New(recordstore.Options{
		Path:       filepath.Join(t.TempDir(), "records.db"),
		Migrations: testMigrations(),
		WriterID:   "test-writer",
	})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	rr := resources.NewRecordStoreResource(store)
	c := New(store, nil, nil)
	return c, store, []txncore.TransactionalResource{rr}
}

func TestRunCommitsRecordStorePut(t *testing.T) {
	c, store, rs := newTestCoordinator(t)
	ctx := context.Background()

	result, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.OperationsCommitted != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec, found, err := store.Get(ctx, testStoreName, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found || rec["name"] != "gizmo" {
		t.Fatalf("Get after commit = (%v, %v)", rec, found)
	}
}

func TestRunWithNoOperationsIsNoop(t *testing.T) {
	c, _, rs := newTestCoordinator(t)
	result, err := c.Run(context.Background(), func(ctx context.Context, coll *Collector) error {
		return nil
	}, rs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.OperationsCommitted != 0 {
		t.Fatalf("unexpected result for empty transaction: %+v", result)
	}
}

func TestRunCallbackErrorAbortsBeforeAnyWrite(t *testing.T) {
	c, store, rs := newTestCoordinator(t)
	ctx := context.Background()
	wantErr := errors.New("callback declined")

	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		if err := coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		}); err != nil {
			return err
		}
		return wantErr
	}, rs)
	if !errors.Is(err, wantErr) {
		t.Fatalf("Run error = %v, want %v", err, wantErr)
	}

	_, found, err := store.Get(ctx, testStoreName, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("record written despite callback error")
	}
}

// failingResource always fails Commit, forcing the coordinator's rollback
// path regardless of what the record store resource already committed.
type failingResource struct{}

func (failingResource) Name() string { return "failing" }
func (failingResource) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (failingResource) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	return errors.New("commit always fails")
}
func (failingResource) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (failingResource) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	return nil
}

func TestRunRollsBackRecordStoreWhenLaterResourceCommitFails(t *testing.T) {
	c, store, rs := newTestCoordinator(t)
	ctx := context.Background()
	rs = append(rs, failingResource{})

	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err == nil {
		t.Fatalf("expected commit failure, got nil")
	}

	_, found, err := store.Get(ctx, testStoreName, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("record store put was not rolled back after a later resource's commit failed")
	}
}

// flakyResource fails Commit until its failCount is exhausted, then
// succeeds, simulating a transient backend hiccup that clears on retry.
type flakyResource struct {
	mu        sync.Mutex
	name      string
	failCount int
}

func (r *flakyResource) Name() string { return r.name }
func (r *flakyResource) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (r *flakyResource) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failCount > 0 {
		r.failCount--
		return errors.New("transient commit failure")
	}
	return nil
}
func (r *flakyResource) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (r *flakyResource) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	return nil
}

func (r *flakyResource) remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failCount
}

// commitSucceedsRollbackFails always commits cleanly but can never undo
// itself, forcing the coordinator's compensation path whenever a later
// resource's commit fails.
type commitSucceedsRollbackFails struct{ name string }

func (r commitSucceedsRollbackFails) Name() string { return r.name }
func (commitSucceedsRollbackFails) Prepare(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (commitSucceedsRollbackFails) Commit(ctx context.Context, tc *txncore.TransactionContext) error {
	return nil
}
func (commitSucceedsRollbackFails) Rollback(ctx context.Context, tc *txncore.TransactionContext) error {
	return errors.New("rollback unavailable")
}
func (commitSucceedsRollbackFails) Recover(ctx context.Context, txID txncore.UUID, isPendingCommit bool) error {
	return nil
}

func TestRunRetriesTransientCommitFailureThenSucceeds(t *testing.T) {
	c, store, rs := newTestCoordinator(t)
	ctx := context.Background()
	flaky := &flakyResource{name: "flaky", failCount: 2}
	rs = append(rs, flaky)

	result, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected eventual success after transient retries: %+v", result)
	}
	if flaky.remaining() != 0 {
		t.Fatalf("flaky resource did not exhaust its failures: %d remaining", flaky.remaining())
	}

	rec, found, err := store.Get(ctx, testStoreName, "w1")
	if err != nil || !found || rec["name"] != "gizmo" {
		t.Fatalf("Get after eventual commit = (%v, %v, %v)", rec, found, err)
	}
}

func TestRunExhaustsRetriesAndPublishesPartialCommitSummary(t *testing.T) {
	store := recordstore.New(recordstore.Options{
		Path:       filepath.Join(t.TempDir(), "records.db"),
		Migrations: testMigrations(),
		WriterID:   "test-writer",
	})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer store.Close()

	sink := &recordingSink{}
	c := New(store, nil, sink)
	rr := resources.NewRecordStoreResource(store)
	flaky := &flakyResource{name: "flaky", failCount: 100}
	rs := []txncore.TransactionalResource{rr, flaky}

	ctx := context.Background()
	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err == nil {
		t.Fatalf("expected Run to fail after exhausting retries")
	}

	var te *txncore.Error
	if !errors.As(err, &te) || te.Code != txncore.ErrPartialCommitAfterRetries {
		t.Fatalf("Run error = %v, want ErrPartialCommitAfterRetries", err)
	}
	summary, ok := te.UserData.(*txncore.PartialCommitSummary)
	if !ok {
		t.Fatalf("UserData = %T, want *txncore.PartialCommitSummary", te.UserData)
	}
	if summary.Total != 1 {
		t.Fatalf("summary.Total = %d, want 1", summary.Total)
	}
	if counts, ok := summary.ByBackend["record_store"]; !ok || counts.Committed+counts.Failed != 1 {
		t.Fatalf("summary.ByBackend missing record_store tally: %+v", summary.ByBackend)
	}
	if summary.Summary == "" {
		t.Fatalf("summary.Summary left empty")
	}

	published := sink.find(events.TopicPartialCommit)
	if published == nil {
		t.Fatalf("transaction:partial_commit was not published")
	}
	payload, ok := published.payload.(map[string]any)
	if !ok || payload["tx_id"] != summary.TransactionID {
		t.Fatalf("transaction:partial_commit payload = %+v", published.payload)
	}
}

// TestRollbackFailureProducesCompensationLogWithoutFatalLatch is scenario 3:
// a later resource's commit fails, forcing rollback; an earlier resource
// that already committed cannot undo itself, so the failure is compensated
// rather than surfaced as a bare error, and the fatal latch stays clear.
func TestRollbackFailureProducesCompensationLogWithoutFatalLatch(t *testing.T) {
	store := recordstore.New(recordstore.Options{
		Path:       filepath.Join(t.TempDir(), "records.db"),
		Migrations: testMigrations(),
		WriterID:   "test-writer",
	})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer store.Close()

	sink := &recordingSink{}
	compLogger := compensation.NewLogger(nil, nil, sink)
	c := New(store, compLogger, sink)

	rs := []txncore.TransactionalResource{
		commitSucceedsRollbackFails{name: "resource_a"},
		failingResource{},
	}

	ctx := context.Background()
	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err == nil {
		t.Fatalf("expected Run to fail")
	}
	var te *txncore.Error
	if !errors.As(err, &te) || te.Code != txncore.ErrRollbackIncomplete {
		t.Fatalf("Run error = %v, want ErrRollbackIncomplete", err)
	}
	if c.IsFatalState() {
		t.Fatalf("fatal state latched despite a successful compensation log write")
	}

	entries, gerr := compLogger.GetAll(ctx)
	if gerr != nil {
		t.Fatalf("GetAll: %v", gerr)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one compensation entry, got %d", len(entries))
	}
	if entries[0].Resolved {
		t.Fatalf("fresh compensation entry should not be resolved")
	}

	if sink.count(events.TopicCompensationNeeded) != 1 {
		t.Fatalf("storage:compensation_needed published %d times, want exactly 1", sink.count(events.TopicCompensationNeeded))
	}
	needed := sink.find(events.TopicCompensationNeeded)
	payload, ok := needed.payload.(map[string]any)
	if !ok || payload["tx_id"] == nil || payload["failed_operations"] == nil || payload["timestamp"] == nil {
		t.Fatalf("storage:compensation_needed payload = %+v, want tx_id/failed_operations/timestamp", needed.payload)
	}
}

// TestAllCompensationTiersExhaustedLatchesFatalState is scenario 4: when
// every compensation tier is unavailable, Log fails outright, the
// coordinator latches fatal state and publishes transaction:fatal_error,
// and subsequent Run calls are blocked until ClearFatalState.
func TestAllCompensationTiersExhaustedLatchesFatalState(t *testing.T) {
	store := recordstore.New(recordstore.Options{
		Path:       filepath.Join(t.TempDir(), "records.db"),
		Migrations: testMigrations(),
		WriterID:   "test-writer",
	})
	if err := store.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer store.Close()

	sink := &recordingSink{}
	compLogger := compensation.NewLogger(nil, nil, sink)
	compLogger.SetSessionAvailable(func() bool { return false })
	compLogger.SetMemoryAvailable(func() bool { return false })
	c := New(store, compLogger, sink)

	rs := []txncore.TransactionalResource{
		commitSucceedsRollbackFails{name: "resource_a"},
		failingResource{},
	}

	ctx := context.Background()
	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		})
	}, rs)
	if err == nil {
		t.Fatalf("expected Run to fail")
	}
	var te *txncore.Error
	if !errors.As(err, &te) || te.Code != txncore.ErrFatalState {
		t.Fatalf("Run error = %v, want ErrFatalState", err)
	}
	if !c.IsFatalState() {
		t.Fatalf("expected fatal state to be latched when every compensation tier is exhausted")
	}
	if sink.find(events.TopicFatalError) == nil {
		t.Fatalf("transaction:fatal_error was not published")
	}

	_, err = c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		return nil
	}, rs)
	if !errors.As(err, &te) || te.Code != txncore.ErrFatalState {
		t.Fatalf("Run while latched = %v, want ErrFatalState", err)
	}

	c.ClearFatalState("operator cleared")
	if c.IsFatalState() {
		t.Fatalf("fatal state still set after ClearFatalState")
	}
	if sink.find(events.TopicFatalCleared) == nil {
		t.Fatalf("transaction:fatal_cleared was not published")
	}
}

func TestNestedTransactionRejected(t *testing.T) {
	c, _, rs := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
		_, innerErr := c.Run(ctx, func(ctx context.Context, coll *Collector) error {
			return nil
		}, rs)
		if innerErr == nil {
			t.Fatalf("expected nested Run to be rejected")
		}
		var te *txncore.Error
		if !errors.As(innerErr, &te) || te.Code != txncore.ErrNestedNotSupported {
			t.Fatalf("nested Run error = %v, want ErrNestedNotSupported", innerErr)
		}
		return nil
	}, rs)
	if err != nil {
		t.Fatalf("outer Run: %v", err)
	}
}

func TestRecoverFromJournalIsIdempotent(t *testing.T) {
	c, _, rs := newTestCoordinator(t)
	ctx := context.Background()

	n, err := c.RecoverFromJournal(ctx, rs)
	if err != nil {
		t.Fatalf("RecoverFromJournal: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no pending markers in a fresh store, got %d", n)
	}

	n, err = c.RecoverFromJournal(ctx, rs)
	if err != nil {
		t.Fatalf("second RecoverFromJournal: %v", err)
	}
	if n != 0 {
		t.Fatalf("second RecoverFromJournal should also find nothing, got %d", n)
	}
}

func TestFatalStateBlocksNewTransactions(t *testing.T) {
	c, _, rs := newTestCoordinator(t)
	if c.IsFatalState() {
		t.Fatalf("fatal state set before anything happened")
	}
	c.fatal.enter("test_injected", txncore.NilUUID, 1)
	if !c.IsFatalState() {
		t.Fatalf("IsFatalState false after entering latch")
	}

	_, err := c.Run(context.Background(), func(ctx context.Context, coll *Collector) error {
		return nil
	}, rs)
	var te *txncore.Error
	if !errors.As(err, &te) || te.Code != txncore.ErrFatalState {
		t.Fatalf("Run error = %v, want ErrFatalState", err)
	}

	c.ClearFatalState("operator cleared")
	if c.IsFatalState() {
		t.Fatalf("fatal state still set after ClearFatalState")
	}
}
