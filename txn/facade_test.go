package txn

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/coordinator"
)

const testStoreName = "widgets"

func testMigrations() []txncore.Migration {
	return []txncore.Migration{
		{
			Version: 1,
			Apply: func(m txncore.MigrationContext) error {
				return m.EnsureStore(txncore.StoreDescriptor{Name: testStoreName, KeyPath: "__primary_key__"})
			},
		},
	}
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	dir := t.TempDir()
	f, err := New(context.Background(), Options{
		RecordStorePath: filepath.Join(dir, "records.db"),
		FlatStorePath:   filepath.Join(dir, "flat.db"),
		Migrations:      testMigrations(),
		WriterID:        "facade-test",
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestRunCommitsAcrossRecordAndFlatStore(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	result, err := f.Run(ctx, func(ctx context.Context, coll *coordinator.Collector) error {
		if err := coll.Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
			"__primary_key__": "w1",
			"name":            "gizmo",
		}); err != nil {
			return err
		}
		return coll.Put(ctx, txncore.FlatStoreBackend, "", "last_run", "ok")
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !result.Success || result.OperationsCommitted != 2 {
		t.Fatalf("unexpected result: %+v", result)
	}

	rec, found, err := f.RecordStore().Get(ctx, testStoreName, "w1")
	if err != nil || !found || rec["name"] != "gizmo" {
		t.Fatalf("RecordStore().Get = (%v, %v, %v)", rec, found, err)
	}
	val, found, err := f.FlatStore().Get(ctx, "last_run")
	if err != nil || !found || val != "ok" {
		t.Fatalf("FlatStore().Get = (%q, %v, %v)", val, found, err)
	}
}

func TestManualTransactionCommit(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Collector().Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
		"__primary_key__": "w1",
		"name":            "gizmo",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := txn.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if f.IsInTransaction() {
		t.Fatalf("IsInTransaction true after Commit returned")
	}
	_, found, err := f.RecordStore().Get(ctx, testStoreName, "w1")
	if err != nil || !found {
		t.Fatalf("Get after manual commit = (found=%v, err=%v)", found, err)
	}
}

func TestManualTransactionRollback(t *testing.T) {
	f := newTestFacade(t)
	ctx := context.Background()

	txn, err := f.Begin(ctx)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := txn.Collector().Put(ctx, txncore.RecordStoreBackend, testStoreName, "w1", map[string]any{
		"__primary_key__": "w1",
		"name":            "gizmo",
	}); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := txn.Rollback(ctx); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	_, found, err := f.RecordStore().Get(ctx, testStoreName, "w1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if found {
		t.Fatalf("record present after a rollback with nothing committed")
	}
}

func TestRecoverFromJournalOnFreshFacadeFindsNothing(t *testing.T) {
	f := newTestFacade(t)
	n, err := f.RecoverFromJournal(context.Background())
	if err != nil {
		t.Fatalf("RecoverFromJournal: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected no pending markers, got %d", n)
	}
}

func TestCompensationLogEmptyOnFreshFacade(t *testing.T) {
	f := newTestFacade(t)
	entries, err := f.GetCompensationLogs(context.Background())
	if err != nil {
		t.Fatalf("GetCompensationLogs: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no compensation entries, got %d", len(entries))
	}
}

func TestFatalStateClearRoundTrip(t *testing.T) {
	f := newTestFacade(t)
	if f.IsFatalState() {
		t.Fatalf("fatal state set on a fresh facade")
	}
	f.ClearFatalState("noop")
	if f.IsFatalState() {
		t.Fatalf("ClearFatalState on an unlatched facade should remain unlatched")
	}
}
