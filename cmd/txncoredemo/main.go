// Command txncoredemo is a minimal, runnable demonstration of the public
// facade: it wires a bbolt-backed record store, a bbolt-backed flat store,
// and the in-memory credential store stand-in together, runs a two-backend
// transaction, and prints the result — following the teacher's examples/
// convention of a small runnable entrypoint per backend combination.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/coordinator"
	"github.com/lattice-io/txncore/txn"
)

const demoStore = "widgets"

func migrations() []txncore.Migration {
	return []txncore.Migration{
		{
			Version: 1,
			Apply: func(m txncore.MigrationContext) error {
				return m.EnsureStore(txncore.StoreDescriptor{
					Name:    demoStore,
					KeyPath: "__primary_key__",
				})
			},
		},
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("txncoredemo failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dir, err := os.MkdirTemp("", "txncoredemo-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	ctx := context.Background()
	facade, err := txn.New(ctx, txn.Options{
		RecordStorePath: filepath.Join(dir, "records.db"),
		FlatStorePath:   filepath.Join(dir, "flat.db"),
		Migrations:      migrations(),
		WriterID:        "txncoredemo",
		EnableFallback:  true,
	})
	if err != nil {
		return fmt.Errorf("facade init: %w", err)
	}
	defer facade.Close()

	if n, err := facade.RecoverFromJournal(ctx); err != nil {
		return fmt.Errorf("recovery: %w", err)
	} else if n > 0 {
		slog.Info("recovered stale transactions", "count", n)
	}

	result, err := facade.Run(ctx, func(ctx context.Context, coll *coordinator.Collector) error {
		if err := coll.Put(ctx, txncore.RecordStoreBackend, demoStore, "widget-1", map[string]any{
			"__primary_key__": "widget-1",
			"name":            "left-handed smoke shifter",
			"quantity":        42,
		}); err != nil {
			return err
		}
		return coll.Put(ctx, txncore.FlatStoreBackend, "", "last_demo_run", "ok")
	})
	if err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}

	fmt.Printf("committed %d operation(s) in transaction %s (%dms)\n",
		result.OperationsCommitted, result.TransactionID, result.DurationMS)

	rec, found, err := facade.RecordStore().Get(ctx, demoStore, "widget-1")
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("widget-1 not found after commit")
	}
	fmt.Printf("stored record: %v\n", rec)
	return nil
}
