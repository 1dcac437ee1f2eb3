// Package txn is the public facade (§6): the single entrypoint wiring the
// record store, flat store, and credential store into the 2PC coordinator,
// following the teacher's per-backend wrapper convention
// (in_red_fs.NewTransaction composing common.NewTwoPhaseCommitTransaction
// with backend-specific stores) rather than living in the root package,
// which would otherwise create an import cycle against internal/coordinator.
package txn

import (
	"context"
	"fmt"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/compensation"
	"github.com/lattice-io/txncore/internal/coordinator"
	"github.com/lattice-io/txncore/internal/credentialstore"
	"github.com/lattice-io/txncore/internal/events"
	"github.com/lattice-io/txncore/internal/flatstore"
	"github.com/lattice-io/txncore/internal/recordstore"
	"github.com/lattice-io/txncore/internal/resources"
)

// Options configures a Facade at construction time.
type Options struct {
	// RecordStorePath is the bbolt file backing the structured record store.
	RecordStorePath string
	// FlatStorePath is the bbolt file backing the string-keyed flat store.
	FlatStorePath string
	// Migrations declares the record store's schema, in ascending
	// Migration.Version order.
	Migrations []txncore.Migration
	// Authority gates record-store writes (§4.2.3). Nil defaults to
	// AlwaysAllow.
	Authority txncore.WriteAuthority
	// AuthorityMode selects Permissive or Strict denial handling.
	AuthorityMode recordstore.AuthorityMode
	// ExemptStores always bypass the authority gate.
	ExemptStores []string
	// WriterID identifies this process's writes for vector-clock stamping
	// and conflict tiebreaks (§4.2.4).
	WriterID string
	// DeviceID binds the in-memory credential store stand-in; empty
	// generates a random one.
	DeviceID string
	// EnableFallback activates the FallbackEngine if the record store
	// cannot be reached via InitWithRetry (§4.2.1).
	EnableFallback bool
	// Events receives lifecycle/diagnostic events. Nil constructs and
	// starts an internal Broker.
	Events txncore.EventSink
}

// Facade is the caller-facing handle bundling the three built-in backends
// and the 2PC coordinator behind Run/Begin/Commit/Rollback and the
// recovery and compensation controls of §6.
type Facade struct {
	recordEngine recordstore.Engine
	recordStore  *recordstore.RecordStore
	flatStore    *flatstore.Store
	credStore    *credentialstore.Store
	compLogger   *compensation.Logger
	coordinator  *coordinator.Coordinator
	broker       *events.Broker

	recordRes *resources.RecordStoreResource
	flatRes   *resources.FlatStoreResource
	credRes   *resources.CredentialStoreResource
}

// New constructs and connects a Facade: opens the record store (through
// InitWithRetry and its §4.2.1 fallback when EnableFallback is set, a
// single Init attempt otherwise), opens the flat store, and
// builds the in-memory credential store stand-in, then wires all three
// through the compensation logger and 2PC coordinator.
func New(ctx context.Context, opts Options) (*Facade, error) {
	var sink txncore.EventSink
	var broker *events.Broker
	if opts.Events != nil {
		sink = opts.Events
	} else {
		broker = events.NewBroker()
		broker.Start()
		sink = broker
	}

	writerID := opts.WriterID
	if writerID == "" {
		writerID = txncore.NewUUID().String()
	}

	// The journal, the record-store resource's pending scratch and the
	// compensation log each live in a reserved store, ensured ahead of the
	// caller's own migrations.
	migrations := append([]txncore.Migration{{
		Version: 0,
		Apply: func(m txncore.MigrationContext) error {
			for _, name := range []string{coordinator.JournalStoreName, resources.PendingStoreName, compensation.RecordStoreName} {
				if err := m.EnsureStore(txncore.StoreDescriptor{Name: name, KeyPath: "__primary_key__"}); err != nil {
					return err
				}
			}
			return nil
		},
	}}, opts.Migrations...)

	rs := recordstore.New(recordstore.Options{
		Path:          opts.RecordStorePath,
		Migrations:    migrations,
		Authority:     opts.Authority,
		AuthorityMode: opts.AuthorityMode,
		ExemptStores:  append(append([]string{}, opts.ExemptStores...), coordinator.JournalStoreName, resources.PendingStoreName, compensation.RecordStoreName),
		Events:        sink,
		WriterID:      writerID,
	})
	if opts.EnableFallback {
		if err := rs.InitWithRetry(ctx); err != nil {
			return nil, fmt.Errorf("record store init: %w", err)
		}
	} else {
		if err := rs.Init(ctx); err != nil {
			return nil, fmt.Errorf("record store init: %w", err)
		}
	}

	fs, err := flatstore.Open(opts.FlatStorePath)
	if err != nil {
		rs.Close()
		return nil, fmt.Errorf("flat store open: %w", err)
	}

	cs := credentialstore.New(opts.DeviceID)

	compLogger := compensation.NewLogger(rs, fs, sink)
	coord := coordinator.New(rs, compLogger, sink)

	return &Facade{
		recordEngine: rs,
		recordStore:  rs,
		flatStore:    fs,
		credStore:    cs,
		compLogger:   compLogger,
		coordinator:  coord,
		broker:       broker,
		recordRes:    resources.NewRecordStoreResource(rs),
		flatRes:      resources.NewFlatStoreResource(fs),
		credRes:      resources.NewCredentialStoreResource(cs),
	}, nil
}

// RecordStore exposes the underlying engine for direct put/get/transaction
// calls outside the 2PC protocol (§4.2's standalone contract).
func (f *Facade) RecordStore() *recordstore.RecordStore { return f.recordStore }

// FlatStore exposes the underlying flat store for direct use.
func (f *Facade) FlatStore() *flatstore.Store { return f.flatStore }

// CredentialStore exposes the in-memory credential store stand-in for
// direct use and for toggling availability in tests.
func (f *Facade) CredentialStore() *credentialstore.Store { return f.credStore }

// DefaultResources returns the three built-in adapters in the fixed order
// the 2PC protocol applies prepare/commit to (§4.3.1's "deterministic
// order").
func (f *Facade) DefaultResources() []txncore.TransactionalResource {
	return []txncore.TransactionalResource{f.recordRes, f.flatRes, f.credRes}
}

// resourcesFor merges the default built-ins with any caller-supplied extra
// resources, so ad-hoc TransactionalResource implementations can
// participate in the same transaction per §4.5's "arbitrary caller-supplied
// resources" clause.
func (f *Facade) resourcesFor(extra []txncore.TransactionalResource) []txncore.TransactionalResource {
	if len(extra) == 0 {
		return f.DefaultResources()
	}
	return append(f.DefaultResources(), extra...)
}

// Run is the canonical high-level API (§6): collect, prepare, journal,
// commit, cleanup, with whole-transaction retry on transient failure.
func (f *Facade) Run(ctx context.Context, callback coordinator.Callback, extra ...txncore.TransactionalResource) (txncore.RunResult, error) {
	return f.coordinator.Run(ctx, callback, f.resourcesFor(extra))
}

// Begin starts the manual three-step begin/commit/rollback API (§6).
func (f *Facade) Begin(ctx context.Context, extra ...txncore.TransactionalResource) (*coordinator.ManualTransaction, error) {
	return f.coordinator.Begin(ctx, f.resourcesFor(extra))
}

// RecoverFromJournal scans the durable commit-marker journal at startup
// (§4.3.4). Call once before accepting new transactions.
func (f *Facade) RecoverFromJournal(ctx context.Context) (int, error) {
	return f.coordinator.RecoverFromJournal(ctx, f.DefaultResources())
}

// IsFatalState reports whether the process-wide latch is set.
func (f *Facade) IsFatalState() bool { return f.coordinator.IsFatalState() }

// GetFatalState returns a snapshot of the latch, whether set or not.
func (f *Facade) GetFatalState() txncore.FatalStateSnapshot { return f.coordinator.GetFatalState() }

// ClearFatalState unlatches the fatal state and publishes
// transaction:fatal_cleared.
func (f *Facade) ClearFatalState(reason string) { f.coordinator.ClearFatalState(reason) }

// IsInTransaction reports whether a transaction is currently active.
func (f *Facade) IsInTransaction() bool { return f.coordinator.IsInTransaction() }

// TransactionDepth returns the current nesting depth (0 or 1).
func (f *Facade) TransactionDepth() int { return f.coordinator.TransactionDepth() }

// GetCompensationLogs returns every compensation entry across all tiers,
// deduplicated by transaction id (P7).
func (f *Facade) GetCompensationLogs(ctx context.Context) ([]*txncore.CompensationEntry, error) {
	return f.compLogger.GetAll(ctx)
}

// GetCompensationLogsFiltered returns only entries whose Resolved field
// matches resolved, per SPEC_FULL.md's supplemented "resolved filter"
// convenience.
func (f *Facade) GetCompensationLogsFiltered(ctx context.Context, resolved bool) ([]*txncore.CompensationEntry, error) {
	return f.compLogger.GetFiltered(ctx, resolved)
}

// ResolveCompensationLog marks txID resolved in whichever tier(s) hold it.
func (f *Facade) ResolveCompensationLog(ctx context.Context, txID txncore.UUID) error {
	return f.compLogger.Resolve(ctx, txID)
}

// ClearResolvedCompensationLogs removes resolved entries from every tier
// and returns the count of distinct transaction ids removed.
func (f *Facade) ClearResolvedCompensationLogs(ctx context.Context) (int, error) {
	return f.compLogger.ClearResolved(ctx)
}

// Close releases both bbolt handles. Safe to call more than once.
func (f *Facade) Close() error {
	ferr := f.flatStore.Close()
	rerr := f.recordStore.Close()
	if f.broker != nil {
		f.broker.Stop()
	}
	if rerr != nil {
		return rerr
	}
	return ferr
}
