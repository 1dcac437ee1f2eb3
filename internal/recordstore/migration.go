package recordstore

import (
	"fmt"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/lattice-io/txncore"
)

// migrationRunner adapts a *bolt.DB to txncore.MigrationContext.
type migrationRunner struct {
	db      *bolt.DB
	schemas map[string]txncore.StoreDescriptor
}

// EnsureStore creates the named bucket if absent and records desc for
// GetAllByIndex emulation and the post-migration safety sweep.
func (m *migrationRunner) EnsureStore(desc txncore.StoreDescriptor) error {
	err := m.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(desc.Name))
		return err
	})
	if err != nil {
		return err
	}
	m.schemas[desc.Name] = desc
	return nil
}

// runMigrations applies migrations in ascending Version order, then runs a
// safety sweep confirming every declared store's bucket exists (§4.2.1).
func runMigrations(db *bolt.DB, migrations []txncore.Migration) (map[string]txncore.StoreDescriptor, error) {
	sorted := make([]txncore.Migration, len(migrations))
	copy(sorted, migrations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	runner := &migrationRunner{db: db, schemas: make(map[string]txncore.StoreDescriptor)}
	for _, mig := range sorted {
		if err := mig.Apply(runner); err != nil {
			return nil, txncore.NewError(txncore.Unknown, err, fmt.Sprintf("migration version %d failed", mig.Version))
		}
	}

	for name := range runner.schemas {
		err := db.View(func(tx *bolt.Tx) error {
			if tx.Bucket([]byte(name)) == nil {
				return fmt.Errorf("store %q missing after migration sweep", name)
			}
			return nil
		})
		if err != nil {
			return nil, txncore.NewError(txncore.Unknown, err, "post-migration safety sweep failed")
		}
	}
	return runner.schemas, nil
}
