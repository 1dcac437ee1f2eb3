package recordstore

import (
	"time"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/cache"
)

// Options configures a RecordStore at construction time.
type Options struct {
	// Path is the bbolt database file path.
	Path string
	// Migrations declares the schema migrated at Init time, in ascending
	// Migration.Version order; see migration.go.
	Migrations []txncore.Migration
	// Authority gates writes per §4.2.3. Nil defaults to AlwaysAllow.
	Authority txncore.WriteAuthority
	// AuthorityMode selects Permissive or Strict denial handling.
	AuthorityMode AuthorityMode
	// ExemptStores always bypass the authority gate (e.g. compensation logs).
	ExemptStores []string
	// ConnRetryAttempts, ConnRetryBase, ConnRetryCap parameterize the
	// exponential backoff InitWithRetry runs against Path's filesystem
	// availability. Zero values fall back to the package defaults.
	ConnRetryAttempts int
	ConnRetryBase     time.Duration
	ConnRetryCap      time.Duration
	// Events receives connection/fallback lifecycle notifications. Nil is
	// a valid no-op sink.
	Events txncore.EventSink
	// DistLock, when non-nil, serializes writable transaction-pool
	// acquisitions across cooperating processes sharing this store (§5)
	// via a Redis-backed lock keyed by (store, mode), in addition to
	// bbolt's own single-writer file lock.
	DistLock *cache.L2
	// DistLockTTL bounds how long a claimed distributed lock survives
	// without being released, guarding against a crashed holder. Zero
	// defaults to OpTimeout.
	DistLockTTL time.Duration
	// HotCacheSize, when greater than zero, enables an in-process L1 MRU
	// cache of up to that many (store, key) records, checked ahead of the
	// bbolt handle on Get (a miss fills it), kept warm on Put/AtomicUpdate,
	// invalidated on Delete and reset on Clear.
	HotCacheSize int
	// WriterID identifies this engine's own writes for vector-clock stamping
	// and conflict tiebreaks (§4.2.4). Empty generates a random id.
	WriterID string
}

func (o Options) withDefaults() Options {
	if o.ConnRetryAttempts <= 0 {
		o.ConnRetryAttempts = txncore.ConnRetryAttempts
	}
	if o.ConnRetryBase <= 0 {
		o.ConnRetryBase = txncore.ConnRetryBase
	}
	if o.ConnRetryCap <= 0 {
		o.ConnRetryCap = txncore.ConnRetryCap
	}
	if o.DistLockTTL <= 0 {
		o.DistLockTTL = txncore.OpTimeout
	}
	if o.WriterID == "" {
		o.WriterID = txncore.NewUUID().String()
	}
	return o
}

type noopSink struct{}

func (noopSink) Publish(string, any) {}
