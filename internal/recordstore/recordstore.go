package recordstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sethvargo/go-retry"
	bolt "go.etcd.io/bbolt"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/cache"
	"github.com/lattice-io/txncore/internal/events"
	"github.com/lattice-io/txncore/vectorclock"
)

var _ Engine = (*RecordStore)(nil)
var _ Engine = (*FallbackEngine)(nil)

// RecordStore is the primary, bbolt-backed Engine implementation. It owns
// the native database handle, the transaction pool, the write-authority
// gate, and transparently swaps in a FallbackEngine when InitWithRetry
// cannot reach the database (§4.2.5); plain Init returns the error instead.
type RecordStore struct {
	opts    Options
	schemas map[string]txncore.StoreDescriptor

	mu sync.RWMutex
	db *bolt.DB

	pool *pool
	gate *authorityGate

	usingFallback atomic.Bool
	fallback      *FallbackEngine

	hotCache *cache.L1[string, Record]
	clock    *vectorclock.Clock
}

// New constructs a RecordStore. Call Init or InitWithRetry before use.
func New(opts Options) *RecordStore {
	opts = opts.withDefaults()
	if opts.Events == nil {
		opts.Events = noopSink{}
	}
	gate := newAuthorityGate(opts.Authority, opts.AuthorityMode, opts.ExemptStores)
	var p *pool
	if opts.DistLock != nil {
		p = newPoolWithLock(opts.DistLock, opts.DistLockTTL)
	} else {
		p = newPool()
	}
	s := &RecordStore{
		opts:  opts,
		gate:  gate,
		pool:  p,
		clock: vectorclock.New(opts.WriterID),
	}
	if opts.HotCacheSize > 0 {
		s.hotCache = cache.NewL1[string, Record](opts.HotCacheSize)
	}
	return s
}

func hotCacheKey(store, key string) string {
	return store + "\x00" + key
}

// Init opens the bbolt database once, with no retry. Prefer InitWithRetry
// in production paths per §4.2.1.
func (s *RecordStore) Init(ctx context.Context) error {
	db, err := bolt.Open(s.opts.Path, 0o600, &bolt.Options{Timeout: txncore.OpTimeout})
	if err != nil {
		return err
	}
	schemas, err := runMigrations(db, s.opts.Migrations)
	if err != nil {
		db.Close()
		return err
	}
	s.mu.Lock()
	s.db = db
	s.schemas = schemas
	s.mu.Unlock()
	s.opts.Events.Publish(events.TopicConnectionEstablished, s.opts.Path)
	return nil
}

// InitWithRetry opens the database with exponential backoff per §4.2.1. On
// exhaustion it activates the FallbackEngine instead of returning an error,
// so the caller always gets a usable Engine; IsUsingFallback reports which
// one is live.
func (s *RecordStore) InitWithRetry(ctx context.Context) error {
	backoff := retry.NewExponential(s.opts.ConnRetryBase)
	backoff = retry.WithCappedDuration(s.opts.ConnRetryCap, backoff)
	backoff = retry.WithMaxRetries(uint64(s.opts.ConnRetryAttempts-1), backoff)

	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := s.Init(ctx); err != nil {
			s.opts.Events.Publish(events.TopicConnectionRetry, fmt.Sprintf("attempt %d: %v", attempt, err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	s.opts.Events.Publish(events.TopicConnectionFailed, err.Error())
	s.activateFallback()
	s.opts.Events.Publish(events.TopicFallbackActivated, s.opts.Path)
	return nil
}

func (s *RecordStore) activateFallback() {
	known := make(map[string]map[string]IndexDescriptorLite, len(s.schemas))
	for name, desc := range s.schemas {
		idx := make(map[string]IndexDescriptorLite, len(desc.Indexes))
		for _, d := range desc.Indexes {
			idx[d.Name] = IndexDescriptorLite{KeyPath: d.KeyPath}
		}
		known[name] = idx
	}
	s.fallback = NewFallbackEngine(s.gate, known)
	s.usingFallback.Store(true)
}

// IsUsingFallback reports whether the FallbackEngine is currently serving
// requests in place of the primary bbolt database.
func (s *RecordStore) IsUsingFallback() bool {
	return s.usingFallback.Load()
}

// Close rolls back any pooled read-only transactions and releases the
// underlying database handle. Safe to call more than once; a nil or
// already-closed handle is a no-op.
func (s *RecordStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	s.pool.mu.Lock()
	for key, pt := range s.pool.entries {
		_ = pt.tx.Rollback()
		delete(s.pool.entries, key)
	}
	s.pool.mu.Unlock()
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *RecordStore) Put(ctx context.Context, store string, value Record, opts PutOptions) error {
	if s.usingFallback.Load() {
		return s.fallback.Put(ctx, store, value, opts)
	}
	if ok, err := s.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	key, err := primaryKeyOf(value)
	if err != nil {
		return err
	}
	if !opts.SkipWriteEpoch {
		value = value.Stamp(s.clock.Tick(), s.opts.WriterID)
	}

	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	return db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		existing, err := readRecord(b, key)
		if err != nil {
			return err
		}
		// SkipWriteEpoch writes (scratch records, pre-image restores) are
		// stored exactly as given, without conflict detection.
		if !opts.SkipWriteEpoch {
			resolution := DetectWriteConflict(existing, value)
			if resolution.HasConflict && resolution.Winner == WinnerExisting {
				s.opts.Events.Publish(events.TopicStorageError, fmt.Sprintf("write to %s/%s dropped: %s", store, key, resolution.Reason))
				return nil
			}
		}
		if err := writeRecord(b, key, value); err != nil {
			return err
		}
		if s.hotCache != nil {
			s.hotCache.Set(hotCacheKey(store, key), value)
		}
		return nil
	})
}

func (s *RecordStore) Get(ctx context.Context, store, key string) (Record, bool, error) {
	if s.usingFallback.Load() {
		return s.fallback.Get(ctx, store, key)
	}
	if s.hotCache != nil {
		if rec, ok := s.hotCache.Get(hotCacheKey(store, key)); ok {
			return rec.Clone(), true, nil
		}
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var out Record
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		rec, err := readRecord(b, key)
		if err != nil {
			return err
		}
		if rec != nil {
			out = rec
			found = true
		}
		return nil
	})
	if err == nil && found && s.hotCache != nil {
		s.hotCache.Set(hotCacheKey(store, key), out)
	}
	return out, found, err
}

func (s *RecordStore) GetAll(ctx context.Context, store string) ([]Record, error) {
	if s.usingFallback.Load() {
		return s.fallback.GetAll(ctx, store)
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var out []Record
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		return b.ForEach(func(k, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

func (s *RecordStore) Delete(ctx context.Context, store, key string, opts DeleteOptions) error {
	if s.usingFallback.Load() {
		return s.fallback.Delete(ctx, store, key, opts)
	}
	if ok, err := s.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		return b.Delete([]byte(key))
	})
	if err == nil && s.hotCache != nil {
		s.hotCache.Delete(hotCacheKey(store, key))
	}
	return err
}

func (s *RecordStore) Clear(ctx context.Context, store string, opts DeleteOptions) error {
	if s.usingFallback.Load() {
		return s.fallback.Clear(ctx, store, opts)
	}
	if ok, err := s.gate.allowed(store, opts.BypassAuthority); err != nil {
		return err
	} else if !ok {
		return nil
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	err := db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket([]byte(store)); err != nil {
			return err
		}
		_, err := tx.CreateBucket([]byte(store))
		return err
	})
	if err == nil && s.hotCache != nil {
		s.hotCache.Reset()
	}
	return err
}

func (s *RecordStore) Count(ctx context.Context, store string) (int, error) {
	if s.usingFallback.Load() {
		return s.fallback.Count(ctx, store)
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	n := 0
	err := db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

func (s *RecordStore) GetAllByIndex(ctx context.Context, store, index string, dir Direction) ([]Record, error) {
	if s.usingFallback.Load() {
		return s.fallback.GetAllByIndex(ctx, store, index, dir)
	}
	desc, ok := s.schemas[store]
	if !ok {
		return nil, txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
	}
	var keyPath string
	found := false
	for _, d := range desc.Indexes {
		if d.Name == index {
			keyPath = d.KeyPath
			found = true
			break
		}
	}
	if !found {
		return nil, txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("store %q has no index %q", store, index))
	}

	all, err := s.GetAll(ctx, store)
	if err != nil {
		return nil, err
	}
	sortRecordsByField(all, keyPath, dir)
	return all, nil
}

// Transaction wraps fn in a pooled native bbolt transaction scoped to
// (store, mode) per §4.2.2. Any error from fn, or from committing, aborts
// and invalidates the pool entry so no stale handle is handed out next.
func (s *RecordStore) Transaction(ctx context.Context, store string, mode txncore.TransactionMode, fn func(ctx context.Context) error) error {
	if s.usingFallback.Load() {
		return s.fallback.Transaction(ctx, store, mode, fn)
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	pt, _, err := s.pool.acquire(ctx, db, store, mode)
	if err != nil {
		return err
	}

	if err := fn(ctx); err != nil {
		s.pool.invalidate(store, mode)
		_ = pt.tx.Rollback()
		if pt.writable {
			s.pool.releaseLock(ctx, pt)
		}
		return err
	}

	if pt.writable {
		commitErr := pt.tx.Commit()
		s.pool.invalidate(store, mode)
		s.pool.releaseLock(ctx, pt)
		return commitErr
	}

	s.pool.release(store, mode, pt)
	return nil
}

// AtomicUpdate reads the current value, invokes modifier with a deep clone,
// and writes the result back inside one native write transaction.
func (s *RecordStore) AtomicUpdate(ctx context.Context, store, key string, modifier func(current Record) (Record, error)) error {
	if s.usingFallback.Load() {
		return s.fallback.AtomicUpdate(ctx, store, key, modifier)
	}
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()

	var updated Record
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store))
		if b == nil {
			return txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("unknown store %q", store))
		}
		current, err := readRecord(b, key)
		if err != nil {
			return err
		}
		var snapshot Record
		if current != nil {
			snapshot = current.Clone()
		}
		updated, err = modifier(snapshot)
		if err != nil {
			return err
		}
		updated = updated.Stamp(s.clock.Tick(), s.opts.WriterID)
		return writeRecord(b, key, updated)
	})
	if err == nil && s.hotCache != nil {
		s.hotCache.Set(hotCacheKey(store, key), updated)
	}
	return err
}
