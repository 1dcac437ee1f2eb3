package recordstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/lattice-io/txncore"
	"github.com/lattice-io/txncore/internal/cache"
)

// pooledTx is one native bbolt transaction held in the pool, keyed by
// (store, mode).
type pooledTx struct {
	tx       *bolt.Tx
	writable bool
	lockKey  *cache.LockKey
}

// pool implements §4.2.2: at most one pooled transaction per (store, mode)
// key, a mutex per key serializing acquisition, and immediate invalidation
// of the pool entry on handoff so concurrent callers never race a
// check-then-use window. When distLock is configured, a writable
// acquisition also claims a Redis-backed cross-process lock on the same
// key (§5's "multiple processes may share the same underlying record
// store"), so cooperating processes serialize around the pool key instead
// of racing bbolt's own single-writer lock.
type pool struct {
	mu      sync.Mutex
	keyMus  map[string]*sync.Mutex
	entries map[string]*pooledTx

	distLock *cache.L2
	lockTTL  time.Duration
}

func newPool() *pool {
	return &pool{
		keyMus:  make(map[string]*sync.Mutex),
		entries: make(map[string]*pooledTx),
	}
}

func newPoolWithLock(distLock *cache.L2, lockTTL time.Duration) *pool {
	p := newPool()
	p.distLock = distLock
	p.lockTTL = lockTTL
	return p
}

func poolKey(store string, mode txncore.TransactionMode) string {
	return fmt.Sprintf("%s|%d", store, mode)
}

func distLockKey(key string) string {
	return "txncore:pool:" + key
}

func (p *pool) keyMutex(key string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	m, ok := p.keyMus[key]
	if !ok {
		m = &sync.Mutex{}
		p.keyMus[key] = m
	}
	return m
}

// acquire returns the pooled transaction for (store, mode) if one is
// present, invalidating that pool slot in the same critical section; it
// reports whether the returned transaction was reused. A fresh writable
// acquisition first claims the distributed lock, if configured.
func (p *pool) acquire(ctx context.Context, db *bolt.DB, store string, mode txncore.TransactionMode) (*pooledTx, bool, error) {
	key := poolKey(store, mode)
	km := p.keyMutex(key)
	km.Lock()
	defer km.Unlock()

	p.mu.Lock()
	entry, ok := p.entries[key]
	if ok {
		delete(p.entries, key)
	}
	p.mu.Unlock()

	if ok {
		return entry, true, nil
	}

	writable := mode == txncore.ForWriting

	var lockKey *cache.LockKey
	if writable && p.distLock != nil {
		lockKey = &cache.LockKey{Key: distLockKey(key), LockID: txncore.NewUUID().String()}
		acquired, err := p.distLock.Lock(ctx, p.lockTTL, []*cache.LockKey{lockKey})
		if err != nil {
			return nil, false, err
		}
		if !acquired {
			return nil, false, txncore.NewError(txncore.Unknown, nil, fmt.Sprintf("pool key %q held by another process", key))
		}
	}

	tx, err := db.Begin(writable)
	if err != nil {
		if lockKey != nil {
			_ = p.distLock.Unlock(ctx, []*cache.LockKey{lockKey})
		}
		return nil, false, err
	}
	return &pooledTx{tx: tx, writable: writable, lockKey: lockKey}, false, nil
}

// release returns a still-open, read-only transaction to the pool for
// reuse; write transactions and finished transactions are never pooled.
func (p *pool) release(store string, mode txncore.TransactionMode, pt *pooledTx) {
	if pt.writable {
		return
	}
	key := poolKey(store, mode)
	p.mu.Lock()
	p.entries[key] = pt
	p.mu.Unlock()
}

// invalidate drops any pooled entry for (store, mode), called when a
// transaction aborts or errors so no caller can hand out a dead handle.
// Only read-only transactions are ever pooled (see release), so this never
// needs to touch a distributed lock claim; writable transactions release
// their lock via releaseLock instead.
func (p *pool) invalidate(store string, mode txncore.TransactionMode) {
	key := poolKey(store, mode)
	p.mu.Lock()
	delete(p.entries, key)
	p.mu.Unlock()
}

// releaseLock unlocks pt's distributed lock claim, if any. Called once a
// writable transaction has committed, aborted, or errored, since writable
// transactions are never pooled for reuse.
func (p *pool) releaseLock(ctx context.Context, pt *pooledTx) {
	if pt.lockKey != nil && p.distLock != nil {
		_ = p.distLock.Unlock(ctx, []*cache.LockKey{pt.lockKey})
	}
}
