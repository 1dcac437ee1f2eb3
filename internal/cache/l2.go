package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockKey is one cross-process lock request: Key is the Redis key, LockID
// identifies this process's claim, IsOwner is filled in by Lock/IsLocked.
type LockKey struct {
	Key     string
	LockID  string
	IsOwner bool
}

// L2 is a Redis-backed distributed lock used to serialize the transaction
// pool's pooled-transaction handoff across cooperating processes.
type L2 struct {
	client *redis.Client
}

// NewL2 wraps an existing go-redis client.
func NewL2(client *redis.Client) *L2 {
	return &L2{client: client}
}

// Options mirrors the connection parameters needed to build a go-redis client.
type Options struct {
	Address  string
	Password string
	DB       int
}

// DefaultOptions returns the conventional local-development Redis target.
func DefaultOptions() Options {
	return Options{Address: "localhost:6379"}
}

// NewClient builds an L2 cache from Options.
func NewClient(opts Options) *L2 {
	return NewL2(redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	}))
}

// Lock attempts to acquire every key in keys via a pipelined SetNX, falling
// back to a pipelined Get to distinguish "already own it" from "owned by
// another process". Returns true only if every key is now owned by this
// caller.
func (l *L2) Lock(ctx context.Context, duration time.Duration, keys []*LockKey) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}

	pipe := l.client.Pipeline()
	setCmds := make([]*redis.BoolCmd, len(keys))
	for i, k := range keys {
		setCmds[i] = pipe.SetNX(ctx, k.Key, k.LockID, duration)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, err
	}

	var failed []int
	for i, cmd := range setCmds {
		set, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return false, err
		}
		if set {
			keys[i].IsOwner = true
		} else {
			failed = append(failed, i)
		}
	}
	if len(failed) == 0 {
		return true, nil
	}

	pipe = l.client.Pipeline()
	getCmds := make([]*redis.StringCmd, len(failed))
	for i, idx := range failed {
		getCmds[i] = pipe.Get(ctx, keys[idx].Key)
	}
	_, _ = pipe.Exec(ctx)

	for i, cmd := range getCmds {
		idx := failed[i]
		v, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				// Released or expired in the interim; we still don't own it.
				return false, nil
			}
			return false, err
		}
		if v == keys[idx].LockID {
			keys[idx].IsOwner = true
			continue
		}
		return false, nil
	}
	return true, nil
}

// IsLocked reports whether every key is currently owned by this caller.
func (l *L2) IsLocked(ctx context.Context, keys []*LockKey) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	pipe := l.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Get(ctx, k.Key)
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return false, err
	}

	ok := true
	var lastErr error
	for i, cmd := range cmds {
		k := keys[i]
		v, err := cmd.Result()
		if err != nil {
			k.IsOwner = false
			ok = false
			if err != redis.Nil {
				lastErr = err
			}
			continue
		}
		if v != k.LockID {
			k.IsOwner = false
			ok = false
			continue
		}
		k.IsOwner = true
	}
	return ok, lastErr
}

// Unlock releases every key this caller owns.
func (l *L2) Unlock(ctx context.Context, keys []*LockKey) error {
	if len(keys) == 0 {
		return nil
	}
	pipe := l.client.Pipeline()
	for _, k := range keys {
		if k.IsOwner {
			pipe.Del(ctx, k.Key)
		}
	}
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		return nil
	}
	return err
}

// Close releases the underlying Redis connection.
func (l *L2) Close() error {
	return l.client.Close()
}
