package upto

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Lock serializes sweeps across replicas. Acquire returns false when
// another holder owns the lock; Release must only release a lock this
// instance still holds.
type Lock interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// NoopLock always acquires. Suitable for single-process deployments where
// the in-process sweep guard is enough.
type NoopLock struct{}

func (NoopLock) Acquire(ctx context.Context) (bool, error) { return true, nil }
func (NoopLock) Release(ctx context.Context) error         { return nil }

// KVLock is a short-TTL lock on a KV backend. Each acquire writes a fresh
// per-acquirer token; release is a compare-and-delete on that token so a
// lock that expired and was re-acquired elsewhere is never released by the
// old holder.
type KVLock struct {
	kv    KV
	key   string
	ttl   time.Duration
	token string
}

// NewKVLock creates a lock on the given key. TTL 0 defaults to 1 minute.
func NewKVLock(kv KV, key string, ttl time.Duration) *KVLock {
	if ttl == 0 {
		ttl = time.Minute
	}
	return &KVLock{kv: kv, key: key, ttl: ttl}
}

func (l *KVLock) Acquire(ctx context.Context) (bool, error) {
	token := uuid.NewString()
	ok, err := l.kv.SetNX(ctx, l.key, token, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	return true, nil
}

func (l *KVLock) Release(ctx context.Context) error {
	if l.token == "" {
		return nil
	}
	_, err := l.kv.CompareAndDelete(ctx, l.key, l.token)
	l.token = ""
	return err
}
