package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/x402kit/facilitator"
)

// DefaultSettlementCacheTTL keeps a settlement result long enough to
// absorb client retries after timeouts.
const DefaultSettlementCacheTTL = 5 * time.Minute

// SettlementCache makes POST /settle idempotent per payment payload:
// results are cached by payload hash and concurrent retries of an
// in-flight settlement wait for the first submission instead of
// double-submitting on chain.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*facilitator.SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// NewSettlementCache creates a cache with the given result TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementCacheTTL
	}
	return &SettlementCache{
		results:  make(map[string]*facilitator.SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementKey derives the cache key from the raw payload bytes. The
// payload carries the signature and nonce, so the hash is unique per
// payment attempt.
func SettlementKey(payloadBytes []byte) string {
	sum := sha256.Sum256(payloadBytes)
	return hex.EncodeToString(sum[:])
}

// SettlementCacheStatus is the outcome of a cache lookup.
type SettlementCacheStatus int

const (
	// SettlementNotFound means the caller should settle and report back.
	SettlementNotFound SettlementCacheStatus = iota
	// SettlementCached means a fresh result was found.
	SettlementCached
	// SettlementInFlight means another request is settling this payment.
	SettlementInFlight
)

// CheckAndMark atomically resolves the key: a cached result, a wait
// channel for an in-flight settlement, or a done channel the caller owns
// after being marked in-flight.
func (c *SettlementCache) CheckAndMark(key string) (SettlementCacheStatus, *facilitator.SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, exists := c.expiry[key]; exists {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return SettlementCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, exists := c.inFlight[key]; exists {
		return SettlementInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return SettlementNotFound, nil, done
}

// WaitForResult blocks until the in-flight settlement completes or the
// context expires. A nil result means the settlement failed and may be
// retried.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*facilitator.SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached result for the key, or nil when absent or
// expired.
func (c *SettlementCache) Get(key string) *facilitator.SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.expiry[key]
	if !exists {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete caches the settlement result and releases waiters.
func (c *SettlementCache) Complete(key string, response *facilitator.SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range c.expiry {
		if now.After(exp) {
			delete(c.results, k)
			delete(c.expiry, k)
		}
	}
}

// Fail clears the in-flight marker without caching so waiters retry.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}
