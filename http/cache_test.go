package http

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
)

func TestSettlementCacheHit(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := SettlementKey([]byte("payload"))

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, SettlementNotFound, status)

	response := &facilitator.SettleResponse{Success: true, Transaction: "0xabc"}
	cache.Complete(key, response, done)

	status, cached, _ := cache.CheckAndMark(key)
	require.Equal(t, SettlementCached, status)
	assert.Equal(t, "0xabc", cached.Transaction)
}

func TestSettlementCacheExpiry(t *testing.T) {
	cache := NewSettlementCache(10 * time.Millisecond)
	key := SettlementKey([]byte("payload"))

	_, _, done := cache.CheckAndMark(key)
	cache.Complete(key, &facilitator.SettleResponse{Success: true}, done)

	time.Sleep(20 * time.Millisecond)
	status, _, done := cache.CheckAndMark(key)
	assert.Equal(t, SettlementNotFound, status)
	cache.Fail(key, done)
}

func TestSettlementCacheCoalescesInFlight(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := SettlementKey([]byte("payload"))

	status, _, done := cache.CheckAndMark(key)
	require.Equal(t, SettlementNotFound, status)

	waiterStatus, _, wait := cache.CheckAndMark(key)
	require.Equal(t, SettlementInFlight, waiterStatus)

	var wg sync.WaitGroup
	wg.Add(1)
	var waited *facilitator.SettleResponse
	go func() {
		defer wg.Done()
		result, err := cache.WaitForResult(context.Background(), key, wait)
		assert.NoError(t, err)
		waited = result
	}()

	cache.Complete(key, &facilitator.SettleResponse{Success: true, Transaction: "0xdef"}, done)
	wg.Wait()

	require.NotNil(t, waited)
	assert.Equal(t, "0xdef", waited.Transaction)
}

func TestSettlementCacheFailAllowsRetry(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := SettlementKey([]byte("payload"))

	_, _, done := cache.CheckAndMark(key)
	cache.Fail(key, done)

	// Nothing cached, the next caller settles again.
	status, _, retry := cache.CheckAndMark(key)
	assert.Equal(t, SettlementNotFound, status)
	cache.Fail(key, retry)
}

func TestSettlementCacheWaitRespectsContext(t *testing.T) {
	cache := NewSettlementCache(time.Minute)
	key := SettlementKey([]byte("payload"))
	_, _, done := cache.CheckAndMark(key)
	defer cache.Fail(key, done)

	_, _, wait := cache.CheckAndMark(key)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := cache.WaitForResult(ctx, key, wait)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSettlementKeyIsPerPayload(t *testing.T) {
	assert.NotEqual(t, SettlementKey([]byte("a")), SettlementKey([]byte("b")))
	assert.Equal(t, SettlementKey([]byte("a")), SettlementKey([]byte("a")))
}
