package upto

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSweeper(store SessionStore, client SettlementClient, config SweeperConfig) *Sweeper {
	settler := NewSettler(store, client, SettlerConfig{DeadlineBufferSec: config.DeadlineBufferSec})
	return NewSweeper(store, settler, config)
}

func TestSweeperIdleSettlement(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{IdleSettle: 100 * time.Millisecond})

	session := openSession(t, store, "100000", "5000", time.Now().Unix()+3600)
	session.LastActivityMs = time.Now().Add(-150 * time.Millisecond).UnixMilli()
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())

	after, err := store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, after.Status)
	assert.Equal(t, "5000", after.SettledTotal.String())
	assert.Equal(t, "0", after.PendingSpent.String())
	require.NotNil(t, after.LastSettlement)
	assert.Equal(t, ReasonIdleTimeout, after.LastSettlement.Reason)
}

func TestSweeperSettlingRecovery(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{SettlingTimeout: 5 * time.Minute})

	session := openSession(t, store, "100000", "1000", time.Now().Unix()+3600)
	session.Status = StatusSettling
	session.SettlingSinceMs = time.Now().Add(-6 * time.Minute).UnixMilli()
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())

	after, err := store.Get(context.Background(), session.ID)
	require.NoError(t, err)
	assert.NotEqual(t, StatusSettling, after.Status, "a stale settling session must be recovered")
	assert.Equal(t, 1, client.calls)
	require.NotNil(t, after.LastSettlement)
	assert.Equal(t, ReasonSettlingTimeout, after.LastSettlement.Reason)
}

func TestSweeperFreshSettlingUntouched(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{})

	session := openSession(t, store, "100000", "1000", time.Now().Unix()+3600)
	session.Status = StatusSettling
	session.SettlingSinceMs = time.Now().UnixMilli()
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())
	assert.Equal(t, 0, client.calls)
}

func TestSweeperDeadlineBufferClosesSession(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{DeadlineBufferSec: 60})

	session := openSession(t, store, "100000", "5000", time.Now().Unix()+30)
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())

	after, _ := store.Get(context.Background(), session.ID)
	assert.Equal(t, StatusClosed, after.Status)
	assert.Equal(t, ReasonDeadlineBuffer, after.LastSettlement.Reason)
}

func TestSweeperCapThreshold(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{})

	// 95000 of 100000 pending crosses the 9/10 threshold
	session := openSession(t, store, "100000", "95000", time.Now().Unix()+3600)
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())

	after, _ := store.Get(context.Background(), session.ID)
	require.NotNil(t, after.LastSettlement)
	assert.Equal(t, ReasonCapThreshold, after.LastSettlement.Reason)
	assert.Equal(t, "95000", after.SettledTotal.String())
}

func TestSweeperAutoCloseAndDelete(t *testing.T) {
	t.Run("expired with pending settles and closes", func(t *testing.T) {
		store := NewMemoryStore()
		client := &mockSettlementClient{}
		sweeper := newTestSweeper(store, client, SweeperConfig{})

		session := openSession(t, store, "100000", "5000", time.Now().Unix()-10)
		require.NoError(t, store.Set(context.Background(), session))

		sweeper.RunOnce(context.Background())

		after, _ := store.Get(context.Background(), session.ID)
		assert.Equal(t, StatusClosed, after.Status)
	})

	t.Run("long-idle empty session is deleted", func(t *testing.T) {
		store := NewMemoryStore()
		client := &mockSettlementClient{}
		sweeper := newTestSweeper(store, client, SweeperConfig{LongIdleClose: time.Minute})

		session := openSession(t, store, "100000", "0", time.Now().Unix()+3600)
		session.LastActivityMs = time.Now().Add(-2 * time.Minute).UnixMilli()
		require.NoError(t, store.Set(context.Background(), session))

		sweeper.RunOnce(context.Background())

		after, err := store.Get(context.Background(), session.ID)
		require.NoError(t, err)
		assert.Nil(t, after)
	})

	t.Run("expired empty session is closed but kept", func(t *testing.T) {
		store := NewMemoryStore()
		client := &mockSettlementClient{}
		sweeper := newTestSweeper(store, client, SweeperConfig{})

		session := openSession(t, store, "100000", "0", time.Now().Unix()-10)
		require.NoError(t, store.Set(context.Background(), session))

		sweeper.RunOnce(context.Background())

		after, _ := store.Get(context.Background(), session.ID)
		require.NotNil(t, after)
		assert.Equal(t, StatusClosed, after.Status)
	})
}

func TestSweeperSkipsHealthySessions(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{})

	session := openSession(t, store, "100000", "5000", time.Now().Unix()+3600)
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())
	assert.Equal(t, 0, client.calls)
}

func TestSweeperLockContention(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}

	kv := NewMemoryKV()
	held := NewKVLock(kv, "sweep", time.Minute)
	acquired, err := held.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, acquired)

	sweeper := newTestSweeper(store, client, SweeperConfig{
		IdleSettle: time.Millisecond,
		Lock:       NewKVLock(kv, "sweep", time.Minute),
	})
	session := openSession(t, store, "100000", "5000", time.Now().Unix()+3600)
	session.LastActivityMs = 0
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.RunOnce(context.Background())
	assert.Equal(t, 0, client.calls, "a held lock blocks the sweep")

	require.NoError(t, held.Release(context.Background()))
	sweeper.RunOnce(context.Background())
	assert.Equal(t, 1, client.calls)
}

func TestSweeperStartStop(t *testing.T) {
	store := NewMemoryStore()
	client := &mockSettlementClient{}
	sweeper := newTestSweeper(store, client, SweeperConfig{Interval: 10 * time.Millisecond, IdleSettle: time.Millisecond})

	session := openSession(t, store, "100000", "5000", time.Now().Unix()+3600)
	session.LastActivityMs = 0
	require.NoError(t, store.Set(context.Background(), session))

	sweeper.Start()
	time.Sleep(50 * time.Millisecond)
	sweeper.Stop()

	after, _ := store.Get(context.Background(), session.ID)
	assert.Equal(t, "5000", after.SettledTotal.String())
}
