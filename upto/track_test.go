package upto

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
	evm "github.com/x402kit/facilitator/mechanisms/evm"
)

func permitPayload(capValue string, deadline int64, nonce string) *facilitator.PaymentPayload {
	payload := evm.UptoPayload{
		Signature: "0x" + "ab",
		Authorization: evm.UptoAuthorization{
			From:        "0xAaBbCcDdEeFf00112233445566778899aAbBcCdD",
			To:          "0x1111111111111111111111111111111111111111",
			Value:       capValue,
			Nonce:       nonce,
			ValidBefore: fmt.Sprintf("%d", deadline),
		},
	}
	return &facilitator.PaymentPayload{
		X402Version: 2,
		Accepted:    facilitator.AcceptedRequirements{Scheme: "upto", Network: "eip155:84532"},
		Payload:     payload.ToMap(),
	}
}

func permitRequirements(amount string) *facilitator.PaymentRequirements {
	return &facilitator.PaymentRequirements{
		Scheme:  "upto",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  amount,
		PayTo:   "0x1234567890123456789012345678901234567890",
	}
}

func TestSessionIDIsDeterministic(t *testing.T) {
	deadline := time.Now().Unix() + 3600
	payload := permitPayload("100000", deadline, "0")

	first, err := SessionID(payload, permitRequirements("10000"))
	require.NoError(t, err)
	second, err := SessionID(payload, permitRequirements("20000"))
	require.NoError(t, err)
	assert.Equal(t, first, second, "amount must not change the session identity")

	other, err := SessionID(permitPayload("100000", deadline, "1"), permitRequirements("10000"))
	require.NoError(t, err)
	assert.NotEqual(t, first, other, "distinct nonces are distinct sessions")
}

func TestTrackAccrualAndCap(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, TrackerConfig{})
	deadline := time.Now().Unix() + 3600
	payload := permitPayload("100000", deadline, "0")

	first, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
	require.NoError(t, err)
	require.True(t, first.Success, first.Error)
	assert.Equal(t, "10000", first.SpentAfter.String())

	second, err := tracker.Track(context.Background(), payload, permitRequirements("20000"))
	require.NoError(t, err)
	require.True(t, second.Success, second.Error)
	assert.Equal(t, "30000", second.SpentAfter.String())

	third, err := tracker.Track(context.Background(), payload, permitRequirements("75000"))
	require.NoError(t, err)
	assert.False(t, third.Success)
	assert.Equal(t, facilitator.ReasonCapExhausted, third.Error)

	session, err := store.Get(context.Background(), first.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "30000", session.PendingSpent.String(), "rejected accrual must not change the session")
	assert.Equal(t, StatusOpen, session.Status)
}

func TestTrackRejectsByStatus(t *testing.T) {
	deadline := time.Now().Unix() + 3600
	payload := permitPayload("100000", deadline, "0")

	tests := []struct {
		name   string
		status SessionStatus
		reason string
	}{
		{"settling", StatusSettling, facilitator.ReasonSettlingInProgress},
		{"closed", StatusClosed, facilitator.ReasonSessionClosed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemoryStore()
			tracker := NewTracker(store, TrackerConfig{})

			created, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
			require.NoError(t, err)
			require.True(t, created.Success)

			session, err := store.Get(context.Background(), created.SessionID)
			require.NoError(t, err)
			session.Status = tc.status
			require.NoError(t, store.Set(context.Background(), session))

			result, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
			require.NoError(t, err)
			assert.False(t, result.Success)
			assert.Equal(t, tc.reason, result.Error)
		})
	}
}

func TestTrackRejectsCloseDeadline(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, TrackerConfig{DeadlineBufferSec: 60})
	payload := permitPayload("100000", time.Now().Unix()+30, "0")

	result, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, facilitator.ReasonDeadlineTooClose, result.Error)
}

func TestTrackStoreFailure(t *testing.T) {
	store := &failingStore{SessionStore: NewMemoryStore(), failSet: true}
	tracker := NewTracker(store, TrackerConfig{})
	payload := permitPayload("100000", time.Now().Unix()+3600, "0")

	result, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, facilitator.ReasonSessionCreationFailed, result.Error)
}

func TestTrackConcurrentAccrualNeverExceedsCap(t *testing.T) {
	store := NewMemoryStore()
	tracker := NewTracker(store, TrackerConfig{})
	payload := permitPayload("100000", time.Now().Unix()+3600, "0")

	var wg sync.WaitGroup
	successes := make(chan struct{}, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := tracker.Track(context.Background(), payload, permitRequirements("10000"))
			if err == nil && result.Success {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 10, count, "exactly cap/amount accruals may succeed")

	id, err := SessionID(payload, permitRequirements("10000"))
	require.NoError(t, err)
	session, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "100000", session.PendingSpent.String())
}

func TestTrackingErrorStatus(t *testing.T) {
	assert.Equal(t, 409, TrackingErrorStatus(facilitator.ReasonSettlingInProgress))
	assert.Equal(t, 410, TrackingErrorStatus(facilitator.ReasonSessionClosed))
	assert.Equal(t, 403, TrackingErrorStatus(facilitator.ReasonDeadlineTooClose))
	assert.Equal(t, 402, TrackingErrorStatus(facilitator.ReasonCapExhausted))
	assert.Equal(t, 500, TrackingErrorStatus(facilitator.ReasonSessionCreationFailed))
	assert.Equal(t, 500, TrackingErrorStatus("anything_else"))
}

// failingStore wraps a SessionStore and fails selected operations.
type failingStore struct {
	SessionStore
	failSet  bool
	failGet  bool
	setsLeft int
}

func (f *failingStore) Set(ctx context.Context, session *Session) error {
	if f.failSet {
		if f.setsLeft > 0 {
			f.setsLeft--
			return f.SessionStore.Set(ctx, session)
		}
		return fmt.Errorf("store unavailable")
	}
	return f.SessionStore.Set(ctx, session)
}

func (f *failingStore) Get(ctx context.Context, id string) (*Session, error) {
	if f.failGet {
		return nil, fmt.Errorf("store unavailable")
	}
	return f.SessionStore.Get(ctx, id)
}
