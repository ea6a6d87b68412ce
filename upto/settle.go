package upto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/x402kit/facilitator"
)

// ReasonStoreWriteFailed marks a settlement attempt that never reached the
// chain because the settling transition could not be persisted.
const ReasonStoreWriteFailed = "store_write_failed"

// SettlementClient submits an upto settlement. Both the in-process engine
// and the HTTP facilitator client satisfy it.
type SettlementClient interface {
	Settle(ctx context.Context, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (*facilitator.SettleResponse, error)
}

// Settler drives sessions through the open -> settling -> open/closed
// state machine. The exclusive settling status is the lock: concurrent
// callers observing it return without submitting.
type Settler struct {
	store             SessionStore
	client            SettlementClient
	deadlineBufferSec int64
	logger            *slog.Logger
	now               func() time.Time
}

// SettlerConfig tunes a Settler.
type SettlerConfig struct {
	// DeadlineBufferSec closes a session after settling when the deadline
	// is closer than this. Default 60.
	DeadlineBufferSec int64
	// Logger for persistence failures. Nil means slog.Default().
	Logger *slog.Logger
}

// NewSettler creates a settler over the store and settlement client.
func NewSettler(store SessionStore, client SettlementClient, config SettlerConfig) *Settler {
	buffer := config.DeadlineBufferSec
	if buffer == 0 {
		buffer = DefaultDeadlineBufferSec
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Settler{
		store:             store,
		client:            client,
		deadlineBufferSec: buffer,
		logger:            logger,
		now:               time.Now,
	}
}

// SettleSession settles the session's pending spend. A nil response with
// nil error means there was nothing to do (missing session, concurrent
// settle in flight, or no pending spend without closeAfter).
func (s *Settler) SettleSession(ctx context.Context, sessionID, reason string, closeAfter bool) (*facilitator.SettleResponse, error) {
	session, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, nil
	}
	if session.Status == StatusSettling {
		return nil, nil
	}

	now := s.now()
	if session.PendingSpent.Sign() == 0 {
		if closeAfter && session.Status == StatusOpen {
			session.Status = StatusClosed
			if err := s.store.Set(ctx, session); err != nil {
				return nil, fmt.Errorf("failed to close session %s: %w", sessionID, err)
			}
		}
		return nil, nil
	}

	initialStatus := session.Status
	session.Status = StatusSettling
	session.SettlingSinceMs = now.UnixMilli()
	if err := s.store.Set(ctx, session); err != nil {
		// Never submit without the settling guard persisted: annotate the
		// failure and restore the session as best we can.
		session.Status = initialStatus
		session.SettlingSinceMs = 0
		session.LastSettlement = &SettlementRecord{
			AtMs:   now.UnixMilli(),
			Reason: reason,
			Receipt: &facilitator.SettleResponse{
				Success:     false,
				ErrorReason: ReasonStoreWriteFailed,
				Network:     session.PaymentRequirements.Network,
			},
		}
		if setErr := s.store.Set(ctx, session); setErr != nil {
			s.logger.Error("failed to annotate session after store write failure",
				"sessionId", sessionID, "error", setErr)
		}
		return nil, fmt.Errorf("failed to persist settling state for %s: %w", sessionID, err)
	}

	receipt := s.submit(ctx, session)

	if receipt.Success {
		session.SettledTotal.Add(session.SettledTotal, session.PendingSpent)
		session.PendingSpent.SetInt64(0)
	}
	session.LastSettlement = &SettlementRecord{
		AtMs:    s.now().UnixMilli(),
		Reason:  reason,
		Receipt: receipt,
	}
	session.Status = s.nextStatus(session, receipt.Success, closeAfter, initialStatus)
	session.SettlingSinceMs = 0

	if err := s.store.Set(ctx, session); err != nil {
		return receipt, fmt.Errorf("failed to persist settlement result for %s: %w", sessionID, err)
	}
	return receipt, nil
}

// submit calls the settlement client with the pending amount, converting
// any transport error into a failed receipt.
func (s *Settler) submit(ctx context.Context, session *Session) *facilitator.SettleResponse {
	requirements := *session.PaymentRequirements
	requirements.Amount = session.PendingSpent.String()

	receipt, err := s.client.Settle(ctx, session.PaymentPayload, &requirements)
	if err != nil {
		return &facilitator.SettleResponse{
			Success:     false,
			ErrorReason: err.Error(),
			Network:     requirements.Network,
		}
	}
	return receipt
}

func (s *Settler) nextStatus(session *Session, success, closeAfter bool, initialStatus SessionStatus) SessionStatus {
	if success {
		if closeAfter ||
			session.SettledTotal.Cmp(session.Cap) >= 0 ||
			session.Deadline <= s.now().Unix()+s.deadlineBufferSec {
			return StatusClosed
		}
		return StatusOpen
	}
	// Manual close wins even on failure so clients can stop accrual;
	// pendingSpent is retained and a later closeAfter settle may retry.
	if closeAfter {
		return StatusClosed
	}
	return initialStatus
}
