package upto

import (
	"context"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/x402kit/facilitator"
)

// DefaultDeadlineBufferSec is the minimum remaining permit lifetime for
// new accrual.
const DefaultDeadlineBufferSec = 60

// TrackingResult is the outcome of attaching a payment to a session.
// Rejections are values carrying the state-error reason.
type TrackingResult struct {
	Success    bool     `json:"success"`
	Error      string   `json:"error,omitempty"`
	SessionID  string   `json:"sessionId"`
	SpentAfter *big.Int `json:"-"`
}

// trackingStatusCodes maps tracking rejection reasons to HTTP statuses.
var trackingStatusCodes = map[string]int{
	facilitator.ReasonSettlingInProgress:    http.StatusConflict,
	facilitator.ReasonSessionClosed:         http.StatusGone,
	facilitator.ReasonDeadlineTooClose:      http.StatusForbidden,
	facilitator.ReasonCapExhausted:          http.StatusPaymentRequired,
	facilitator.ReasonSessionCreationFailed: http.StatusInternalServerError,
}

// TrackingErrorStatus returns the HTTP status for a tracking rejection
// reason, defaulting to 500 for unknown reasons.
func TrackingErrorStatus(reason string) int {
	if status, ok := trackingStatusCodes[reason]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// Tracker attaches verified upto payments to sessions, accruing spend
// against the permit cap. All steps for one session run inside a per-id
// critical section so concurrent requests never lose an accrual.
type Tracker struct {
	store             SessionStore
	deadlineBufferSec int64
	now               func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// TrackerConfig tunes a Tracker.
type TrackerConfig struct {
	// DeadlineBufferSec rejects accrual when the permit deadline is closer
	// than this. Default 60.
	DeadlineBufferSec int64
}

// NewTracker creates a tracker over the store.
func NewTracker(store SessionStore, config TrackerConfig) *Tracker {
	buffer := config.DeadlineBufferSec
	if buffer == 0 {
		buffer = DefaultDeadlineBufferSec
	}
	return &Tracker{
		store:             store,
		deadlineBufferSec: buffer,
		now:               time.Now,
		locks:             make(map[string]*sync.Mutex),
	}
}

// Track fingerprints the permit, creates the session on first sight and
// accrues requirements.Amount against it.
func (t *Tracker) Track(
	ctx context.Context,
	payload *facilitator.PaymentPayload,
	requirements *facilitator.PaymentRequirements,
) (*TrackingResult, error) {
	sessionID, err := SessionID(payload, requirements)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(requirements.Amount, 10)
	if !ok || amount.Sign() < 0 {
		return nil, errInvalidAmount(requirements.Amount)
	}

	unlock := t.lockSession(sessionID)
	defer unlock()

	session, err := t.store.Get(ctx, sessionID)
	if err != nil {
		return &TrackingResult{Success: false, Error: facilitator.ReasonSessionCreationFailed, SessionID: sessionID}, nil
	}
	now := t.now()
	if session == nil {
		session, err = NewSession(sessionID, payload, requirements, now)
		if err != nil {
			return nil, err
		}
		if err := t.store.Set(ctx, session); err != nil {
			return &TrackingResult{Success: false, Error: facilitator.ReasonSessionCreationFailed, SessionID: sessionID}, nil
		}
	}

	switch session.Status {
	case StatusSettling:
		return &TrackingResult{Success: false, Error: facilitator.ReasonSettlingInProgress, SessionID: sessionID}, nil
	case StatusClosed:
		return &TrackingResult{Success: false, Error: facilitator.ReasonSessionClosed, SessionID: sessionID}, nil
	}

	if session.Deadline <= now.Unix()+t.deadlineBufferSec {
		return &TrackingResult{Success: false, Error: facilitator.ReasonDeadlineTooClose, SessionID: sessionID}, nil
	}

	tentative := new(big.Int).Add(session.SettledTotal, session.PendingSpent)
	tentative.Add(tentative, amount)
	if tentative.Cmp(session.Cap) > 0 {
		return &TrackingResult{Success: false, Error: facilitator.ReasonCapExhausted, SessionID: sessionID}, nil
	}

	session.PendingSpent.Add(session.PendingSpent, amount)
	session.LastActivityMs = now.UnixMilli()
	if err := t.store.Set(ctx, session); err != nil {
		return &TrackingResult{Success: false, Error: facilitator.ReasonSessionCreationFailed, SessionID: sessionID}, nil
	}

	return &TrackingResult{
		Success:    true,
		SessionID:  sessionID,
		SpentAfter: new(big.Int).Set(session.PendingSpent),
	}, nil
}

// lockSession returns the unlock func for the session's critical section.
func (t *Tracker) lockSession(id string) func() {
	t.mu.Lock()
	lock, ok := t.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		t.locks[id] = lock
	}
	t.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

type errInvalidAmount string

func (e errInvalidAmount) Error() string { return "invalid amount: " + string(e) }
