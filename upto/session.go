// Package upto manages the server-side lifecycle of upto payment
// sessions: accrual tracking against a signed permit's cap, deferred
// settlement, and background sweeping.
package upto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/x402kit/facilitator"
	evm "github.com/x402kit/facilitator/mechanisms/evm"
)

// SchemeName is the payment scheme this package manages sessions for.
const SchemeName = "upto"

// SessionStatus is the lifecycle state of an upto session.
type SessionStatus string

const (
	StatusOpen     SessionStatus = "open"
	StatusSettling SessionStatus = "settling"
	StatusClosed   SessionStatus = "closed"
)

// Settlement reasons recorded on sessions.
const (
	ReasonIdleTimeout     = "idle_timeout"
	ReasonDeadlineBuffer  = "deadline_buffer"
	ReasonCapThreshold    = "cap_threshold"
	ReasonAutoClose       = "auto_close"
	ReasonSettlingTimeout = "settling_timeout"
	ReasonManualClose     = "manual_close"
)

// SettlementRecord captures the outcome of the most recent settlement
// attempt on a session.
type SettlementRecord struct {
	AtMs    int64                       `json:"atMs"`
	Reason  string                      `json:"reason"`
	Receipt *facilitator.SettleResponse `json:"receipt"`
}

// Session is the accrual state for one signed permit. Amounts are
// unbounded integers; ownership sits with the store and all mutation goes
// through load, modify, store.
type Session struct {
	ID           string        `json:"id"`
	Cap          *big.Int      `json:"-"`
	Deadline     int64         `json:"deadline"`
	PendingSpent *big.Int      `json:"-"`
	SettledTotal *big.Int      `json:"-"`
	Status       SessionStatus `json:"status"`

	LastActivityMs  int64 `json:"lastActivityMs"`
	SettlingSinceMs int64 `json:"settlingSinceMs,omitempty"`

	PaymentPayload      *facilitator.PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *facilitator.PaymentRequirements `json:"paymentRequirements"`

	LastSettlement *SettlementRecord `json:"lastSettlement,omitempty"`
}

// Clone returns a deep enough copy for safe mutation: amounts are copied,
// payload and requirements are shared since they are immutable once
// attached.
func (s *Session) Clone() *Session {
	out := *s
	out.Cap = new(big.Int).Set(s.Cap)
	out.PendingSpent = new(big.Int).Set(s.PendingSpent)
	out.SettledTotal = new(big.Int).Set(s.SettledTotal)
	if s.LastSettlement != nil {
		rec := *s.LastSettlement
		out.LastSettlement = &rec
	}
	return &out
}

// SessionID computes the deterministic fingerprint of a permit so that
// identical permits always land on the same session: a hash of
// (network, asset, payer, cap, deadline, nonce).
func SessionID(payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (string, error) {
	auth, err := permitAuthorization(payload)
	if err != nil {
		return "", err
	}
	material := strings.Join([]string{
		string(requirements.Network),
		strings.ToLower(requirements.Asset),
		strings.ToLower(auth.From),
		auth.Value,
		auth.ValidBefore,
		auth.Nonce,
	}, "|")
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// NewSession builds an open session from a permit payload, pinning cap and
// deadline from the authorization.
func NewSession(id string, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements, now time.Time) (*Session, error) {
	auth, err := permitAuthorization(payload)
	if err != nil {
		return nil, err
	}
	capValue, ok := new(big.Int).SetString(auth.Value, 10)
	if !ok || capValue.Sign() < 0 {
		return nil, fmt.Errorf("invalid permit cap: %s", auth.Value)
	}
	var deadline big.Int
	if _, ok := deadline.SetString(auth.ValidBefore, 10); !ok {
		return nil, fmt.Errorf("invalid permit deadline: %s", auth.ValidBefore)
	}
	return &Session{
		ID:                  id,
		Cap:                 capValue,
		Deadline:            deadline.Int64(),
		PendingSpent:        new(big.Int),
		SettledTotal:        new(big.Int),
		Status:              StatusOpen,
		LastActivityMs:      now.UnixMilli(),
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, nil
}

func permitAuthorization(payload *facilitator.PaymentPayload) (*evm.UptoAuthorization, error) {
	if payload == nil || payload.Payload == nil {
		return nil, fmt.Errorf("missing payment payload")
	}
	uptoPayload, err := evm.UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return nil, fmt.Errorf("not an upto permit payload: %w", err)
	}
	return &uptoPayload.Authorization, nil
}
