// Package tracking maintains the audit trail of every request that passes
// through the payment pipeline: who paid, what was verified, what settled,
// and the canonical hashes that let other systems reconcile settlements.
package tracking

import (
	"time"

	"github.com/google/uuid"
)

// PaymentDetails captures the payment attached to a request.
type PaymentDetails struct {
	Scheme      string `json:"scheme,omitempty"`
	Network     string `json:"network,omitempty"`
	NetworkType string `json:"networkType,omitempty"`
	Asset       string `json:"asset,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Payer       string `json:"payer,omitempty"`
	PayTo       string `json:"payTo,omitempty"`
}

// SettlementDetails captures the settlement outcome.
type SettlementDetails struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// UptoSessionDetails captures session accrual on an upto payment.
type UptoSessionDetails struct {
	SessionID  string `json:"sessionId"`
	SpentAfter string `json:"spentAfter,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RequestDetails captures transport metadata of the tracked request.
type RequestDetails struct {
	ClientIP    string            `json:"clientIp,omitempty"`
	UserAgent   string            `json:"userAgent,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"queryParams,omitempty"`
}

// AuditFields are the durable cross-system fingerprints of a payment:
// canonical-JSON hashes of the payload and requirements plus the hash of
// the raw signature bytes.
type AuditFields struct {
	X402Version          int    `json:"x402Version,omitempty"`
	PaymentNonce         string `json:"paymentNonce,omitempty"`
	PaymentValidBefore   string `json:"paymentValidBefore,omitempty"`
	PayloadHash          string `json:"payloadHash,omitempty"`
	RequirementsHash     string `json:"requirementsHash,omitempty"`
	PaymentSignatureHash string `json:"paymentSignatureHash,omitempty"`
}

// ResourceCallRecord is one tracked request.
type ResourceCallRecord struct {
	ID        string    `json:"id"`
	Method    string    `json:"method"`
	Path      string    `json:"path"`
	RouteKey  string    `json:"routeKey,omitempty"`
	URL       string    `json:"url,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	PaymentRequired   bool                `json:"paymentRequired"`
	PaymentVerified   bool                `json:"paymentVerified"`
	VerificationError string              `json:"verificationError,omitempty"`
	Payment           *PaymentDetails     `json:"payment,omitempty"`
	Settlement        *SettlementDetails  `json:"settlement,omitempty"`
	UptoSession       *UptoSessionDetails `json:"uptoSession,omitempty"`

	ResponseStatus  int   `json:"responseStatus,omitempty"`
	ResponseTimeMs  int64 `json:"responseTimeMs,omitempty"`
	HandlerExecuted bool  `json:"handlerExecuted"`

	Request     *RequestDetails        `json:"request,omitempty"`
	RouteConfig map[string]interface{} `json:"routeConfig,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`

	Audit AuditFields `json:"x402,omitempty"`
}

// NewRecord creates a record with a fresh UUID and the current timestamp.
func NewRecord(method, path string) *ResourceCallRecord {
	return &ResourceCallRecord{
		ID:        uuid.NewString(),
		Method:    method,
		Path:      path,
		Timestamp: time.Now().UTC(),
	}
}
