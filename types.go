// Package facilitator implements the server side of the x402 payment
// protocol: a scheme registry, a verify/settle engine with lifecycle hooks,
// and the wire types shared by the mechanisms, the stores and the HTTP
// pipeline.
package facilitator

import (
	"fmt"
	"strings"
)

// Network is a blockchain network identifier in CAIP-2 format,
// family:reference (e.g. "eip155:8453" for Base mainnet). Legacy x402 v1
// network names ("base", "base-sepolia") carry no colon.
type Network string

// Parse splits the network into its CAIP-2 family and reference components.
func (n Network) Parse() (family, reference string, err error) {
	parts := strings.SplitN(string(n), ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid network format: %s", n)
	}
	return parts[0], parts[1], nil
}

// Family returns the CAIP-2 namespace, or the whole identifier for legacy
// (colon-free) v1 network names.
func (n Network) Family() string {
	family, _, err := n.Parse()
	if err != nil {
		return string(n)
	}
	return family
}

// IsLegacy reports whether the identifier is a pre-CAIP x402 v1 network name.
func (n Network) IsLegacy() bool {
	return !strings.Contains(string(n), ":")
}

// PaymentRequirements declares what payment a resource server accepts.
// The engine only routes on Scheme and Network; the rest is interpreted by
// the mechanism registered for that pair.
type PaymentRequirements struct {
	Scheme            string                 `json:"scheme"`
	Network           Network                `json:"network"`
	Asset             string                 `json:"asset"`
	Amount            string                 `json:"amount"`
	PayTo             string                 `json:"payTo"`
	Resource          string                 `json:"resource,omitempty"`
	Description       string                 `json:"description,omitempty"`
	MaxTimeoutSeconds int                    `json:"maxTimeoutSeconds,omitempty"`
	Extra             map[string]interface{} `json:"extra,omitempty"`
}

// AcceptedRequirements mirrors the subset of the requirements the client
// chose when constructing its payload.
type AcceptedRequirements struct {
	Scheme  string  `json:"scheme"`
	Network Network `json:"network"`
	Asset   string  `json:"asset,omitempty"`
}

// PaymentPayload is the signed payment authorization presented by a client.
// Payload is scheme-specific and decoded by the mechanism.
type PaymentPayload struct {
	X402Version int                    `json:"x402Version"`
	Accepted    AcceptedRequirements   `json:"accepted"`
	Payload     map[string]interface{} `json:"payload"`
}

// VerifyResponse is the result of verifying a payment payload.
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse is the result of settling a payment. A successful exact
// settlement carries the on-chain transaction hash; an upto session
// settlement may return an empty Transaction when nothing was due.
type SettleResponse struct {
	Success     bool    `json:"success"`
	ErrorReason string  `json:"errorReason,omitempty"`
	Payer       string  `json:"payer,omitempty"`
	Transaction string  `json:"transaction"`
	Network     Network `json:"network"`
}

// SupportedKind is one (version, scheme, network) combination the
// facilitator can verify and settle.
type SupportedKind struct {
	X402Version int                    `json:"x402Version"`
	Scheme      string                 `json:"scheme"`
	Network     Network                `json:"network"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// SupportedResponse describes everything a facilitator supports. Signers
// maps each concrete network to the addresses that can sign or pay for
// transactions on it.
type SupportedResponse struct {
	Kinds      []SupportedKind      `json:"kinds"`
	Extensions []string             `json:"extensions"`
	Signers    map[Network][]string `json:"signers"`
}

// VerifyRequest is the body of POST /verify.
type VerifyRequest struct {
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// SettleRequest is the body of POST /settle.
type SettleRequest struct {
	PaymentPayload      *PaymentPayload      `json:"paymentPayload"`
	PaymentRequirements *PaymentRequirements `json:"paymentRequirements"`
}

// ValidatePaymentPayload checks the fields every payload must carry before
// it is routed to a mechanism.
func ValidatePaymentPayload(p *PaymentPayload) error {
	if p == nil {
		return fmt.Errorf("payment payload is required")
	}
	if p.X402Version < 1 {
		return fmt.Errorf("unsupported x402 version: %d", p.X402Version)
	}
	if p.Accepted.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if p.Accepted.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if p.Payload == nil {
		return fmt.Errorf("payment payload body is required")
	}
	return nil
}

// ValidatePaymentRequirements checks the fields every requirements object
// must carry before it is routed to a mechanism.
func ValidatePaymentRequirements(r *PaymentRequirements) error {
	if r == nil {
		return fmt.Errorf("payment requirements are required")
	}
	if r.Scheme == "" {
		return fmt.Errorf("payment scheme is required")
	}
	if r.Network == "" {
		return fmt.Errorf("payment network is required")
	}
	if r.Asset == "" {
		return fmt.Errorf("payment asset is required")
	}
	if r.Amount == "" {
		return fmt.Errorf("payment amount is required")
	}
	if r.PayTo == "" {
		return fmt.Errorf("payment recipient is required")
	}
	return nil
}
