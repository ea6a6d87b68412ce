package svm

import (
	"context"
	"fmt"

	solana "github.com/gagliardetto/solana-go"
)

// FacilitatorSvmSigner is the contract the SVM exact scheme needs from a
// concrete Solana client: fee-payer signing plus RPC read.
type FacilitatorSvmSigner interface {
	// GetAddresses returns the base58 fee-payer addresses this signer
	// controls.
	GetAddresses() []string

	// SignTransaction adds the fee payer's signature to the transaction
	// in place.
	SignTransaction(ctx context.Context, tx *solana.Transaction) error

	// SimulateTransaction dry-runs the fully signed transaction and
	// returns an error when it would fail on chain.
	SimulateTransaction(ctx context.Context, tx *solana.Transaction) error

	// SendAndConfirmTransaction submits the transaction and blocks until
	// it is confirmed, returning the base58 signature.
	SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (string, error)
}

// ExactPayload is the wire payload of the SVM exact scheme: a base64
// encoded, partially signed transaction with the fee-payer slot open.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

// ExactPayloadFromMap decodes the scheme payload from its wire form.
func ExactPayloadFromMap(m map[string]interface{}) (*ExactPayload, error) {
	raw, ok := m["transaction"]
	if !ok {
		return nil, fmt.Errorf("missing transaction field")
	}
	tx, ok := raw.(string)
	if !ok || tx == "" {
		return nil, fmt.Errorf("transaction must be a non-empty string")
	}
	return &ExactPayload{Transaction: tx}, nil
}

// ToMap encodes the payload into its wire form.
func (p *ExactPayload) ToMap() map[string]interface{} {
	return map[string]interface{}{"transaction": p.Transaction}
}
