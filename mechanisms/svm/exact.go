// Package svm implements the exact payment scheme for Solana networks.
// The client submits a partially signed transaction with the fee-payer
// slot open; the facilitator validates it, co-signs as fee payer and
// submits it.
package svm

import (
	"context"
	"encoding/base64"
	"fmt"

	bin "github.com/gagliardetto/binary"
	solana "github.com/gagliardetto/solana-go"

	"github.com/x402kit/facilitator"
)

// ExactSchemeConfig tunes an exact SVM scheme instance.
type ExactSchemeConfig struct {
	// Networks restricts the scheme to these identifiers. Empty means
	// every network with built-in configuration.
	Networks []facilitator.Network
}

// ExactSvmFacilitator verifies and settles exact SVM payments.
type ExactSvmFacilitator struct {
	signer   FacilitatorSvmSigner
	networks []facilitator.Network
}

// NewExactSvmFacilitator creates an exact scheme for the signer.
func NewExactSvmFacilitator(signer FacilitatorSvmSigner, config ExactSchemeConfig) *ExactSvmFacilitator {
	networks := config.Networks
	if len(networks) == 0 {
		for _, n := range SupportedNetworks() {
			networks = append(networks, facilitator.Network(n))
		}
	}
	return &ExactSvmFacilitator{signer: signer, networks: networks}
}

func (f *ExactSvmFacilitator) Scheme() string { return SchemeExact }

func (f *ExactSvmFacilitator) Networks() []facilitator.Network { return f.networks }

// GetExtra advertises the facilitator's fee-payer address so clients can
// build transactions against it.
func (f *ExactSvmFacilitator) GetExtra(network facilitator.Network) map[string]interface{} {
	addresses := f.signer.GetAddresses()
	if len(addresses) == 0 {
		return nil
	}
	return map[string]interface{}{"feePayer": addresses[0]}
}

func (f *ExactSvmFacilitator) GetSigners(network facilitator.Network) []string {
	return f.signer.GetAddresses()
}

// Verify decodes the transaction, checks that the fee payer is one of the
// facilitator's addresses and that the payload simulates cleanly once
// co-signed.
func (f *ExactSvmFacilitator) Verify(
	ctx context.Context,
	payload *facilitator.PaymentPayload,
	requirements *facilitator.PaymentRequirements,
) (*facilitator.VerifyResponse, error) {
	if payload.Accepted.Scheme != SchemeExact || requirements.Scheme != SchemeExact {
		return invalid(facilitator.ReasonUnsupportedScheme), nil
	}
	if payload.Accepted.Network != requirements.Network {
		return invalid(facilitator.ReasonNetworkMismatch), nil
	}
	if !f.handlesNetwork(requirements.Network) {
		return invalid(facilitator.ReasonNetworkMismatch), nil
	}

	tx, err := f.decodeTransaction(payload.Payload)
	if err != nil {
		return invalid(ReasonInvalidSvmTransaction), nil
	}

	if !f.isFacilitatorFeePayer(tx) {
		return invalid(ReasonFeePayerMismatch), nil
	}
	payer, err := payerAddress(tx)
	if err != nil {
		return invalid(ReasonInvalidSvmPayload), nil
	}

	signed, err := f.cosign(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := f.signer.SimulateTransaction(ctx, signed); err != nil {
		return invalid(ReasonSimulationFailed), nil
	}

	return &facilitator.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies, co-signs as fee payer and submits the transaction,
// blocking until confirmation.
func (f *ExactSvmFacilitator) Settle(
	ctx context.Context,
	payload *facilitator.PaymentPayload,
	requirements *facilitator.PaymentRequirements,
) (*facilitator.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verifyResp.IsValid {
		return &facilitator.SettleResponse{
			Success:     false,
			ErrorReason: verifyResp.InvalidReason,
			Network:     requirements.Network,
		}, nil
	}

	tx, _ := f.decodeTransaction(payload.Payload)
	signed, err := f.cosign(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}

	signature, err := f.signer.SendAndConfirmTransaction(ctx, signed)
	if err != nil {
		return &facilitator.SettleResponse{
			Success:     false,
			ErrorReason: facilitator.ReasonTransactionFailed,
			Network:     requirements.Network,
		}, nil
	}

	return &facilitator.SettleResponse{
		Success:     true,
		Transaction: signature,
		Network:     requirements.Network,
		Payer:       verifyResp.Payer,
	}, nil
}

func (f *ExactSvmFacilitator) handlesNetwork(network facilitator.Network) bool {
	for _, n := range f.networks {
		if n == network {
			return true
		}
	}
	if caip2, ok := LegacyNetworkNames[string(network)]; ok {
		for _, n := range f.networks {
			if string(n) == caip2 {
				return true
			}
		}
	}
	return false
}

// decodeTransaction parses the base64 wire transaction. A fresh copy is
// returned on each call so Verify and Settle never share signature state.
func (f *ExactSvmFacilitator) decodeTransaction(payload map[string]interface{}) (*solana.Transaction, error) {
	svmPayload, err := ExactPayloadFromMap(payload)
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(svmPayload.Transaction)
	if err != nil {
		return nil, fmt.Errorf("invalid base64 transaction: %w", err)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	if err != nil {
		return nil, fmt.Errorf("invalid transaction encoding: %w", err)
	}
	if len(tx.Message.AccountKeys) == 0 {
		return nil, fmt.Errorf("transaction has no accounts")
	}
	return tx, nil
}

// isFacilitatorFeePayer checks that the first account, which pays fees,
// belongs to this facilitator.
func (f *ExactSvmFacilitator) isFacilitatorFeePayer(tx *solana.Transaction) bool {
	feePayer := tx.Message.AccountKeys[0].String()
	for _, addr := range f.signer.GetAddresses() {
		if addr == feePayer {
			return true
		}
	}
	return false
}

// payerAddress returns the client's signing account: the first required
// signer after the fee payer.
func payerAddress(tx *solana.Transaction) (string, error) {
	numSigners := int(tx.Message.Header.NumRequiredSignatures)
	if numSigners < 2 || len(tx.Message.AccountKeys) < numSigners {
		return "", fmt.Errorf("transaction needs a payer signature besides the fee payer")
	}
	return tx.Message.AccountKeys[1].String(), nil
}

func (f *ExactSvmFacilitator) cosign(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if err := f.signer.SignTransaction(ctx, tx); err != nil {
		return nil, err
	}
	return tx, nil
}

func invalid(reason string) *facilitator.VerifyResponse {
	return &facilitator.VerifyResponse{IsValid: false, InvalidReason: reason}
}
