package starknet

import (
	"context"
	"fmt"

	"github.com/x402kit/facilitator"
)

// ExactSchemeConfig tunes an exact Starknet scheme instance.
type ExactSchemeConfig struct {
	// Networks restricts the scheme to these identifiers. Empty means
	// mainnet and sepolia.
	Networks []facilitator.Network
}

// ExactStarknetFacilitator verifies and settles exact Starknet payments
// through a sponsoring paymaster.
type ExactStarknetFacilitator struct {
	paymaster Paymaster
	networks  []facilitator.Network
}

// NewExactStarknetFacilitator creates an exact scheme for the paymaster.
func NewExactStarknetFacilitator(paymaster Paymaster, config ExactSchemeConfig) *ExactStarknetFacilitator {
	networks := config.Networks
	if len(networks) == 0 {
		networks = []facilitator.Network{
			facilitator.Network(StarknetMainnetCAIP2),
			facilitator.Network(StarknetSepoliaCAIP2),
		}
	}
	return &ExactStarknetFacilitator{paymaster: paymaster, networks: networks}
}

func (f *ExactStarknetFacilitator) Scheme() string { return SchemeExact }

func (f *ExactStarknetFacilitator) Networks() []facilitator.Network { return f.networks }

func (f *ExactStarknetFacilitator) GetExtra(network facilitator.Network) map[string]interface{} {
	return map[string]interface{}{"sponsor": f.paymaster.SponsorAddress()}
}

func (f *ExactStarknetFacilitator) GetSigners(network facilitator.Network) []string {
	return []string{f.paymaster.SponsorAddress()}
}

// Verify checks the payload shape and asks the paymaster to validate the
// typed-data signature.
func (f *ExactStarknetFacilitator) Verify(
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

	starkPayload, err := ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(ReasonInvalidStarknetPayload), nil
	}

	valid, err := f.paymaster.ValidateTypedData(ctx, starkPayload.From, starkPayload.TypedData, starkPayload.Signature)
	if err != nil {
		return nil, fmt.Errorf("paymaster validation failed: %w", err)
	}
	if !valid {
		return invalid(ReasonPaymasterRejected), nil
	}

	return &facilitator.VerifyResponse{IsValid: true, Payer: starkPayload.From}, nil
}

// Settle re-verifies and submits the typed data for sponsored execution.
func (f *ExactStarknetFacilitator) Settle(
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

	starkPayload, _ := ExactPayloadFromMap(payload.Payload)
	txHash, err := f.paymaster.ExecuteTypedData(ctx, starkPayload.From, starkPayload.TypedData, starkPayload.Signature)
	if err != nil {
		return &facilitator.SettleResponse{
			Success:     false,
			ErrorReason: facilitator.ReasonTransactionFailed,
			Network:     requirements.Network,
		}, nil
	}

	return &facilitator.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       verifyResp.Payer,
	}, nil
}

func (f *ExactStarknetFacilitator) handlesNetwork(network facilitator.Network) bool {
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

func invalid(reason string) *facilitator.VerifyResponse {
	return &facilitator.VerifyResponse{IsValid: false, InvalidReason: reason}
}
