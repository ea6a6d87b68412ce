package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/x402kit/facilitator"
)

// UptoSchemeConfig tunes an upto EVM scheme instance.
type UptoSchemeConfig struct {
	// Networks restricts the scheme to these identifiers. Empty means
	// every network with built-in configuration.
	Networks []facilitator.Network
}

// UptoEvmFacilitator verifies ERC-2612 permits whose value acts as a
// spending cap, and settles accumulated charges by calling permit then
// transferFrom. The permit spender must be one of the facilitator's own
// addresses so that transferFrom succeeds.
type UptoEvmFacilitator struct {
	signer   FacilitatorEvmSigner
	networks []facilitator.Network
}

// NewUptoEvmFacilitator creates an upto scheme for the signer.
func NewUptoEvmFacilitator(signer FacilitatorEvmSigner, config UptoSchemeConfig) *UptoEvmFacilitator {
	networks := config.Networks
	if len(networks) == 0 {
		for _, n := range SupportedNetworks() {
			networks = append(networks, facilitator.Network(n))
		}
	}
	return &UptoEvmFacilitator{signer: signer, networks: networks}
}

func (f *UptoEvmFacilitator) Scheme() string { return SchemeUpto }

func (f *UptoEvmFacilitator) Networks() []facilitator.Network { return f.networks }

func (f *UptoEvmFacilitator) GetExtra(network facilitator.Network) map[string]interface{} {
	config, ok := GetNetworkConfig(string(network))
	if !ok {
		return nil
	}
	return map[string]interface{}{
		"name":    config.DefaultAsset.Name,
		"version": config.DefaultAsset.Version,
	}
}

func (f *UptoEvmFacilitator) GetSigners(network facilitator.Network) []string {
	return f.signer.GetAddresses()
}

// Verify checks the permit: the spender must be a facilitator address, the
// cap must cover the required amount (and maxAmountRequired when given),
// the deadline must not be imminent, and the signature must recover to
// the owner.
func (f *UptoEvmFacilitator) Verify(
	ctx context.Context,
	payload *facilitator.PaymentPayload,
	requirements *facilitator.PaymentRequirements,
) (*facilitator.VerifyResponse, error) {
	if payload.Accepted.Scheme != SchemeUpto || requirements.Scheme != SchemeUpto {
		return invalid(facilitator.ReasonUnsupportedScheme), nil
	}
	if payload.Accepted.Network != requirements.Network {
		return invalid(facilitator.ReasonNetworkMismatch), nil
	}
	if !networkEnabled(f.networks, requirements.Network) {
		return invalid(facilitator.ReasonNetworkMismatch), nil
	}

	chainID, config, err := chainIDForNetwork(requirements.Network)
	if err != nil {
		return invalid(facilitator.ReasonInvalidChainID), nil
	}

	permit, err := UptoPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}
	if permit.Signature == "" {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}

	asset, err := CanonicalAddress(requirements.Asset)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}
	owner, err := CanonicalAddress(permit.Authorization.From)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}
	spender, err := CanonicalAddress(permit.Authorization.To)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}

	if !ContainsAddress(f.signer.GetAddresses(), spender) {
		return invalid(facilitator.ReasonSpenderNotFacilitator), nil
	}

	capValue, err := ParseDecimal(permit.Authorization.Value)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}
	required, err := ParseDecimal(requirements.Amount)
	if err != nil {
		return invalid(fmt.Sprintf("invalid required amount: %s", requirements.Amount)), nil
	}
	if capValue.Cmp(required) < 0 {
		return invalid(facilitator.ReasonCapTooLow), nil
	}
	if requirements.Extra != nil {
		if maxStr, ok := requirements.Extra["maxAmountRequired"].(string); ok {
			maxRequired, err := ParseDecimal(maxStr)
			if err != nil {
				return invalid(fmt.Sprintf("invalid maxAmountRequired: %s", maxStr)), nil
			}
			if capValue.Cmp(maxRequired) < 0 {
				return invalid(facilitator.ReasonCapBelowRequiredMax), nil
			}
		}
	}

	deadline, err := ParseDecimal(permit.Authorization.ValidBefore)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}
	if deadline.Cmp(big.NewInt(time.Now().Unix()+ValidityMarginSeconds)) < 0 {
		return invalid(facilitator.ReasonAuthorizationExpired), nil
	}

	domain, ok := DomainForAsset(chainID, asset, requirements.Extra, config)
	if !ok {
		return invalid(facilitator.ReasonMissingEIP712Domain), nil
	}

	signature, err := HexToBytes(permit.Signature)
	if err != nil {
		return invalid(facilitator.ReasonInvalidPermitSignature), nil
	}
	message, err := PermitMessage(permit.Authorization)
	if err != nil {
		return invalid(facilitator.ReasonInvalidUptoEvmPayload), nil
	}

	valid, err := f.signer.VerifyTypedData(ctx, owner, domain, PermitTypes, "Permit", message, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to verify permit signature: %w", err)
	}
	if !valid {
		return invalid(facilitator.ReasonInvalidPermitSignature), nil
	}

	return &facilitator.VerifyResponse{IsValid: true, Payer: owner}, nil
}

// Settle submits permit(owner, spender, cap, deadline, v, r, s) and then
// transferFrom(owner, payTo, amount). A reverted permit falls back to an
// allowance read: a prior settlement in the same session consumes the
// permit nonce but leaves allowance behind, which is still spendable.
func (f *UptoEvmFacilitator) Settle(
	ctx context.Context,
	payload *facilitator.PaymentPayload,
	requirements *facilitator.PaymentRequirements,
) (*facilitator.SettleResponse, error) {
	verifyResp, err := f.Verify(ctx, payload, requirements)
	if err != nil {
		return nil, err
	}
	if !verifyResp.IsValid {
		return f.failed(requirements, verifyResp.InvalidReason, ""), nil
	}

	permit, _ := UptoPayloadFromMap(payload.Payload)
	asset, _ := CanonicalAddress(requirements.Asset)
	owner := verifyResp.Payer
	spender, _ := CanonicalAddress(permit.Authorization.To)

	signature, err := HexToBytes(permit.Signature)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonUnsupportedSignatureType, ""), nil
	}
	sigR, sigS, sigV, err := SplitSignature(signature)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonUnsupportedSignatureType, ""), nil
	}

	capValue, _ := ParseDecimal(permit.Authorization.Value)
	deadline, _ := ParseDecimal(permit.Authorization.ValidBefore)
	totalSpent, err := ParseDecimal(requirements.Amount)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonInvalidUptoEvmPayload, ""), nil
	}
	if totalSpent.Cmp(capValue) > 0 {
		return f.failed(requirements, facilitator.ReasonTotalExceedsCap, ""), nil
	}

	permitOK := true
	permitHash, err := f.signer.WriteContract(
		ctx,
		asset,
		PermitABI,
		FunctionPermit,
		owner,
		spender,
		capValue,
		deadline,
		sigV,
		sigR,
		sigS,
	)
	if err != nil {
		permitOK = false
	} else if receipt, rerr := f.signer.WaitForTransactionReceipt(ctx, permitHash); rerr != nil || receipt.Status != TxStatusSuccess {
		permitOK = false
	}

	if !permitOK {
		// Commonly the permit nonce was consumed by an earlier settlement
		// of the same session; remaining allowance decides.
		allowance, aerr := f.readAllowance(ctx, asset, owner, spender)
		if aerr != nil {
			return f.failed(requirements, facilitator.ReasonPermitFailed, ""), nil
		}
		if allowance.Cmp(totalSpent) < 0 {
			return f.failed(requirements, facilitator.ReasonInsufficientAllowance, ""), nil
		}
	}

	payTo, err := CanonicalAddress(requirements.PayTo)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonTransactionFailed, ""), nil
	}
	txHash, err := f.signer.WriteContract(
		ctx,
		asset,
		ERC20TransferFromABI,
		FunctionTransferFrom,
		owner,
		payTo,
		totalSpent,
	)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonTransactionFailed, ""), nil
	}
	receipt, err := f.signer.WaitForTransactionReceipt(ctx, txHash)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonTransactionFailed, txHash), nil
	}
	if receipt.Status != TxStatusSuccess {
		return f.failed(requirements, facilitator.ReasonInvalidTransactionState, txHash), nil
	}

	return &facilitator.SettleResponse{
		Success:     true,
		Transaction: txHash,
		Network:     requirements.Network,
		Payer:       owner,
	}, nil
}

func (f *UptoEvmFacilitator) readAllowance(ctx context.Context, asset, owner, spender string) (*big.Int, error) {
	result, err := f.signer.ReadContract(ctx, asset, ERC20AllowanceABI, FunctionAllowance, owner, spender)
	if err != nil {
		return nil, err
	}
	allowance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from allowance")
	}
	return allowance, nil
}

func (f *UptoEvmFacilitator) failed(requirements *facilitator.PaymentRequirements, reason, txHash string) *facilitator.SettleResponse {
	return &facilitator.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Transaction: txHash,
		Network:     requirements.Network,
	}
}
