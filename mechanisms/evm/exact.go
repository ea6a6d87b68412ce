package evm

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/x402kit/facilitator"
)

// ExactSchemeConfig tunes an exact EVM scheme instance.
type ExactSchemeConfig struct {
	// Networks restricts the scheme to these identifiers. Empty means
	// every network with built-in configuration.
	Networks []facilitator.Network

	// DeployERC4337WithEIP6492 accepts ERC-6492 counterfactual signatures
	// from undeployed smart wallets.
	DeployERC4337WithEIP6492 bool
}

// ExactEvmFacilitator verifies and settles exact EVM payments backed by
// EIP-3009 transferWithAuthorization.
type ExactEvmFacilitator struct {
	signer          FacilitatorEvmSigner
	networks        []facilitator.Network
	allowUndeployed bool
}

// NewExactEvmFacilitator creates an exact scheme for the signer.
func NewExactEvmFacilitator(signer FacilitatorEvmSigner, config ExactSchemeConfig) *ExactEvmFacilitator {
	networks := config.Networks
	if len(networks) == 0 {
		for _, n := range SupportedNetworks() {
			networks = append(networks, facilitator.Network(n))
		}
	}
	return &ExactEvmFacilitator{
		signer:          signer,
		networks:        networks,
		allowUndeployed: config.DeployERC4337WithEIP6492,
	}
}

func (f *ExactEvmFacilitator) Scheme() string { return SchemeExact }

func (f *ExactEvmFacilitator) Networks() []facilitator.Network { return f.networks }

func (f *ExactEvmFacilitator) GetExtra(network facilitator.Network) map[string]interface{} {
	config, ok := GetNetworkConfig(string(network))
	if !ok {
		return nil
	}
	return map[string]interface{}{
		"name":    config.DefaultAsset.Name,
		"version": config.DefaultAsset.Version,
	}
}

func (f *ExactEvmFacilitator) GetSigners(network facilitator.Network) []string {
	return f.signer.GetAddresses()
}

// Verify checks the payload's EIP-712 authorization against the
// requirements: scheme and network match, recipient and amount match,
// the time window holds, the nonce is unused, the payer has funds and
// the signature recovers to the payer.
func (f *ExactEvmFacilitator) Verify(
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

	chainID, config, err := chainIDForNetwork(requirements.Network)
	if err != nil {
		return invalid(facilitator.ReasonInvalidChainID), nil
	}

	evmPayload, err := ExactPayloadFromMap(payload.Payload)
	if err != nil {
		return invalid(fmt.Sprintf("invalid payload: %v", err)), nil
	}
	if evmPayload.Signature == "" {
		return invalid("missing signature"), nil
	}

	asset, err := CanonicalAddress(requirements.Asset)
	if err != nil {
		return invalid(fmt.Sprintf("invalid asset: %s", requirements.Asset)), nil
	}
	payer, err := CanonicalAddress(evmPayload.Authorization.From)
	if err != nil {
		return invalid(fmt.Sprintf("invalid payer address: %s", evmPayload.Authorization.From)), nil
	}

	if !SameAddress(evmPayload.Authorization.To, requirements.PayTo) {
		return invalid("recipient mismatch"), nil
	}

	authValue, err := ParseDecimal(evmPayload.Authorization.Value)
	if err != nil {
		return invalid("invalid authorization value"), nil
	}
	requiredValue, err := ParseDecimal(requirements.Amount)
	if err != nil {
		return invalid(fmt.Sprintf("invalid required amount: %s", requirements.Amount)), nil
	}
	if authValue.Cmp(requiredValue) != 0 {
		return invalid("authorization value does not match required amount"), nil
	}

	validAfter, err := ParseDecimal(evmPayload.Authorization.ValidAfter)
	if err != nil {
		return invalid("invalid validAfter"), nil
	}
	validBefore, err := ParseDecimal(evmPayload.Authorization.ValidBefore)
	if err != nil {
		return invalid("invalid validBefore"), nil
	}
	now := time.Now().Unix()
	if validAfter.Cmp(big.NewInt(now+ClockSkewSeconds)) > 0 {
		return invalid(facilitator.ReasonNotYetValid), nil
	}
	if validBefore.Cmp(big.NewInt(now+ValidityMarginSeconds)) < 0 {
		return invalid(facilitator.ReasonAuthorizationExpired), nil
	}

	used, err := f.nonceUsed(ctx, payer, evmPayload.Authorization.Nonce, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to check nonce: %w", err)
	}
	if used {
		return invalid("nonce already used"), nil
	}

	balance, err := f.signer.GetBalance(ctx, payer, asset)
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}
	if balance.Cmp(authValue) < 0 {
		return invalid("insufficient balance"), nil
	}

	domain, ok := DomainForAsset(chainID, asset, requirements.Extra, config)
	if !ok {
		return invalid(facilitator.ReasonMissingEIP712Domain), nil
	}

	signature, err := HexToBytes(evmPayload.Signature)
	if err != nil {
		return invalid("invalid signature format"), nil
	}
	message, err := TransferWithAuthorizationMessage(evmPayload.Authorization)
	if err != nil {
		return invalid(fmt.Sprintf("invalid authorization: %v", err)), nil
	}

	valid, err := f.verifySignature(ctx, payer, domain, message, signature)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	if !valid {
		return invalid(facilitator.ReasonInvalidAuthorizationSignature), nil
	}

	return &facilitator.VerifyResponse{IsValid: true, Payer: payer}, nil
}

// Settle re-verifies the payload and then submits
// transferWithAuthorization, waiting for the receipt.
func (f *ExactEvmFacilitator) Settle(
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

	evmPayload, _ := ExactPayloadFromMap(payload.Payload)
	asset, _ := CanonicalAddress(requirements.Asset)

	signature, _ := HexToBytes(evmPayload.Signature)
	sigR, sigS, sigV, err := SplitSignature(signature)
	if err != nil {
		return f.failed(requirements, facilitator.ReasonUnsupportedSignatureType, ""), nil
	}

	value, _ := ParseDecimal(evmPayload.Authorization.Value)
	validAfter, _ := ParseDecimal(evmPayload.Authorization.ValidAfter)
	validBefore, _ := ParseDecimal(evmPayload.Authorization.ValidBefore)
	nonceBytes, err := HexToBytes(evmPayload.Authorization.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return f.failed(requirements, facilitator.ReasonTransactionFailed, ""), nil
	}

	txHash, err := f.signer.WriteContract(
		ctx,
		asset,
		TransferWithAuthorizationABI,
		FunctionTransferWithAuthorization,
		evmPayload.Authorization.From,
		evmPayload.Authorization.To,
		value,
		validAfter,
		validBefore,
		[32]byte(nonceBytes),
		sigV,
		sigR,
		sigS,
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
		Payer:       verifyResp.Payer,
	}, nil
}

func (f *ExactEvmFacilitator) handlesNetwork(network facilitator.Network) bool {
	return networkEnabled(f.networks, network)
}

func chainIDForNetwork(network facilitator.Network) (*big.Int, NetworkConfig, error) {
	config, ok := GetNetworkConfig(string(network))
	if ok {
		return config.ChainID, config, nil
	}
	_, reference, err := network.Parse()
	if err != nil {
		return nil, NetworkConfig{}, err
	}
	chainID, ok := new(big.Int).SetString(reference, 10)
	if !ok {
		return nil, NetworkConfig{}, fmt.Errorf("invalid chain id: %s", reference)
	}
	return chainID, NetworkConfig{ChainID: chainID}, nil
}

func (f *ExactEvmFacilitator) nonceUsed(ctx context.Context, from, nonce, asset string) (bool, error) {
	nonceBytes, err := HexToBytes(nonce)
	if err != nil || len(nonceBytes) != 32 {
		return false, fmt.Errorf("invalid nonce: %s", nonce)
	}
	result, err := f.signer.ReadContract(ctx, asset, AuthorizationStateABI, FunctionAuthorizationState, from, [32]byte(nonceBytes))
	if err != nil {
		return false, err
	}
	used, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected result type from authorizationState")
	}
	return used, nil
}

func (f *ExactEvmFacilitator) verifySignature(
	ctx context.Context,
	payer string,
	domain TypedDataDomain,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	if f.allowUndeployed {
		digest, err := HashTypedData(domain, TransferWithAuthorizationTypes, "TransferWithAuthorization", message)
		if err != nil {
			return false, err
		}
		valid, _, err := VerifyUniversalSignature(ctx, f.signer, payer, [32]byte(digest), signature, true)
		return valid, err
	}
	return f.signer.VerifyTypedData(ctx, payer, domain, TransferWithAuthorizationTypes, "TransferWithAuthorization", message, signature)
}

func (f *ExactEvmFacilitator) failed(requirements *facilitator.PaymentRequirements, reason, txHash string) *facilitator.SettleResponse {
	return &facilitator.SettleResponse{
		Success:     false,
		ErrorReason: reason,
		Transaction: txHash,
		Network:     requirements.Network,
	}
}

func invalid(reason string) *facilitator.VerifyResponse {
	return &facilitator.VerifyResponse{IsValid: false, InvalidReason: reason}
}
