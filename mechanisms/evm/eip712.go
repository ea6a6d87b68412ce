package evm

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// TransferWithAuthorizationTypes is the EIP-712 type set for EIP-3009.
var TransferWithAuthorizationTypes = map[string][]TypedDataField{
	"TransferWithAuthorization": {
		{Name: "from", Type: "address"},
		{Name: "to", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "validAfter", Type: "uint256"},
		{Name: "validBefore", Type: "uint256"},
		{Name: "nonce", Type: "bytes32"},
	},
}

// PermitTypes is the EIP-712 type set for ERC-2612.
var PermitTypes = map[string][]TypedDataField{
	"Permit": {
		{Name: "owner", Type: "address"},
		{Name: "spender", Type: "address"},
		{Name: "value", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// HashTypedData computes the EIP-712 digest
// keccak256("\x19\x01" + domainSeparator + structHash).
func HashTypedData(
	domain TypedDataDomain,
	types map[string][]TypedDataField,
	primaryType string,
	message map[string]interface{},
) ([]byte, error) {
	typedData := apitypes.TypedData{
		Types:       make(apitypes.Types),
		PrimaryType: primaryType,
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract,
		},
		Message: message,
	}

	for typeName, fields := range types {
		converted := make([]apitypes.Type, len(fields))
		for i, field := range fields {
			converted[i] = apitypes.Type{Name: field.Name, Type: field.Type}
		}
		typedData.Types[typeName] = converted
	}

	if _, exists := typedData.Types["EIP712Domain"]; !exists {
		typedData.Types["EIP712Domain"] = []apitypes.Type{
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
			{Name: "verifyingContract", Type: "address"},
		}
	}

	structHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash struct: %w", err)
	}
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}

	rawData := []byte{0x19, 0x01}
	rawData = append(rawData, domainSeparator...)
	rawData = append(rawData, structHash...)
	return crypto.Keccak256(rawData), nil
}

// TransferWithAuthorizationMessage builds the EIP-712 message map for an
// exact authorization, with addresses checksummed and numerics as bigints.
func TransferWithAuthorizationMessage(auth ExactAuthorization) (map[string]interface{}, error) {
	value, err := ParseDecimal(auth.Value)
	if err != nil {
		return nil, err
	}
	validAfter, err := ParseDecimal(auth.ValidAfter)
	if err != nil {
		return nil, err
	}
	validBefore, err := ParseDecimal(auth.ValidBefore)
	if err != nil {
		return nil, err
	}
	nonceBytes, err := HexToBytes(auth.Nonce)
	if err != nil || len(nonceBytes) != 32 {
		return nil, fmt.Errorf("invalid nonce: %s", auth.Nonce)
	}
	return map[string]interface{}{
		"from":        common.HexToAddress(auth.From).Hex(),
		"to":          common.HexToAddress(auth.To).Hex(),
		"value":       value,
		"validAfter":  validAfter,
		"validBefore": validBefore,
		"nonce":       nonceBytes,
	}, nil
}

// PermitMessage builds the EIP-712 message map for an ERC-2612 permit.
func PermitMessage(auth UptoAuthorization) (map[string]interface{}, error) {
	value, err := ParseDecimal(auth.Value)
	if err != nil {
		return nil, err
	}
	nonce, err := ParseDecimal(auth.Nonce)
	if err != nil {
		return nil, err
	}
	deadline, err := ParseDecimal(auth.ValidBefore)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"owner":    common.HexToAddress(auth.From).Hex(),
		"spender":  common.HexToAddress(auth.To).Hex(),
		"value":    value,
		"nonce":    nonce,
		"deadline": deadline,
	}, nil
}

// DomainForAsset reconstructs the EIP-712 domain for a token, preferring
// the name/version from the requirements extra and falling back to the
// network's built-in asset info when the asset is the default one.
func DomainForAsset(chainID *big.Int, asset string, extra map[string]interface{}, config NetworkConfig) (TypedDataDomain, bool) {
	name := ""
	version := ""
	if extra != nil {
		name, _ = extra["name"].(string)
		version, _ = extra["version"].(string)
	}
	if name == "" || version == "" {
		if SameAddress(asset, config.DefaultAsset.Address) {
			if name == "" {
				name = config.DefaultAsset.Name
			}
			if version == "" {
				version = config.DefaultAsset.Version
			}
		}
	}
	if name == "" || version == "" {
		return TypedDataDomain{}, false
	}
	return TypedDataDomain{
		Name:              name,
		Version:           version,
		ChainID:           chainID,
		VerifyingContract: common.HexToAddress(asset).Hex(),
	}, true
}
