package evm

import (
	"bytes"
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// erc6492MagicBytes is the 32-byte suffix marking an ERC-6492 wrapped
// signature: bytes32(uint256(keccak256("erc6492.invalid.signature")) - 1).
var erc6492MagicBytes = common.Hex2Bytes(
	"6492649264926492649264926492649264926492649264926492649264926492",
)

// eip1271MagicValue is bytes4(keccak256("isValidSignature(bytes32,bytes)")).
var eip1271MagicValue = [4]byte{0x16, 0x26, 0xba, 0x7e}

const eip1271ABI = `[{
	"inputs": [
		{"type": "bytes32", "name": "hash"},
		{"type": "bytes", "name": "signature"}
	],
	"name": "isValidSignature",
	"outputs": [{"type": "bytes4", "name": "magicValue"}],
	"stateMutability": "view",
	"type": "function"
}]`

// IsERC6492Signature reports whether sig carries the ERC-6492 magic suffix.
func IsERC6492Signature(sig []byte) bool {
	return len(sig) >= 32 && bytes.Equal(sig[len(sig)-32:], erc6492MagicBytes)
}

// ParseERC6492Signature unwraps an ERC-6492 signature into its factory,
// factory calldata and inner signature. A plain signature comes back
// unchanged as the inner signature.
func ParseERC6492Signature(sig []byte) (*ERC6492SignatureData, error) {
	if !IsERC6492Signature(sig) {
		return &ERC6492SignatureData{InnerSignature: sig}, nil
	}

	payload := sig[:len(sig)-32]

	addressTy, err := abi.NewType("address", "", nil)
	if err != nil {
		return nil, err
	}
	bytesTy, err := abi.NewType("bytes", "", nil)
	if err != nil {
		return nil, err
	}
	arguments := abi.Arguments{
		{Type: addressTy},
		{Type: bytesTy},
		{Type: bytesTy},
	}

	unpacked, err := arguments.Unpack(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid erc-6492 signature: %w", err)
	}
	if len(unpacked) != 3 {
		return nil, fmt.Errorf("invalid erc-6492 signature: expected 3 fields, got %d", len(unpacked))
	}

	factory, ok := unpacked[0].(common.Address)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: factory is not an address")
	}
	factoryCalldata, ok := unpacked[1].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: factory calldata is not bytes")
	}
	innerSignature, ok := unpacked[2].([]byte)
	if !ok {
		return nil, fmt.Errorf("invalid erc-6492 signature: inner signature is not bytes")
	}

	data := &ERC6492SignatureData{
		FactoryCalldata: factoryCalldata,
		InnerSignature:  innerSignature,
	}
	copy(data.Factory[:], factory.Bytes())
	return data, nil
}

// VerifyEOASignature verifies a 65-byte ECDSA signature by public key
// recovery, adjusting the Ethereum v value (27/28) for SigToPub.
func VerifyEOASignature(hash []byte, signature []byte, expected common.Address) (bool, error) {
	if len(signature) != 65 {
		return false, fmt.Errorf("invalid EOA signature length: %d", len(signature))
	}
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubKey, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return false, err
	}
	return crypto.PubkeyToAddress(*pubKey) == expected, nil
}

// VerifyEIP1271Signature asks a deployed smart contract wallet whether it
// considers the signature valid for the hash.
func VerifyEIP1271Signature(
	ctx context.Context,
	signer FacilitatorEvmSigner,
	wallet string,
	hash [32]byte,
	signature []byte,
) (bool, error) {
	result, err := signer.ReadContract(ctx, wallet, []byte(eip1271ABI), "isValidSignature", hash, signature)
	if err != nil {
		return false, err
	}

	var resultBytes []byte
	switch v := result.(type) {
	case []byte:
		resultBytes = v
	case [4]byte:
		resultBytes = v[:]
	default:
		return false, fmt.Errorf("unexpected return type from isValidSignature")
	}
	if len(resultBytes) < 4 {
		return false, fmt.Errorf("short return value from isValidSignature")
	}

	var magic [4]byte
	copy(magic[:], resultBytes[:4])
	return magic == eip1271MagicValue, nil
}

// VerifyUniversalSignature verifies EOA, EIP-1271 and ERC-6492
// counterfactual signatures behind one entry point. A 65-byte signature
// without deployment info takes the recovery fast path and skips GetCode.
func VerifyUniversalSignature(
	ctx context.Context,
	signer FacilitatorEvmSigner,
	signerAddress string,
	hash [32]byte,
	signature []byte,
	allowUndeployed bool,
) (bool, *ERC6492SignatureData, error) {
	sigData, err := ParseERC6492Signature(signature)
	if err != nil {
		return false, nil, err
	}

	zeroFactory := [20]byte{}
	if len(sigData.InnerSignature) == 65 && sigData.Factory == zeroFactory {
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, common.HexToAddress(signerAddress))
		return valid, sigData, err
	}

	code, err := signer.GetCode(ctx, signerAddress)
	if err != nil {
		return false, nil, err
	}

	if len(code) == 0 {
		hasDeploymentInfo := sigData.Factory != zeroFactory && len(sigData.FactoryCalldata) > 0
		if hasDeploymentInfo {
			if !allowUndeployed {
				return false, nil, fmt.Errorf("undeployed smart wallet signatures not enabled")
			}
			// Counterfactual wallet: validate through the on-chain
			// UniversalSigValidator, which simulates the deployment.
			valid, err := signer.ReadContract(
				ctx,
				UniversalSigValidatorAddress,
				UniversalSigValidatorABI,
				"isValidSig",
				common.HexToAddress(signerAddress),
				hash,
				signature,
			)
			if err != nil {
				return false, nil, err
			}
			ok, _ := valid.(bool)
			return ok, sigData, nil
		}
		valid, err := VerifyEOASignature(hash[:], sigData.InnerSignature, common.HexToAddress(signerAddress))
		return valid, sigData, err
	}

	valid, err := VerifyEIP1271Signature(ctx, signer, signerAddress, hash, sigData.InnerSignature)
	return valid, sigData, err
}
