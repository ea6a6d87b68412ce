// Package evm implements the exact and upto x402 payment schemes for
// EVM networks. Exact payments use EIP-3009 transferWithAuthorization;
// upto payments use an ERC-2612 permit settled later by transferFrom.
package evm

import (
	"context"
	"fmt"
	"math/big"
)

// ExactAuthorization is the signed EIP-3009 TransferWithAuthorization data
// carried in an exact payment payload. All numeric fields are decimal
// strings; Nonce is a 32-byte hex string.
type ExactAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactPayload is the scheme-specific payload for exact EVM payments.
type ExactPayload struct {
	Signature     string             `json:"signature"`
	Authorization ExactAuthorization `json:"authorization"`
}

// UptoAuthorization is the signed ERC-2612 permit carried in an upto
// payment payload. From is the token owner, To the spender (which must be
// a facilitator address), Value the session cap, ValidBefore the permit
// deadline and Nonce the owner's permit nonce, all decimal strings.
type UptoAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	Nonce       string `json:"nonce"`
	ValidBefore string `json:"validBefore"`
}

// UptoPayload is the scheme-specific payload for upto EVM payments.
type UptoPayload struct {
	Signature     string            `json:"signature"`
	Authorization UptoAuthorization `json:"authorization"`
}

// TypedDataDomain is the EIP-712 domain separator.
type TypedDataDomain struct {
	Name              string   `json:"name"`
	Version           string   `json:"version"`
	ChainID           *big.Int `json:"chainId"`
	VerifyingContract string   `json:"verifyingContract"`
}

// TypedDataField is one field of an EIP-712 type definition.
type TypedDataField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// TransactionReceipt is the mined-transaction result a signer reports.
type TransactionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"blockNumber"`
	TxHash      string `json:"transactionHash"`
}

// AssetInfo describes an ERC-20 token and its EIP-712 domain identity.
type AssetInfo struct {
	Address  string
	Name     string
	Version  string
	Decimals int
}

// NetworkConfig is the per-network chain configuration.
type NetworkConfig struct {
	ChainID      *big.Int
	DefaultAsset AssetInfo
}

// FacilitatorEvmSigner abstracts the blockchain operations the EVM schemes
// need. Implementations must be safe for concurrent use; transaction
// submission serializes nonce management internally.
type FacilitatorEvmSigner interface {
	// GetAddresses returns every address this signer can transact from.
	GetAddresses() []string

	// ReadContract calls a view function and returns the decoded result.
	ReadContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (interface{}, error)

	// WriteContract submits a state-changing call and returns the tx hash.
	WriteContract(ctx context.Context, address string, abi []byte, functionName string, args ...interface{}) (string, error)

	// SendTransaction sends pre-encoded calldata, used for smart wallet
	// deployment where the factory calldata arrives inside the signature.
	SendTransaction(ctx context.Context, to string, data []byte) (string, error)

	// WaitForTransactionReceipt blocks until the transaction is mined.
	WaitForTransactionReceipt(ctx context.Context, txHash string) (*TransactionReceipt, error)

	// VerifyTypedData verifies an EIP-712 signature against an address.
	VerifyTypedData(ctx context.Context, address string, domain TypedDataDomain, types map[string][]TypedDataField, primaryType string, message map[string]interface{}, signature []byte) (bool, error)

	// GetBalance returns the token balance of an address.
	GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error)

	// GetChainID returns the chain ID of the connected network.
	GetChainID(ctx context.Context) (*big.Int, error)

	// GetCode returns the bytecode at an address, empty for an EOA.
	GetCode(ctx context.Context, address string) ([]byte, error)
}

// ERC6492SignatureData holds the unwrapped components of an ERC-6492
// signature. Factory is the zero address for plain signatures.
type ERC6492SignatureData struct {
	Factory         [20]byte
	FactoryCalldata []byte
	InnerSignature  []byte
}

// ExactPayloadFromMap decodes an exact payload from its wire form.
func ExactPayloadFromMap(data map[string]interface{}) (*ExactPayload, error) {
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}
	payload := &ExactPayload{}
	payload.Signature, _ = data["signature"].(string)
	payload.Authorization.From, _ = auth["from"].(string)
	payload.Authorization.To, _ = auth["to"].(string)
	payload.Authorization.Value, _ = auth["value"].(string)
	payload.Authorization.ValidAfter, _ = auth["validAfter"].(string)
	payload.Authorization.ValidBefore, _ = auth["validBefore"].(string)
	payload.Authorization.Nonce, _ = auth["nonce"].(string)
	return payload, nil
}

// ToMap encodes an exact payload into its wire form.
func (p *ExactPayload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"validAfter":  p.Authorization.ValidAfter,
			"validBefore": p.Authorization.ValidBefore,
			"nonce":       p.Authorization.Nonce,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}

// UptoPayloadFromMap decodes an upto payload from its wire form.
func UptoPayloadFromMap(data map[string]interface{}) (*UptoPayload, error) {
	auth, ok := data["authorization"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("missing authorization field")
	}
	payload := &UptoPayload{}
	payload.Signature, _ = data["signature"].(string)
	payload.Authorization.From, _ = auth["from"].(string)
	payload.Authorization.To, _ = auth["to"].(string)
	payload.Authorization.Value, _ = auth["value"].(string)
	payload.Authorization.Nonce, _ = auth["nonce"].(string)
	payload.Authorization.ValidBefore, _ = auth["validBefore"].(string)
	return payload, nil
}

// ToMap encodes an upto payload into its wire form.
func (p *UptoPayload) ToMap() map[string]interface{} {
	result := map[string]interface{}{
		"authorization": map[string]interface{}{
			"from":        p.Authorization.From,
			"to":          p.Authorization.To,
			"value":       p.Authorization.Value,
			"nonce":       p.Authorization.Nonce,
			"validBefore": p.Authorization.ValidBefore,
		},
	}
	if p.Signature != "" {
		result["signature"] = p.Signature
	}
	return result
}
