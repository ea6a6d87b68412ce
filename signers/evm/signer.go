// Package evm provides a FacilitatorEvmSigner backed by an ECDSA private
// key and a JSON-RPC client.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	mechevm "github.com/x402kit/facilitator/mechanisms/evm"
)

const (
	defaultGasLimit       = uint64(300000)
	receiptPollInterval   = time.Second
	receiptTimeoutSeconds = 60
)

// Signer implements mechanisms/evm.FacilitatorEvmSigner over an ethclient.
// Transaction submission is serialized so pending-nonce reads do not race.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	client     *ethclient.Client
	chainID    *big.Int

	writeMu sync.Mutex
}

// NewSigner dials the RPC endpoint and derives the signing address from the
// hex-encoded private key.
func NewSigner(ctx context.Context, privateKeyHex, rpcURL string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", rpcURL, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain id: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
		client:     client,
		chainID:    chainID,
	}, nil
}

// Close releases the underlying RPC connection.
func (s *Signer) Close() {
	s.client.Close()
}

func (s *Signer) GetAddresses() []string {
	return []string{s.address.Hex()}
}

func (s *Signer) GetChainID(ctx context.Context) (*big.Int, error) {
	return s.chainID, nil
}

func (s *Signer) GetCode(ctx context.Context, address string) ([]byte, error) {
	return s.client.CodeAt(ctx, common.HexToAddress(address), nil)
}

// ReadContract calls a view function and returns its first output.
func (s *Signer) ReadContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (interface{}, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return nil, fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, normalizeArgs(args)...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s call: %w", functionName, err)
	}

	to := common.HexToAddress(address)
	result, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("contract call failed: %w", err)
	}

	outputs, err := contractABI.Unpack(functionName, result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s result: %w", functionName, err)
	}
	if len(outputs) == 0 {
		return nil, nil
	}
	if len(outputs) == 1 {
		return outputs[0], nil
	}
	return outputs, nil
}

// WriteContract packs, signs and submits a state-changing call.
func (s *Signer) WriteContract(ctx context.Context, address string, abiBytes []byte, functionName string, args ...interface{}) (string, error) {
	contractABI, err := abi.JSON(strings.NewReader(string(abiBytes)))
	if err != nil {
		return "", fmt.Errorf("failed to parse ABI: %w", err)
	}
	data, err := contractABI.Pack(functionName, normalizeArgs(args)...)
	if err != nil {
		return "", fmt.Errorf("failed to pack %s call: %w", functionName, err)
	}
	return s.submit(ctx, common.HexToAddress(address), data)
}

// SendTransaction submits pre-encoded calldata to an address.
func (s *Signer) SendTransaction(ctx context.Context, to string, data []byte) (string, error) {
	return s.submit(ctx, common.HexToAddress(to), data)
}

func (s *Signer) submit(ctx context.Context, to common.Address, data []byte) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	nonce, err := s.client.PendingNonceAt(ctx, s.address)
	if err != nil {
		return "", fmt.Errorf("failed to get nonce: %w", err)
	}
	gasPrice, err := s.client.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to get gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, to, big.NewInt(0), defaultGasLimit, gasPrice, data)
	signedTx, err := types.SignTx(tx, types.LatestSignerForChainID(s.chainID), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := s.client.SendTransaction(ctx, signedTx); err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}
	return signedTx.Hash().Hex(), nil
}

// WaitForTransactionReceipt polls until the transaction is mined or the
// timeout elapses.
func (s *Signer) WaitForTransactionReceipt(ctx context.Context, txHash string) (*mechevm.TransactionReceipt, error) {
	hash := common.HexToHash(txHash)
	for i := 0; i < receiptTimeoutSeconds; i++ {
		receipt, err := s.client.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return &mechevm.TransactionReceipt{
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				TxHash:      receipt.TxHash.Hex(),
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(receiptPollInterval):
		}
	}
	return nil, fmt.Errorf("transaction %s not mined after %ds", txHash, receiptTimeoutSeconds)
}

// VerifyTypedData hashes the typed data and recovers the signer address.
// Smart wallet signatures are delegated to EIP-1271 when the address has
// code.
func (s *Signer) VerifyTypedData(
	ctx context.Context,
	address string,
	domain mechevm.TypedDataDomain,
	dataTypes map[string][]mechevm.TypedDataField,
	primaryType string,
	message map[string]interface{},
	signature []byte,
) (bool, error) {
	digest, err := mechevm.HashTypedData(domain, dataTypes, primaryType, message)
	if err != nil {
		return false, err
	}
	if len(signature) == 65 {
		return mechevm.VerifyEOASignature(digest, signature, common.HexToAddress(address))
	}
	var hash [32]byte
	copy(hash[:], digest)
	return mechevm.VerifyEIP1271Signature(ctx, s, address, hash, signature)
}

// GetBalance returns the native balance for an empty or zero token address
// and the ERC-20 balance otherwise.
func (s *Signer) GetBalance(ctx context.Context, address string, tokenAddress string) (*big.Int, error) {
	if tokenAddress == "" || tokenAddress == "0x0000000000000000000000000000000000000000" {
		return s.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	}
	result, err := s.ReadContract(ctx, tokenAddress, mechevm.ERC20BalanceOfABI, mechevm.FunctionBalanceOf, address)
	if err != nil {
		return nil, err
	}
	balance, ok := result.(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type from balanceOf")
	}
	return balance, nil
}

// normalizeArgs converts hex address strings to common.Address so callers
// can pass addresses in their wire form.
func normalizeArgs(args []interface{}) []interface{} {
	normalized := make([]interface{}, len(args))
	for i, arg := range args {
		if s, ok := arg.(string); ok && common.IsHexAddress(s) {
			normalized[i] = common.HexToAddress(s)
			continue
		}
		normalized[i] = arg
	}
	return normalized
}
