// Package svm provides a FacilitatorSvmSigner backed by an Ed25519 key
// and a Solana RPC client.
package svm

import (
	"context"
	"fmt"
	"time"

	solana "github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	confirmPollInterval   = time.Second
	confirmTimeoutSeconds = 60
)

// Signer implements mechanisms/svm.FacilitatorSvmSigner, acting as the
// fee payer for client-built transactions.
type Signer struct {
	privateKey solana.PrivateKey
	client     *rpc.Client
}

// NewSigner parses a base58-encoded private key and connects to the RPC
// endpoint.
func NewSigner(privateKeyBase58, rpcURL string) (*Signer, error) {
	privateKey, err := solana.PrivateKeyFromBase58(privateKeyBase58)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return &Signer{
		privateKey: privateKey,
		client:     rpc.New(rpcURL),
	}, nil
}

func (s *Signer) GetAddresses() []string {
	return []string{s.privateKey.PublicKey().String()}
}

// SignTransaction refreshes the blockhash and adds the fee payer's
// signature, keeping any client signatures intact.
func (s *Signer) SignTransaction(ctx context.Context, tx *solana.Transaction) error {
	recent, err := s.client.GetLatestBlockhash(ctx, rpc.CommitmentConfirmed)
	if err != nil {
		return fmt.Errorf("failed to get blockhash: %w", err)
	}
	tx.Message.RecentBlockhash = recent.Value.Blockhash

	_, err = tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.privateKey.PublicKey()) {
			return &s.privateKey
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	return nil
}

// SimulateTransaction dry-runs the signed transaction against the
// current bank state.
func (s *Signer) SimulateTransaction(ctx context.Context, tx *solana.Transaction) error {
	result, err := s.client.SimulateTransactionWithOpts(ctx, tx, &rpc.SimulateTransactionOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return fmt.Errorf("simulation request failed: %w", err)
	}
	if result.Value != nil && result.Value.Err != nil {
		return fmt.Errorf("transaction would fail: %v", result.Value.Err)
	}
	return nil
}

// SendAndConfirmTransaction submits the transaction and polls signature
// statuses until it reaches confirmed commitment.
func (s *Signer) SendAndConfirmTransaction(ctx context.Context, tx *solana.Transaction) (string, error) {
	sig, err := s.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", fmt.Errorf("failed to send transaction: %w", err)
	}

	for i := 0; i < confirmTimeoutSeconds; i++ {
		statuses, err := s.client.GetSignatureStatuses(ctx, false, sig)
		if err == nil && len(statuses.Value) > 0 && statuses.Value[0] != nil {
			status := statuses.Value[0]
			if status.Err != nil {
				return sig.String(), fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return sig.String(), nil
			}
		}
		select {
		case <-ctx.Done():
			return sig.String(), ctx.Err()
		case <-time.After(confirmPollInterval):
		}
	}
	return sig.String(), fmt.Errorf("transaction %s not confirmed after %ds", sig, confirmTimeoutSeconds)
}
