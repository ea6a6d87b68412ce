package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
)

func uptoRequirements() *facilitator.PaymentRequirements {
	return &facilitator.PaymentRequirements{
		Scheme:  SchemeUpto,
		Network: "eip155:84532",
		Asset:   testAsset,
		Amount:  "10000",
		PayTo:   testPayTo,
		Extra:   map[string]interface{}{"name": "USDC", "version": "2"},
	}
}

func signedUptoPayload(t *testing.T, key *ecdsa.PrivateKey, owner, spender string, mutate func(*UptoAuthorization)) *facilitator.PaymentPayload {
	t.Helper()
	auth := UptoAuthorization{
		From:        owner,
		To:          spender,
		Value:       "100000",
		Nonce:       "0",
		ValidBefore: fmt.Sprintf("%d", time.Now().Unix()+3600),
	}
	if mutate != nil {
		mutate(&auth)
	}

	domain := TypedDataDomain{
		Name:              "USDC",
		Version:           "2",
		ChainID:           ChainIDBaseSepolia,
		VerifyingContract: testAsset,
	}
	message, err := PermitMessage(auth)
	require.NoError(t, err)
	digest, err := HashTypedData(domain, PermitTypes, "Permit", message)
	require.NoError(t, err)

	payload := UptoPayload{
		Signature:     signDigest(t, key, digest),
		Authorization: auth,
	}
	return &facilitator.PaymentPayload{
		X402Version: 2,
		Accepted:    facilitator.AcceptedRequirements{Scheme: SchemeUpto, Network: "eip155:84532"},
		Payload:     payload.ToMap(),
	}
}

func TestUptoVerifyHappyPath(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Verify(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.True(t, resp.IsValid, resp.InvalidReason)
	assert.Equal(t, owner, resp.Payer)
}

func TestUptoVerifySpenderMustBeFacilitator(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	payload := signedUptoPayload(t, key, owner, "0x2222222222222222222222222222222222222222", nil)
	resp, err := scheme.Verify(context.Background(), payload, uptoRequirements())
	require.NoError(t, err)
	assert.False(t, resp.IsValid)
	assert.Equal(t, facilitator.ReasonSpenderNotFacilitator, resp.InvalidReason)
}

func TestUptoVerifyCapRules(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	t.Run("cap below required amount", func(t *testing.T) {
		payload := signedUptoPayload(t, key, owner, signer.addresses[0], func(a *UptoAuthorization) {
			a.Value = "5000"
		})
		resp, err := scheme.Verify(context.Background(), payload, uptoRequirements())
		require.NoError(t, err)
		assert.Equal(t, facilitator.ReasonCapTooLow, resp.InvalidReason)
	})

	t.Run("cap below maxAmountRequired", func(t *testing.T) {
		payload := signedUptoPayload(t, key, owner, signer.addresses[0], nil)
		reqs := uptoRequirements()
		reqs.Extra["maxAmountRequired"] = "200000"
		resp, err := scheme.Verify(context.Background(), payload, reqs)
		require.NoError(t, err)
		assert.Equal(t, facilitator.ReasonCapBelowRequiredMax, resp.InvalidReason)
	})
}

func TestUptoVerifyDeadlineTooClose(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	payload := signedUptoPayload(t, key, owner, signer.addresses[0], func(a *UptoAuthorization) {
		a.ValidBefore = fmt.Sprintf("%d", time.Now().Unix()+2)
	})
	resp, err := scheme.Verify(context.Background(), payload, uptoRequirements())
	require.NoError(t, err)
	assert.Equal(t, facilitator.ReasonAuthorizationExpired, resp.InvalidReason)
}

func TestUptoVerifyBadSignature(t *testing.T) {
	key, _ := newPayerKey(t)
	_, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	payload := signedUptoPayload(t, key, owner, signer.addresses[0], nil)
	resp, err := scheme.Verify(context.Background(), payload, uptoRequirements())
	require.NoError(t, err)
	assert.Equal(t, facilitator.ReasonInvalidPermitSignature, resp.InvalidReason)
}

func TestUptoVerifyIsIdempotent(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})
	payload := signedUptoPayload(t, key, owner, signer.addresses[0], nil)

	first, err := scheme.Verify(context.Background(), payload, uptoRequirements())
	require.NoError(t, err)
	second, err := scheme.Verify(context.Background(), payload, uptoRequirements())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestUptoSettleHappyPath(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	signer.writeResults[FunctionPermit] = writeResult{hash: "0xpermit"}
	signer.writeResults[FunctionTransferFrom] = writeResult{hash: "0xtransfer"}
	signer.receipts["0xpermit"] = &TransactionReceipt{Status: TxStatusSuccess, TxHash: "0xpermit"}
	signer.receipts["0xtransfer"] = &TransactionReceipt{Status: TxStatusSuccess, TxHash: "0xtransfer"}
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Settle(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.ErrorReason)
	assert.Equal(t, "0xtransfer", resp.Transaction)
	assert.Equal(t, owner, resp.Payer)
	assert.Equal(t, []string{FunctionPermit, FunctionTransferFrom}, signer.writeCalls)
}

func TestUptoSettlePermitRevertWithAllowance(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	signer.writeResults[FunctionPermit] = writeResult{err: fmt.Errorf("execution reverted: nonce used")}
	signer.writeResults[FunctionTransferFrom] = writeResult{hash: "0xtransfer"}
	signer.receipts["0xtransfer"] = &TransactionReceipt{Status: TxStatusSuccess, TxHash: "0xtransfer"}
	signer.allowance = big.NewInt(50000)
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Settle(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.True(t, resp.Success, resp.ErrorReason)
	assert.Equal(t, "0xtransfer", resp.Transaction)
}

func TestUptoSettlePermitRevertInsufficientAllowance(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	signer.writeResults[FunctionPermit] = writeResult{err: fmt.Errorf("execution reverted")}
	signer.allowance = big.NewInt(100)
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Settle(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, facilitator.ReasonInsufficientAllowance, resp.ErrorReason)
}

func TestUptoSettlePermitRevertAllowanceUnreadable(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	signer.writeResults[FunctionPermit] = writeResult{err: fmt.Errorf("execution reverted")}
	signer.allowanceErr = fmt.Errorf("rpc timeout")
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Settle(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, facilitator.ReasonPermitFailed, resp.ErrorReason)
}

func TestUptoSettleTransferFromReverted(t *testing.T) {
	key, owner := newPayerKey(t)
	signer := newMockEvmSigner()
	signer.writeResults[FunctionPermit] = writeResult{hash: "0xpermit"}
	signer.writeResults[FunctionTransferFrom] = writeResult{hash: "0xtransfer"}
	signer.receipts["0xpermit"] = &TransactionReceipt{Status: TxStatusSuccess, TxHash: "0xpermit"}
	signer.receipts["0xtransfer"] = &TransactionReceipt{Status: TxStatusFailed, TxHash: "0xtransfer"}
	scheme := NewUptoEvmFacilitator(signer, UptoSchemeConfig{})

	resp, err := scheme.Settle(context.Background(), signedUptoPayload(t, key, owner, signer.addresses[0], nil), uptoRequirements())
	require.NoError(t, err)
	assert.False(t, resp.Success)
	assert.Equal(t, facilitator.ReasonInvalidTransactionState, resp.ErrorReason)
}
