package evm

import (
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyEOASignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	hash := crypto.Keccak256([]byte("payment authorization"))
	sig, err := crypto.Sign(hash, key)
	require.NoError(t, err)

	t.Run("recovery-form v", func(t *testing.T) {
		valid, err := VerifyEOASignature(hash, sig, addr)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("ethereum-form v", func(t *testing.T) {
		ethSig := make([]byte, 65)
		copy(ethSig, sig)
		ethSig[64] += 27
		valid, err := VerifyEOASignature(hash, ethSig, addr)
		require.NoError(t, err)
		assert.True(t, valid)
	})

	t.Run("wrong signer", func(t *testing.T) {
		other, err := crypto.GenerateKey()
		require.NoError(t, err)
		valid, err := VerifyEOASignature(hash, sig, crypto.PubkeyToAddress(other.PublicKey))
		require.NoError(t, err)
		assert.False(t, valid)
	})

	t.Run("bad length", func(t *testing.T) {
		_, err := VerifyEOASignature(hash, sig[:64], addr)
		require.Error(t, err)
	})
}

func TestIsERC6492Signature(t *testing.T) {
	plain := make([]byte, 65)
	assert.False(t, IsERC6492Signature(plain))
	assert.False(t, IsERC6492Signature(nil))

	wrapped := append(make([]byte, 100), erc6492MagicBytes...)
	assert.True(t, IsERC6492Signature(wrapped))
}

func TestParseERC6492SignaturePassthrough(t *testing.T) {
	sig := make([]byte, 65)
	sig[0] = 0x42

	data, err := ParseERC6492Signature(sig)
	require.NoError(t, err)
	assert.Equal(t, sig, data.InnerSignature)
	assert.Equal(t, [20]byte{}, data.Factory)
	assert.Empty(t, data.FactoryCalldata)
}
