package evm

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/x402kit/facilitator"
)

// networkEnabled reports whether the identifier is in the configured list.
// Legacy v1 names are accepted when their CAIP-2 form is configured.
func networkEnabled(networks []facilitator.Network, network facilitator.Network) bool {
	caip, isLegacy := LegacyNetworkNames[string(network)]
	for _, n := range networks {
		if n == network {
			return true
		}
		if isLegacy && string(n) == caip {
			return true
		}
	}
	return false
}

// HexToBytes decodes a hex string, with or without a 0x prefix.
func HexToBytes(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		return nil, fmt.Errorf("odd-length hex string")
	}
	return hex.DecodeString(s)
}

// ParseDecimal parses a non-negative decimal string into a big integer.
func ParseDecimal(s string) (*big.Int, error) {
	value, ok := new(big.Int).SetString(s, 10)
	if !ok || value.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal value: %s", s)
	}
	return value, nil
}

// CanonicalAddress returns the EIP-55 checksummed form of an address, or
// an error if the input is not a valid hex address.
func CanonicalAddress(s string) (string, error) {
	if !common.IsHexAddress(s) {
		return "", fmt.Errorf("invalid address: %s", s)
	}
	return common.HexToAddress(s).Hex(), nil
}

// SameAddress compares two hex addresses ignoring case.
func SameAddress(a, b string) bool {
	return common.IsHexAddress(a) && common.IsHexAddress(b) &&
		common.HexToAddress(a) == common.HexToAddress(b)
}

// ContainsAddress reports whether the address list contains addr,
// ignoring case.
func ContainsAddress(list []string, addr string) bool {
	for _, a := range list {
		if SameAddress(a, addr) {
			return true
		}
	}
	return false
}

// SplitSignature splits a 65-byte ECDSA signature into its r, s and v
// components, normalizing v to 27/28 as token contracts expect.
func SplitSignature(sig []byte) (r [32]byte, s [32]byte, v uint8, err error) {
	if len(sig) != 65 {
		return r, s, 0, fmt.Errorf("invalid signature length: %d", len(sig))
	}
	copy(r[:], sig[0:32])
	copy(s[:], sig[32:64])
	v = sig[64]
	if v < 27 {
		v += 27
	}
	return r, s, v, nil
}
