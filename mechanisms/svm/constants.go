package svm

const (
	SchemeExact = "exact"

	// CAIP-2 identifiers use the first 32 characters of the genesis hash
	// as the reference.
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"

	// Reason codes specific to the SVM exact scheme.
	ReasonInvalidSvmPayload     = "invalid_exact_svm_payload"
	ReasonInvalidSvmTransaction = "invalid_exact_svm_payload_transaction"
	ReasonFeePayerMismatch      = "invalid_exact_svm_payload_fee_payer"
	ReasonSimulationFailed      = "invalid_exact_svm_payload_simulation_failed"
)

// AssetInfo describes an SPL token mint.
type AssetInfo struct {
	Mint     string
	Symbol   string
	Decimals uint8
}

// NetworkConfig holds per-network defaults.
type NetworkConfig struct {
	DefaultAsset AssetInfo
}

var NetworkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		DefaultAsset: AssetInfo{
			Mint:     "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", // USDC
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
	SolanaDevnetCAIP2: {
		DefaultAsset: AssetInfo{
			Mint:     "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU", // USDC devnet
			Symbol:   "USDC",
			Decimals: 6,
		},
	},
}

// LegacyNetworkNames maps x402 v1 network names to their CAIP-2 form.
var LegacyNetworkNames = map[string]string{
	"solana":        SolanaMainnetCAIP2,
	"solana-devnet": SolanaDevnetCAIP2,
}

// SupportedNetworks returns the CAIP-2 networks with built-in configuration.
func SupportedNetworks() []string {
	return []string{SolanaMainnetCAIP2, SolanaDevnetCAIP2}
}
