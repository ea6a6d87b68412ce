package svm

import (
	"fmt"

	mechsvm "github.com/x402kit/facilitator/mechanisms/svm"
)

var publicRPCURLs = map[string]string{
	mechsvm.SolanaMainnetCAIP2: "https://api.mainnet-beta.solana.com",
	mechsvm.SolanaDevnetCAIP2:  "https://api.devnet.solana.com",
}

var heliusSubdomains = map[string]string{
	mechsvm.SolanaMainnetCAIP2: "mainnet",
	mechsvm.SolanaDevnetCAIP2:  "devnet",
}

// ResolveRPCURL picks the RPC endpoint for a network. An explicit URL
// wins, then Helius, then the public endpoint.
func ResolveRPCURL(network, explicitURL, heliusKey string) (string, error) {
	if explicitURL != "" {
		return explicitURL, nil
	}
	if heliusKey != "" {
		if subdomain, ok := heliusSubdomains[network]; ok {
			return fmt.Sprintf("https://%s.helius-rpc.com/?api-key=%s", subdomain, heliusKey), nil
		}
	}
	if url, ok := publicRPCURLs[network]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no RPC endpoint known for network %s", network)
}
