package evm

import "fmt"

// RPCKeys holds provider API keys used to build authenticated RPC URLs.
type RPCKeys struct {
	Alchemy string
	Infura  string
}

var alchemySubdomains = map[string]string{
	"eip155:8453":  "base-mainnet",
	"eip155:84532": "base-sepolia",
}

var infuraSubdomains = map[string]string{
	"eip155:8453":  "base-mainnet",
	"eip155:84532": "base-sepolia",
}

var publicRPCURLs = map[string]string{
	"eip155:8453":  "https://mainnet.base.org",
	"eip155:84532": "https://sepolia.base.org",
}

// ResolveRPCURL picks the RPC endpoint for a network. An explicit URL wins,
// then Alchemy, then Infura, then the public endpoint.
func ResolveRPCURL(network, explicitURL string, keys RPCKeys) (string, error) {
	if explicitURL != "" {
		return explicitURL, nil
	}
	if keys.Alchemy != "" {
		if subdomain, ok := alchemySubdomains[network]; ok {
			return fmt.Sprintf("https://%s.g.alchemy.com/v2/%s", subdomain, keys.Alchemy), nil
		}
	}
	if keys.Infura != "" {
		if subdomain, ok := infuraSubdomains[network]; ok {
			return fmt.Sprintf("https://%s.infura.io/v3/%s", subdomain, keys.Infura), nil
		}
	}
	if url, ok := publicRPCURLs[network]; ok {
		return url, nil
	}
	return "", fmt.Errorf("no RPC endpoint known for network %s", network)
}
