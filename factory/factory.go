// Package factory turns declarative configuration into a wired
// facilitator engine: signers bind to schemes, schemes register on their
// networks, legacy v1 names alias onto the CAIP-2 registrations, and
// hooks attach in the order listed.
package factory

import (
	"fmt"
	"log/slog"

	"github.com/x402kit/facilitator"
	evm "github.com/x402kit/facilitator/mechanisms/evm"
	starknet "github.com/x402kit/facilitator/mechanisms/starknet"
	svm "github.com/x402kit/facilitator/mechanisms/svm"
	starknetsigner "github.com/x402kit/facilitator/signers/starknet"
)

// EvmSignerConfig binds one EVM signer to schemes and networks.
type EvmSignerConfig struct {
	// Signer submits transactions and verifies typed data. Required.
	Signer evm.FacilitatorEvmSigner
	// Networks in CAIP-2 form. Empty means every built-in EVM network.
	Networks []facilitator.Network
	// Schemes to register, "exact" and/or "upto". Empty means exact only.
	Schemes []string
	// DeployERC4337WithEIP6492 accepts counterfactual smart-wallet
	// signatures on the exact scheme.
	DeployERC4337WithEIP6492 bool
	// V1NetworkNames additionally registers the schemes under these
	// legacy (non-CAIP) names. Unsupported names are silently filtered.
	V1NetworkNames []string
	// RegisterV1 registers every known legacy alias of Networks.
	RegisterV1 bool
}

// SvmSignerConfig binds one SVM signer to networks.
type SvmSignerConfig struct {
	// Signer co-signs and submits transactions. Required.
	Signer svm.FacilitatorSvmSigner
	// Networks in CAIP-2 form. Empty means mainnet and devnet.
	Networks []facilitator.Network
	// V1NetworkNames additionally registers under legacy names.
	V1NetworkNames []string
	// RegisterV1 registers every known legacy alias of Networks.
	RegisterV1 bool
}

// StarknetConfig declares one paymaster-backed Starknet network.
type StarknetConfig struct {
	// Network in CAIP-2 form, e.g. "starknet:SN_SEPOLIA". Required.
	Network facilitator.Network
	// PaymasterEndpoint is the SNIP-29 JSON-RPC URL. Required.
	PaymasterEndpoint string
	// PaymasterAPIKey authenticates to the paymaster. Optional.
	PaymasterAPIKey string
	// SponsorAddress is the sponsoring account. Required.
	SponsorAddress string
}

// Config is the declarative facilitator setup.
type Config struct {
	EvmSigners      []EvmSignerConfig
	SvmSigners      []SvmSignerConfig
	StarknetConfigs []StarknetConfig
	Hooks           facilitator.Hooks
	Logger          *slog.Logger
}

// NewFacilitator builds the engine from the config. Registration order
// follows the config order, so earlier entries win ties on wildcard
// patterns.
func NewFacilitator(config Config) (*facilitator.Engine, error) {
	opts := []facilitator.EngineOption{facilitator.WithHooks(config.Hooks)}
	if config.Logger != nil {
		opts = append(opts, facilitator.WithLogger(config.Logger))
	}
	engine := facilitator.NewEngine(opts...)

	for i, sc := range config.EvmSigners {
		if sc.Signer == nil {
			return nil, fmt.Errorf("evm signer %d: signer is required", i)
		}
		schemes := sc.Schemes
		if len(schemes) == 0 {
			schemes = []string{evm.SchemeExact}
		}
		for _, scheme := range schemes {
			var mech facilitator.SchemeNetworkFacilitator
			switch scheme {
			case evm.SchemeExact:
				mech = evm.NewExactEvmFacilitator(sc.Signer, evm.ExactSchemeConfig{
					Networks:                 sc.Networks,
					DeployERC4337WithEIP6492: sc.DeployERC4337WithEIP6492,
				})
			case evm.SchemeUpto:
				mech = evm.NewUptoEvmFacilitator(sc.Signer, evm.UptoSchemeConfig{
					Networks: sc.Networks,
				})
			default:
				return nil, fmt.Errorf("evm signer %d: unsupported scheme %q", i, scheme)
			}
			if err := engine.Register(mech.Networks(), mech); err != nil {
				return nil, fmt.Errorf("registering evm %s: %w", scheme, err)
			}
			legacy := legacyNames(sc.V1NetworkNames, sc.RegisterV1, mech.Networks(), evm.LegacyNetworkNames)
			if len(legacy) > 0 {
				if err := engine.RegisterV1(legacy, mech); err != nil {
					return nil, fmt.Errorf("registering evm %s v1 aliases: %w", scheme, err)
				}
			}
		}
	}

	for i, sc := range config.SvmSigners {
		if sc.Signer == nil {
			return nil, fmt.Errorf("svm signer %d: signer is required", i)
		}
		mech := svm.NewExactSvmFacilitator(sc.Signer, svm.ExactSchemeConfig{Networks: sc.Networks})
		if err := engine.Register(mech.Networks(), mech); err != nil {
			return nil, fmt.Errorf("registering svm exact: %w", err)
		}
		legacy := legacyNames(sc.V1NetworkNames, sc.RegisterV1, mech.Networks(), svm.LegacyNetworkNames)
		if len(legacy) > 0 {
			if err := engine.RegisterV1(legacy, mech); err != nil {
				return nil, fmt.Errorf("registering svm v1 aliases: %w", err)
			}
		}
	}

	for i, sc := range config.StarknetConfigs {
		if sc.Network == "" {
			return nil, fmt.Errorf("starknet config %d: network is required", i)
		}
		paymaster, err := starknetsigner.NewPaymasterClient(starknetsigner.PaymasterConfig{
			Endpoint:       sc.PaymasterEndpoint,
			APIKey:         sc.PaymasterAPIKey,
			SponsorAddress: sc.SponsorAddress,
		})
		if err != nil {
			return nil, fmt.Errorf("starknet config %d: %w", i, err)
		}
		mech := starknet.NewExactStarknetFacilitator(paymaster, starknet.ExactSchemeConfig{
			Networks: []facilitator.Network{sc.Network},
		})
		if err := engine.Register(mech.Networks(), mech); err != nil {
			return nil, fmt.Errorf("registering starknet exact: %w", err)
		}
	}

	return engine, nil
}

// legacyNames resolves the v1 network names to register: the explicit
// list filtered against the known aliases of the registered networks,
// plus every known alias when registerAll is set. Unknown names are
// dropped, not errors.
func legacyNames(requested []string, registerAll bool, networks []facilitator.Network, aliases map[string]string) []facilitator.Network {
	supported := make(map[string]struct{}, len(networks))
	for _, n := range networks {
		supported[string(n)] = struct{}{}
	}

	var out []facilitator.Network
	seen := make(map[string]struct{})
	add := func(name string) {
		caip, known := aliases[name]
		if !known {
			return
		}
		if _, ok := supported[caip]; !ok {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		out = append(out, facilitator.Network(name))
	}

	for _, name := range requested {
		add(name)
	}
	if registerAll {
		for name := range aliases {
			add(name)
		}
	}
	return out
}
