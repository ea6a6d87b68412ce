// Package starknet implements the exact payment scheme for Starknet
// networks. Payments are SNIP-12 typed-data transfers executed through a
// sponsoring paymaster, so the payer never needs gas tokens.
package starknet

import "context"

const (
	SchemeExact = "exact"

	StarknetMainnetCAIP2 = "starknet:SN_MAIN"
	StarknetSepoliaCAIP2 = "starknet:SN_SEPOLIA"

	ReasonInvalidStarknetPayload = "invalid_exact_starknet_payload"
	ReasonPaymasterRejected      = "invalid_exact_starknet_payload_paymaster_rejected"
)

// LegacyNetworkNames maps x402 v1 network names to their CAIP-2 form.
var LegacyNetworkNames = map[string]string{
	"starknet":         StarknetMainnetCAIP2,
	"starknet-sepolia": StarknetSepoliaCAIP2,
}

// Paymaster is the contract the scheme needs from a concrete paymaster
// service: typed-data validation and sponsored execution.
type Paymaster interface {
	// SponsorAddress returns the account sponsoring execution fees.
	SponsorAddress() string

	// ValidateTypedData checks the user's signature over the typed data
	// without executing it.
	ValidateTypedData(ctx context.Context, userAddress string, typedData map[string]interface{}, signature []string) (bool, error)

	// ExecuteTypedData submits the signed typed data for sponsored
	// execution and returns the transaction hash.
	ExecuteTypedData(ctx context.Context, userAddress string, typedData map[string]interface{}, signature []string) (string, error)
}

// ExactPayload is the wire payload of the Starknet exact scheme.
type ExactPayload struct {
	From      string                 `json:"from"`
	TypedData map[string]interface{} `json:"typedData"`
	Signature []string               `json:"signature"`
}

// ExactPayloadFromMap decodes the scheme payload from its wire form.
func ExactPayloadFromMap(m map[string]interface{}) (*ExactPayload, error) {
	p := &ExactPayload{}

	from, _ := m["from"].(string)
	if from == "" {
		return nil, errMissingField("from")
	}
	p.From = from

	typedData, _ := m["typedData"].(map[string]interface{})
	if typedData == nil {
		return nil, errMissingField("typedData")
	}
	p.TypedData = typedData

	rawSig, _ := m["signature"].([]interface{})
	if len(rawSig) == 0 {
		return nil, errMissingField("signature")
	}
	for _, felt := range rawSig {
		s, ok := felt.(string)
		if !ok {
			return nil, errMissingField("signature")
		}
		p.Signature = append(p.Signature, s)
	}
	return p, nil
}

// ToMap encodes the payload into its wire form.
func (p *ExactPayload) ToMap() map[string]interface{} {
	sig := make([]interface{}, len(p.Signature))
	for i, s := range p.Signature {
		sig[i] = s
	}
	return map[string]interface{}{
		"from":      p.From,
		"typedData": p.TypedData,
		"signature": sig,
	}
}

type fieldError string

func (e fieldError) Error() string { return "missing or invalid field: " + string(e) }

func errMissingField(name string) error { return fieldError(name) }
