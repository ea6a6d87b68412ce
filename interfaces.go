package facilitator

import "context"

// SchemeNetworkFacilitator is the contract a scheme implementation
// satisfies to be registered with the engine. Implementations are immutable
// after registration and safe for concurrent use.
type SchemeNetworkFacilitator interface {
	// Scheme returns the scheme name this implementation handles
	// (e.g. "exact", "upto").
	Scheme() string

	// Networks returns the concrete CAIP-2 networks this implementation is
	// configured for. Wildcard registrations are expanded against this list
	// when reporting supported kinds.
	Networks() []Network

	// GetExtra returns scheme metadata for a network to advertise in
	// supported kinds (EIP-712 domain name/version and the like), or nil.
	GetExtra(network Network) map[string]interface{}

	// GetSigners returns the addresses that can sign or pay for
	// transactions on the given network.
	GetSigners(network Network) []string

	// Verify checks a payment payload against payment requirements.
	// Rejections are values (IsValid false with a reason); an error means
	// the check itself could not run.
	Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error)

	// Settle executes a verified payment on-chain. Failed settlements are
	// values (Success false with a reason); an error means the attempt
	// could not be made at all.
	Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error)
}
