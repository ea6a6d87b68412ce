package facilitator

import (
	"fmt"
	"strings"
)

// Protocol error reasons: the client sent something unparseable or
// semantically invalid. Surfaced as VerifyResponse{IsValid:false} or a
// failed SettleResponse, never as an error.
const (
	ReasonUnsupportedScheme             = "unsupported_scheme"
	ReasonNetworkMismatch               = "network_mismatch"
	ReasonMissingEIP712Domain           = "missing_eip712_domain"
	ReasonInvalidUptoEvmPayload         = "invalid_upto_evm_payload"
	ReasonInvalidChainID                = "invalid_chain_id"
	ReasonAuthorizationExpired          = "authorization_expired"
	ReasonNotYetValid                   = "not_yet_valid"
	ReasonCapTooLow                     = "cap_too_low"
	ReasonCapBelowRequiredMax           = "cap_below_required_max"
	ReasonTotalExceedsCap               = "total_exceeds_cap"
	ReasonSpenderNotFacilitator         = "spender_not_facilitator"
	ReasonInvalidPermitSignature        = "invalid_permit_signature"
	ReasonInvalidAuthorizationSignature = "invalid_authorization_signature"
	ReasonUnsupportedSignatureType      = "unsupported_signature_type"
)

// Chain error reasons: the on-chain submission failed. Carried in
// SettleResponse.ErrorReason.
const (
	ReasonTransactionFailed       = "transaction_failed"
	ReasonInvalidTransactionState = "invalid_transaction_state"
	ReasonInsufficientAllowance   = "insufficient_allowance"
	ReasonPermitFailed            = "permit_failed"
)

// State error reasons: a valid payload arrived at the wrong lifecycle
// moment of an upto session. Mapped to HTTP statuses by the pipeline.
const (
	ReasonSettlingInProgress    = "settling_in_progress"
	ReasonSessionClosed         = "session_closed"
	ReasonDeadlineTooClose      = "deadline_too_close"
	ReasonCapExhausted          = "cap_exhausted"
	ReasonSessionCreationFailed = "session_creation_failed"
)

const settlementAbortedPrefix = "Settlement aborted: "

// NewSettlementAbortedError builds the sentinel error a before-settle hook
// abort produces. The HTTP pipeline special-cases it into a 200 response
// with Success false.
func NewSettlementAbortedError(reason string) error {
	return fmt.Errorf("%s%s", settlementAbortedPrefix, reason)
}

// SettlementAbortReason extracts the abort reason from a settlement-aborted
// sentinel error. The second return is false for any other error.
func SettlementAbortReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	return strings.CutPrefix(err.Error(), settlementAbortedPrefix)
}
