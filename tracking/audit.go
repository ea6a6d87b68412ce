package tracking

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/x402kit/facilitator"
)

// ComputeAuditFields derives the durable payment fingerprints from the
// payload and requirements as presented on the wire. The hashes are over
// the canonical JSON form, so field order on the wire does not matter.
func ComputeAuditFields(payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (AuditFields, error) {
	if payload == nil {
		return AuditFields{}, fmt.Errorf("payment payload is required")
	}

	payloadHash, err := HashCanonicalJSON(payload)
	if err != nil {
		return AuditFields{}, fmt.Errorf("hashing payment payload: %w", err)
	}

	fields := AuditFields{
		X402Version: payload.X402Version,
		PayloadHash: payloadHash,
	}

	if requirements != nil {
		requirementsHash, err := HashCanonicalJSON(requirements)
		if err != nil {
			return AuditFields{}, fmt.Errorf("hashing payment requirements: %w", err)
		}
		fields.RequirementsHash = requirementsHash
	}

	if authorization, ok := payload.Payload["authorization"].(map[string]interface{}); ok {
		if nonce, ok := authorization["nonce"].(string); ok {
			fields.PaymentNonce = nonce
		}
		if validBefore, ok := authorization["validBefore"].(string); ok {
			fields.PaymentValidBefore = validBefore
		}
		// ERC-2612 permits carry a deadline instead of a validBefore.
		if fields.PaymentValidBefore == "" {
			if deadline, ok := authorization["deadline"].(string); ok {
				fields.PaymentValidBefore = deadline
			}
		}
	}

	if signature, ok := payload.Payload["signature"].(string); ok && signature != "" {
		fields.PaymentSignatureHash = hashSignature(signature)
	}

	return fields, nil
}

// hashSignature fingerprints the signature over its raw bytes when it is
// valid hex, falling back to the literal string otherwise.
func hashSignature(signature string) string {
	trimmed := strings.TrimPrefix(signature, "0x")
	if raw, err := hex.DecodeString(trimmed); err == nil {
		return HashBytes(raw)
	}
	return HashBytes([]byte(signature))
}
