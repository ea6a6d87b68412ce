package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
)

func auditPayload() *facilitator.PaymentPayload {
	return &facilitator.PaymentPayload{
		X402Version: 2,
		Accepted: facilitator.AcceptedRequirements{
			Scheme:  "exact",
			Network: "eip155:84532",
		},
		Payload: map[string]interface{}{
			"signature": "0xdeadbeef",
			"authorization": map[string]interface{}{
				"from":        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				"to":          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"value":       "10000",
				"validAfter":  "0",
				"validBefore": "1740672089",
				"nonce":       "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480",
			},
		},
	}
}

func auditRequirements() *facilitator.PaymentRequirements {
	return &facilitator.PaymentRequirements{
		Scheme:  "exact",
		Network: "eip155:84532",
		Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
		Amount:  "10000",
		PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
	}
}

func TestComputeAuditFields(t *testing.T) {
	fields, err := ComputeAuditFields(auditPayload(), auditRequirements())
	require.NoError(t, err)

	assert.Equal(t, 2, fields.X402Version)
	assert.Equal(t, "0xf3746613c2d920b5fdabc0856f2aeb2d4f88ee6037b8cc5d04a71a4462f13480", fields.PaymentNonce)
	assert.Equal(t, "1740672089", fields.PaymentValidBefore)
	assert.Len(t, fields.PayloadHash, 64)
	assert.Len(t, fields.RequirementsHash, 64)
	assert.Equal(t, HashBytes([]byte{0xde, 0xad, 0xbe, 0xef}), fields.PaymentSignatureHash)
}

func TestComputeAuditFieldsDeterministic(t *testing.T) {
	first, err := ComputeAuditFields(auditPayload(), auditRequirements())
	require.NoError(t, err)
	second, err := ComputeAuditFields(auditPayload(), auditRequirements())
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestComputeAuditFieldsPermitDeadline(t *testing.T) {
	payload := auditPayload()
	authorization := payload.Payload["authorization"].(map[string]interface{})
	delete(authorization, "validBefore")
	authorization["deadline"] = "1740675689"

	fields, err := ComputeAuditFields(payload, auditRequirements())
	require.NoError(t, err)
	assert.Equal(t, "1740675689", fields.PaymentValidBefore)
}

func TestComputeAuditFieldsWithoutRequirements(t *testing.T) {
	fields, err := ComputeAuditFields(auditPayload(), nil)
	require.NoError(t, err)
	assert.NotEmpty(t, fields.PayloadHash)
	assert.Empty(t, fields.RequirementsHash)
}

func TestComputeAuditFieldsNilPayload(t *testing.T) {
	_, err := ComputeAuditFields(nil, auditRequirements())
	require.Error(t, err)
}
