package http

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/xeipuuv/gojsonschema"

	"github.com/x402kit/facilitator"
)

// requestEnvelopeSchema validates the body of POST /verify and
// POST /settle before anything touches the engine.
const requestEnvelopeSchema = `{
	"type": "object",
	"required": ["paymentPayload", "paymentRequirements"],
	"properties": {
		"paymentPayload": {
			"type": "object",
			"required": ["x402Version", "accepted", "payload"],
			"properties": {
				"x402Version": {"type": "integer", "minimum": 1},
				"accepted": {
					"type": "object",
					"required": ["scheme", "network"],
					"properties": {
						"scheme": {"type": "string", "minLength": 1},
						"network": {"type": "string", "minLength": 1}
					}
				},
				"payload": {"type": "object"}
			}
		},
		"paymentRequirements": {
			"type": "object",
			"required": ["scheme", "network", "asset", "amount", "payTo"],
			"properties": {
				"scheme": {"type": "string", "minLength": 1},
				"network": {"type": "string", "minLength": 1},
				"asset": {"type": "string", "minLength": 1},
				"amount": {"type": "string", "pattern": "^[0-9]+$"},
				"payTo": {"type": "string", "minLength": 1}
			}
		}
	}
}`

var compiledEnvelopeSchema *gojsonschema.Schema

func init() {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(requestEnvelopeSchema))
	if err != nil {
		panic(fmt.Sprintf("invalid request envelope schema: %v", err))
	}
	compiledEnvelopeSchema = schema
}

// errMissingEnvelope is the exact wire message for an absent payload or
// requirements object.
const errMissingEnvelope = "Missing paymentPayload or paymentRequirements"

// EnvelopeError is a request-body validation failure. Message is safe to
// return to the client.
type EnvelopeError struct {
	Message string
}

func (e *EnvelopeError) Error() string { return e.Message }

// ValidateRequestEnvelope checks the raw body of a verify or settle
// request against the envelope schema.
func ValidateRequestEnvelope(body []byte) error {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &EnvelopeError{Message: errMissingEnvelope}
	}
	if isNullField(envelope["paymentPayload"]) || isNullField(envelope["paymentRequirements"]) {
		return &EnvelopeError{Message: errMissingEnvelope}
	}

	result, err := compiledEnvelopeSchema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &EnvelopeError{Message: fmt.Sprintf("Invalid request: %v", err)}
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return &EnvelopeError{Message: fmt.Sprintf("Invalid request: %s", errs[0].String())}
		}
		return &EnvelopeError{Message: "Invalid request"}
	}
	return nil
}

func isNullField(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}

// base64Regex requires at least one base64 character.
var base64Regex = regexp.MustCompile(`^[A-Za-z0-9+/]+={0,2}$`)

// DecodePaymentHeader validates and decodes an X-Payment header value:
// base64, JSON, then the structural fields every payload must carry.
func DecodePaymentHeader(header string) (*facilitator.PaymentPayload, error) {
	if header == "" {
		return nil, fmt.Errorf("payment header is empty")
	}
	if !base64Regex.MatchString(header) {
		return nil, fmt.Errorf("invalid payment header format: not valid base64")
	}
	decoded, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("invalid payment header format: base64 decoding failed - %v", err)
	}

	var payload facilitator.PaymentPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, fmt.Errorf("invalid payment header format: not valid JSON - %v", err)
	}
	if err := facilitator.ValidatePaymentPayload(&payload); err != nil {
		return nil, err
	}
	return &payload, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader. Used for the
// settlement response header and in tests.
func EncodePaymentHeader(value interface{}) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
