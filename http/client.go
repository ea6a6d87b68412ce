package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/x402kit/facilitator"
)

// Client timeout defaults. Settlement waits on a transaction receipt, so
// it gets a much longer budget than verification.
const (
	DefaultVerifyTimeout = 30 * time.Second
	DefaultSettleTimeout = 2 * time.Minute
)

// ClientConfig configures a facilitator client.
type ClientConfig struct {
	// BaseURL of the facilitator, e.g. "http://localhost:8090".
	BaseURL string
	// BearerToken authorizes /verify and /settle. Optional.
	BearerToken string
	// VerifyTimeout bounds /verify and /supported calls.
	VerifyTimeout time.Duration
	// SettleTimeout bounds /settle calls.
	SettleTimeout time.Duration
	// HTTPClient overrides the transport. Optional.
	HTTPClient *http.Client
}

// FacilitatorClient talks to a remote facilitator. It satisfies
// upto.SettlementClient so a resource server's sweeper can settle
// sessions through it.
type FacilitatorClient struct {
	baseURL       string
	bearerToken   string
	verifyTimeout time.Duration
	settleTimeout time.Duration
	httpClient    *http.Client
}

// NewFacilitatorClient creates a client for the facilitator at the base
// URL.
func NewFacilitatorClient(config ClientConfig) (*FacilitatorClient, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("facilitator base URL is required")
	}
	verifyTimeout := config.VerifyTimeout
	if verifyTimeout <= 0 {
		verifyTimeout = DefaultVerifyTimeout
	}
	settleTimeout := config.SettleTimeout
	if settleTimeout <= 0 {
		settleTimeout = DefaultSettleTimeout
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &FacilitatorClient{
		baseURL:       config.BaseURL,
		bearerToken:   config.BearerToken,
		verifyTimeout: verifyTimeout,
		settleTimeout: settleTimeout,
		httpClient:    httpClient,
	}, nil
}

// Verify checks a payment payload against requirements.
func (c *FacilitatorClient) Verify(ctx context.Context, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	var response facilitator.VerifyResponse
	if err := c.post(ctx, "/verify", &facilitator.VerifyRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// Settle executes a payment.
func (c *FacilitatorClient) Settle(ctx context.Context, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (*facilitator.SettleResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()

	var response facilitator.SettleResponse
	if err := c.post(ctx, "/settle", &facilitator.SettleRequest{
		PaymentPayload:      payload,
		PaymentRequirements: requirements,
	}, &response); err != nil {
		return nil, err
	}
	return &response, nil
}

// GetSupported fetches the facilitator's supported kinds.
func (c *FacilitatorClient) GetSupported(ctx context.Context) (*facilitator.SupportedResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.verifyTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/supported", nil)
	if err != nil {
		return nil, fmt.Errorf("creating supported request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("supported request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading supported response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("facilitator supported failed (%d): %s", resp.StatusCode, string(body))
	}

	var response facilitator.SupportedResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding supported response: %w", err)
	}
	return &response, nil
}

func (c *FacilitatorClient) post(ctx context.Context, path string, request, response interface{}) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", path, err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", path, err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading %s response: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("facilitator %s failed (%d): %s", path, resp.StatusCode, string(responseBody))
	}
	if err := json.Unmarshal(responseBody, response); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *FacilitatorClient) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
}
