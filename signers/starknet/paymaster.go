// Package starknet provides a Paymaster client speaking the SNIP-29
// paymaster JSON-RPC API over HTTP.
package starknet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const defaultRequestTimeout = 30 * time.Second

// PaymasterConfig configures a paymaster client.
type PaymasterConfig struct {
	// Endpoint is the paymaster JSON-RPC URL.
	Endpoint string

	// APIKey is sent as the x-paymaster-api-key header when set.
	APIKey string

	// SponsorAddress is the account sponsoring execution fees.
	SponsorAddress string

	// HTTPClient overrides the default client. Nil uses a 30 s timeout.
	HTTPClient *http.Client
}

// PaymasterClient implements mechanisms/starknet.Paymaster against a
// remote paymaster service.
type PaymasterClient struct {
	endpoint string
	apiKey   string
	sponsor  string
	client   *http.Client
}

// NewPaymasterClient creates a paymaster client.
func NewPaymasterClient(config PaymasterConfig) (*PaymasterClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("paymaster endpoint is required")
	}
	if config.SponsorAddress == "" {
		return nil, fmt.Errorf("sponsor address is required")
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultRequestTimeout}
	}
	return &PaymasterClient{
		endpoint: config.Endpoint,
		apiKey:   config.APIKey,
		sponsor:  config.SponsorAddress,
		client:   client,
	}, nil
}

func (c *PaymasterClient) SponsorAddress() string { return c.sponsor }

type rpcRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// ValidateTypedData asks the paymaster to check the signature without
// executing the transfer.
func (c *PaymasterClient) ValidateTypedData(ctx context.Context, userAddress string, typedData map[string]interface{}, signature []string) (bool, error) {
	var result struct {
		Valid bool `json:"valid"`
	}
	err := c.call(ctx, "paymaster_validateTypedData", map[string]interface{}{
		"user_address": userAddress,
		"typed_data":   typedData,
		"signature":    signature,
	}, &result)
	if err != nil {
		return false, err
	}
	return result.Valid, nil
}

// ExecuteTypedData submits the signed typed data for sponsored execution.
func (c *PaymasterClient) ExecuteTypedData(ctx context.Context, userAddress string, typedData map[string]interface{}, signature []string) (string, error) {
	var result struct {
		TransactionHash string `json:"transaction_hash"`
	}
	err := c.call(ctx, "paymaster_executeTransaction", map[string]interface{}{
		"user_address": userAddress,
		"typed_data":   typedData,
		"signature":    signature,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.TransactionHash == "" {
		return "", fmt.Errorf("paymaster returned no transaction hash")
	}
	return result.TransactionHash, nil
}

func (c *PaymasterClient) call(ctx context.Context, method string, params interface{}, result interface{}) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-paymaster-api-key", c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("paymaster request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("paymaster returned status %d", resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("failed to decode paymaster response: %w", err)
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("paymaster error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("failed to decode paymaster result: %w", err)
		}
	}
	return nil
}
