package starknet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPaymaster(t *testing.T, handler http.HandlerFunc) *PaymasterClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewPaymasterClient(PaymasterConfig{
		Endpoint:       server.URL,
		APIKey:         "test-key",
		SponsorAddress: "0x0sponsor",
	})
	require.NoError(t, err)
	return client
}

func TestPaymasterValidateTypedData(t *testing.T) {
	client := newTestPaymaster(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-paymaster-api-key"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "paymaster_validateTypedData", req["method"])

		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]interface{}{"valid": true},
		})
	})

	valid, err := client.ValidateTypedData(context.Background(), "0xuser", map[string]interface{}{"primaryType": "Transfer"}, []string{"0x1", "0x2"})
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestPaymasterExecuteTypedData(t *testing.T) {
	client := newTestPaymaster(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"result":  map[string]interface{}{"transaction_hash": "0xdeadbeef"},
		})
	})

	hash, err := client.ExecuteTypedData(context.Background(), "0xuser", map[string]interface{}{}, []string{"0x1"})
	require.NoError(t, err)
	assert.Equal(t, "0xdeadbeef", hash)
}

func TestPaymasterRPCError(t *testing.T) {
	client := newTestPaymaster(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      1,
			"error":   map[string]interface{}{"code": 155, "message": "invalid signature"},
		})
	})

	_, err := client.ExecuteTypedData(context.Background(), "0xuser", map[string]interface{}{}, []string{"0x1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid signature")
}

func TestPaymasterHTTPError(t *testing.T) {
	client := newTestPaymaster(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.ValidateTypedData(context.Background(), "0xuser", map[string]interface{}{}, []string{"0x1"})
	require.Error(t, err)
}

func TestPaymasterConfigValidation(t *testing.T) {
	_, err := NewPaymasterClient(PaymasterConfig{SponsorAddress: "0x1"})
	require.Error(t, err)

	_, err = NewPaymasterClient(PaymasterConfig{Endpoint: "http://x"})
	require.Error(t, err)
}
