package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/tracking"
)

type stubMechanism struct {
	mu          sync.Mutex
	scheme      string
	networks    []facilitator.Network
	verifyResp  *facilitator.VerifyResponse
	settleResp  *facilitator.SettleResponse
	settleErr   error
	settleCalls int
}

func (m *stubMechanism) Scheme() string                  { return m.scheme }
func (m *stubMechanism) Networks() []facilitator.Network { return m.networks }
func (m *stubMechanism) GetExtra(facilitator.Network) map[string]interface{} {
	return nil
}
func (m *stubMechanism) GetSigners(facilitator.Network) []string {
	return []string{"0x209693Bc6afc0C5328bA36FaF03C514EF312287C"}
}

func (m *stubMechanism) Verify(ctx context.Context, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (*facilitator.VerifyResponse, error) {
	return m.verifyResp, nil
}

func (m *stubMechanism) Settle(ctx context.Context, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) (*facilitator.SettleResponse, error) {
	m.mu.Lock()
	m.settleCalls++
	m.mu.Unlock()
	if m.settleErr != nil {
		return nil, m.settleErr
	}
	return m.settleResp, nil
}

func (m *stubMechanism) settled() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleCalls
}

func exactMechanism() *stubMechanism {
	return &stubMechanism{
		scheme:   "exact",
		networks: []facilitator.Network{"eip155:84532"},
		verifyResp: &facilitator.VerifyResponse{
			IsValid: true,
			Payer:   "0x857b06519E91e3A54538791bDbb0E22373e36b66",
		},
		settleResp: &facilitator.SettleResponse{
			Success:     true,
			Payer:       "0x857b06519E91e3A54538791bDbb0E22373e36b66",
			Transaction: "0xdeadbeef",
			Network:     "eip155:84532",
		},
	}
}

func testEngine(t *testing.T, mech facilitator.SchemeNetworkFacilitator, opts ...facilitator.EngineOption) *facilitator.Engine {
	t.Helper()
	engine := facilitator.NewEngine(opts...)
	require.NoError(t, engine.Register([]facilitator.Network{"eip155:84532"}, mech))
	return engine
}

func settleBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"paymentPayload": map[string]interface{}{
			"x402Version": 2,
			"accepted":    map[string]interface{}{"scheme": "exact", "network": "eip155:84532"},
			"payload": map[string]interface{}{
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
		},
		"paymentRequirements": map[string]interface{}{
			"scheme":  "exact",
			"network": "eip155:84532",
			"asset":   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			"amount":  "10000",
			"payTo":   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		},
	})
	require.NoError(t, err)
	return body
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)
	return recorder
}

func TestServerVerify(t *testing.T) {
	mech := exactMechanism()
	server, err := NewServer(ServerConfig{
		Engine: testEngine(t, mech),
		Auth:   &BearerAuthConfig{Tokens: []string{"DREAMS"}},
	})
	require.NoError(t, err)

	resp := doRequest(t, server.Handler(), "POST", "/verify", "DREAMS", settleBody(t))
	require.Equal(t, http.StatusOK, resp.Code)

	var result facilitator.VerifyResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.IsValid)
	assert.Equal(t, "0x857b06519E91e3A54538791bDbb0E22373e36b66", result.Payer)
}

func TestServerVerifyMissingEnvelope(t *testing.T) {
	server, err := NewServer(ServerConfig{Engine: testEngine(t, exactMechanism())})
	require.NoError(t, err)

	for name, body := range map[string][]byte{
		"empty object":         []byte(`{}`),
		"missing requirements": []byte(`{"paymentPayload":{"x402Version":2,"accepted":{"scheme":"exact","network":"eip155:84532"},"payload":{}}}`),
		"null payload":         []byte(`{"paymentPayload":null,"paymentRequirements":{"scheme":"exact","network":"eip155:84532","asset":"0x1","amount":"1","payTo":"0x2"}}`),
		"not json":             []byte(`not json`),
	} {
		t.Run(name, func(t *testing.T) {
			resp := doRequest(t, server.Handler(), "POST", "/verify", "", body)
			require.Equal(t, http.StatusBadRequest, resp.Code)
			var result map[string]string
			require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
			assert.Equal(t, "Missing paymentPayload or paymentRequirements", result["error"])
		})
	}
}

func TestServerBearerAuth(t *testing.T) {
	server, err := NewServer(ServerConfig{
		Engine: testEngine(t, exactMechanism()),
		Auth:   &BearerAuthConfig{Tokens: []string{"DREAMS"}},
	})
	require.NoError(t, err)

	t.Run("missing token", func(t *testing.T) {
		resp := doRequest(t, server.Handler(), "POST", "/verify", "", settleBody(t))
		require.Equal(t, http.StatusUnauthorized, resp.Code)
		assert.Equal(t, `Bearer realm="facilitator"`, resp.Header().Get("WWW-Authenticate"))
		var result map[string]string
		require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
		assert.Equal(t, "Unauthorized", result["error"])
		assert.Equal(t, "Valid Bearer token is required", result["message"])
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := doRequest(t, server.Handler(), "POST", "/settle", "NIGHTMARES", settleBody(t))
		require.Equal(t, http.StatusUnauthorized, resp.Code)
	})

	t.Run("health is public", func(t *testing.T) {
		resp := doRequest(t, server.Handler(), "GET", "/health", "", nil)
		require.Equal(t, http.StatusOK, resp.Code)
	})

	t.Run("supported is public", func(t *testing.T) {
		resp := doRequest(t, server.Handler(), "GET", "/supported", "", nil)
		require.Equal(t, http.StatusOK, resp.Code)
	})
}

func TestServerAuthRequiresTokens(t *testing.T) {
	_, err := NewServer(ServerConfig{
		Engine: testEngine(t, exactMechanism()),
		Auth:   &BearerAuthConfig{},
	})
	require.Error(t, err)
}

func TestServerSettle(t *testing.T) {
	mech := exactMechanism()
	server, err := NewServer(ServerConfig{Engine: testEngine(t, mech)})
	require.NoError(t, err)

	resp := doRequest(t, server.Handler(), "POST", "/settle", "", settleBody(t))
	require.Equal(t, http.StatusOK, resp.Code)

	var result facilitator.SettleResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "0xdeadbeef", result.Transaction)
	assert.Equal(t, 1, mech.settled())
}

func TestServerSettleAbortSentinel(t *testing.T) {
	abort := func(ctx context.Context, hctx *facilitator.SettleHookContext) (*facilitator.HookResult, error) {
		return &facilitator.HookResult{Abort: true, AbortReason: "compliance_hold"}, nil
	}
	engine := testEngine(t, exactMechanism(), facilitator.WithBeforeSettleHook(abort))
	server, err := NewServer(ServerConfig{Engine: engine})
	require.NoError(t, err)

	resp := doRequest(t, server.Handler(), "POST", "/settle", "", settleBody(t))
	// Application-level failure, not a transport error.
	require.Equal(t, http.StatusOK, resp.Code)

	var result facilitator.SettleResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	assert.False(t, result.Success)
	assert.Equal(t, "compliance_hold", result.ErrorReason)
	assert.Equal(t, facilitator.Network("eip155:84532"), result.Network)
}

func TestServerSettleIdempotencyCache(t *testing.T) {
	mech := exactMechanism()
	server, err := NewServer(ServerConfig{
		Engine:          testEngine(t, mech),
		SettlementCache: NewSettlementCache(time.Minute),
	})
	require.NoError(t, err)

	first := doRequest(t, server.Handler(), "POST", "/settle", "", settleBody(t))
	second := doRequest(t, server.Handler(), "POST", "/settle", "", settleBody(t))
	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)

	var firstResult, secondResult facilitator.SettleResponse
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &firstResult))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &secondResult))
	assert.Equal(t, firstResult.Transaction, secondResult.Transaction)
	// The retry was served from the cache.
	assert.Equal(t, 1, mech.settled())
}

func TestServerSupportedNormalizesLegacyNetworks(t *testing.T) {
	mech := exactMechanism()
	engine := testEngine(t, mech)
	legacy := &stubMechanism{
		scheme:     "exact",
		networks:   []facilitator.Network{"base-sepolia"},
		verifyResp: mech.verifyResp,
		settleResp: mech.settleResp,
	}
	require.NoError(t, engine.RegisterV1([]facilitator.Network{"base-sepolia"}, legacy))

	server, err := NewServer(ServerConfig{Engine: engine})
	require.NoError(t, err)

	resp := doRequest(t, server.Handler(), "GET", "/supported", "", nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var result facilitator.SupportedResponse
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &result))
	require.NotEmpty(t, result.Kinds)
	for _, kind := range result.Kinds {
		if kind.Network.IsLegacy() {
			assert.Equal(t, 1, kind.X402Version, "legacy network %s must be v1", kind.Network)
		} else {
			assert.Equal(t, 2, kind.X402Version)
		}
	}
}

func TestServerSettleTracksRecord(t *testing.T) {
	store := tracking.NewMemoryStore()
	trackingEngine := tracking.NewEngine(store, tracking.EngineConfig{})

	mech := exactMechanism()
	server, err := NewServer(ServerConfig{
		Engine:   testEngine(t, mech),
		Tracking: trackingEngine,
	})
	require.NoError(t, err)

	resp := doRequest(t, server.Handler(), "POST", "/settle", "", settleBody(t))
	require.Equal(t, http.StatusOK, resp.Code)
	trackingEngine.Flush()

	result, err := store.List(context.Background(), tracking.ListOptions{})
	require.NoError(t, err)
	require.Len(t, result.Records, 1)

	record := result.Records[0]
	assert.Equal(t, "/settle", record.Path)
	assert.True(t, record.PaymentRequired)
	assert.True(t, record.PaymentVerified)
	require.NotNil(t, record.Payment)
	assert.Equal(t, "exact", record.Payment.Scheme)
	assert.Equal(t, "evm", record.Payment.NetworkType)
	require.NotNil(t, record.Settlement)
	assert.True(t, record.Settlement.Success)
	assert.Equal(t, "0xdeadbeef", record.Settlement.Transaction)
	assert.Equal(t, 2, record.Audit.X402Version)
	assert.NotEmpty(t, record.Audit.PayloadHash)
	assert.NotEmpty(t, record.Audit.PaymentNonce)
	assert.Equal(t, http.StatusOK, record.ResponseStatus)
}
