package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/x402kit/facilitator"
	evm "github.com/x402kit/facilitator/mechanisms/evm"
	"github.com/x402kit/facilitator/upto"
)

func paymentHeaderFor(t *testing.T, scheme string) string {
	t.Helper()
	var payloadBody map[string]interface{}
	if scheme == "upto" {
		permit := evm.UptoPayload{
			Signature: "0xab",
			Authorization: evm.UptoAuthorization{
				From:        "0xAaBbCcDdEeFf00112233445566778899aAbBcCdD",
				To:          "0x1111111111111111111111111111111111111111",
				Value:       "100000",
				Nonce:       "0",
				ValidBefore: fmt.Sprintf("%d", time.Now().Unix()+3600),
			},
		}
		payloadBody = permit.ToMap()
	} else {
		payloadBody = map[string]interface{}{
			"signature": "0xdeadbeef",
			"authorization": map[string]interface{}{
				"from":        "0x857b06519E91e3A54538791bDbb0E22373e36b66",
				"to":          "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
				"value":       "10000",
				"validAfter":  "0",
				"validBefore": "1740672089",
				"nonce":       "0xf374",
			},
		}
	}
	header, err := EncodePaymentHeader(&facilitator.PaymentPayload{
		X402Version: 2,
		Accepted:    facilitator.AcceptedRequirements{Scheme: scheme, Network: "eip155:84532"},
		Payload:     payloadBody,
	})
	require.NoError(t, err)
	return header
}

// middlewareFixture runs a stub facilitator behind a real server and
// wires the middleware's client at it.
type middlewareFixture struct {
	mech    *stubMechanism
	tracker *upto.Tracker
	handler http.Handler
	hits    *int
}

func newMiddlewareFixture(t *testing.T, routes RouteTable) *middlewareFixture {
	t.Helper()
	mech := exactMechanism()
	uptoMech := &stubMechanism{
		scheme:     "upto",
		networks:   []facilitator.Network{"eip155:84532"},
		verifyResp: mech.verifyResp,
		settleResp: mech.settleResp,
	}
	engine := testEngine(t, mech)
	require.NoError(t, engine.Register([]facilitator.Network{"eip155:84532"}, uptoMech))

	facilitatorServer, err := NewServer(ServerConfig{Engine: engine})
	require.NoError(t, err)
	ts := httptest.NewServer(facilitatorServer.Handler())
	t.Cleanup(ts.Close)

	client, err := NewFacilitatorClient(ClientConfig{BaseURL: ts.URL})
	require.NoError(t, err)

	tracker := upto.NewTracker(upto.NewMemoryStore(), upto.TrackerConfig{})

	hits := 0
	protected := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"data":"premium"}`)
	})

	middleware := PaymentMiddleware(MiddlewareConfig{
		Routes:      routes,
		Facilitator: client,
		UptoTracker: tracker,
	})

	return &middlewareFixture{
		mech:    mech,
		tracker: tracker,
		handler: middleware(protected),
		hits:    &hits,
	}
}

func exactRoutes() RouteTable {
	return RouteTable{
		"GET /api/premium": {
			Scheme:  "exact",
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:  "10000",
			PayTo:   "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		},
	}
}

func TestMiddlewareUnpaidRoutePassesThrough(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())

	req := httptest.NewRequest("GET", "/free", nil)
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, *fixture.hits)
	assert.Zero(t, fixture.mech.settled())
}

func TestMiddlewareNoPaymentReturns402(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())

	req := httptest.NewRequest("GET", "/api/premium", nil)
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusPaymentRequired, resp.Code)
	var body struct {
		X402Version int                                `json:"x402Version"`
		Error       string                             `json:"error"`
		Accepts     []*facilitator.PaymentRequirements `json:"accepts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, 2, body.X402Version)
	require.Len(t, body.Accepts, 1)
	assert.Equal(t, "exact", body.Accepts[0].Scheme)
	assert.Equal(t, "10000", body.Accepts[0].Amount)
	assert.Contains(t, body.Accepts[0].Resource, "/api/premium")
	assert.Zero(t, *fixture.hits)
}

func TestMiddlewareMalformedHeaderReturns402(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())

	req := httptest.NewRequest("GET", "/api/premium", nil)
	req.Header.Set(PaymentHeader, "!!!not-base64!!!")
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	assert.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Zero(t, *fixture.hits)
}

func TestMiddlewareExactSettlesOnSuccess(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())

	req := httptest.NewRequest("GET", "/api/premium", nil)
	req.Header.Set(PaymentHeader, paymentHeaderFor(t, "exact"))
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, 1, *fixture.hits)
	assert.Equal(t, 1, fixture.mech.settled())

	encoded := resp.Header().Get(PaymentResponseHeader)
	require.NotEmpty(t, encoded)
	assert.JSONEq(t, `{"data":"premium"}`, resp.Body.String())
}

func TestMiddlewareRejectedVerificationReturns402(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())
	fixture.mech.verifyResp = &facilitator.VerifyResponse{
		IsValid:       false,
		InvalidReason: facilitator.ReasonInvalidAuthorizationSignature,
	}

	req := httptest.NewRequest("GET", "/api/premium", nil)
	req.Header.Set(PaymentHeader, paymentHeaderFor(t, "exact"))
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusPaymentRequired, resp.Code)
	assert.Contains(t, resp.Body.String(), facilitator.ReasonInvalidAuthorizationSignature)
	assert.Zero(t, *fixture.hits)
	assert.Zero(t, fixture.mech.settled())
}

func TestMiddlewareHandlerErrorSkipsSettlement(t *testing.T) {
	mech := exactMechanism()
	engine := testEngine(t, mech)
	facilitatorServer, err := NewServer(ServerConfig{Engine: engine})
	require.NoError(t, err)
	ts := httptest.NewServer(facilitatorServer.Handler())
	t.Cleanup(ts.Close)
	client, err := NewFacilitatorClient(ClientConfig{BaseURL: ts.URL})
	require.NoError(t, err)

	middleware := PaymentMiddleware(MiddlewareConfig{
		Routes:      exactRoutes(),
		Facilitator: client,
	})
	failing := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))

	req := httptest.NewRequest("GET", "/api/premium", nil)
	req.Header.Set(PaymentHeader, paymentHeaderFor(t, "exact"))
	resp := httptest.NewRecorder()
	failing.ServeHTTP(resp, req)

	// The error passes through and the payment is never settled.
	assert.Equal(t, http.StatusNotFound, resp.Code)
	assert.Zero(t, mech.settled())
}

func TestMiddlewareFailedSettlementDiscardsHandlerResponse(t *testing.T) {
	fixture := newMiddlewareFixture(t, exactRoutes())
	fixture.mech.settleResp = &facilitator.SettleResponse{
		Success:     false,
		ErrorReason: facilitator.ReasonTransactionFailed,
		Network:     "eip155:84532",
	}

	req := httptest.NewRequest("GET", "/api/premium", nil)
	req.Header.Set(PaymentHeader, paymentHeaderFor(t, "exact"))
	resp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(resp, req)

	require.Equal(t, http.StatusPaymentRequired, resp.Code)
	// The handler ran, but its payload never reached the client.
	assert.Equal(t, 1, *fixture.hits)
	assert.NotContains(t, resp.Body.String(), "premium")
	assert.Contains(t, resp.Body.String(), facilitator.ReasonTransactionFailed)
}

func uptoRoutes() RouteTable {
	return RouteTable{
		"GET /api/stream": {
			Scheme:  "upto",
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:  "30000",
			PayTo:   "0x1111111111111111111111111111111111111111",
		},
	}
}

func TestMiddlewareUptoTracksSession(t *testing.T) {
	fixture := newMiddlewareFixture(t, uptoRoutes())

	header := paymentHeaderFor(t, "upto")
	var sessionID string
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/api/stream", nil)
		req.Header.Set(PaymentHeader, header)
		resp := httptest.NewRecorder()
		fixture.handler.ServeHTTP(resp, req)

		require.Equal(t, http.StatusOK, resp.Code)
		got := resp.Header().Get(UptoSessionHeader)
		require.NotEmpty(t, got)
		if sessionID == "" {
			sessionID = got
		} else {
			assert.Equal(t, sessionID, got, "same permit must reuse the session")
		}
	}
	assert.Equal(t, 2, *fixture.hits)
	// Settlement is the sweeper's job, never the request path's.
	assert.Zero(t, fixture.mech.settled())
}

func TestMiddlewareUptoCapExhaustedReturns402(t *testing.T) {
	fixture := newMiddlewareFixture(t, RouteTable{
		"GET /api/stream": {
			Scheme:  "upto",
			Network: "eip155:84532",
			Asset:   "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
			Amount:  "60000",
			PayTo:   "0x1111111111111111111111111111111111111111",
		},
	})

	header := paymentHeaderFor(t, "upto")
	first := httptest.NewRequest("GET", "/api/stream", nil)
	first.Header.Set(PaymentHeader, header)
	firstResp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(firstResp, first)
	require.Equal(t, http.StatusOK, firstResp.Code)

	// 60000 + 60000 exceeds the 100000 cap.
	second := httptest.NewRequest("GET", "/api/stream", nil)
	second.Header.Set(PaymentHeader, header)
	secondResp := httptest.NewRecorder()
	fixture.handler.ServeHTTP(secondResp, second)

	require.Equal(t, http.StatusPaymentRequired, secondResp.Code)
	assert.Contains(t, secondResp.Body.String(), facilitator.ReasonCapExhausted)
	assert.Equal(t, 1, *fixture.hits)
}

func TestRouteTableMatching(t *testing.T) {
	table := RouteTable{
		"GET /api/items":      {Description: "list"},
		"GET /api/items/[id]": {Description: "item"},
		"POST /api/items":     {Description: "create"},
	}

	config, ok := table.Match("GET", "/api/items")
	require.True(t, ok)
	assert.Equal(t, "list", config.Description)

	config, ok = table.Match("GET", "/api/items/42")
	require.True(t, ok)
	assert.Equal(t, "item", config.Description)

	config, ok = table.Match("post", "/api/items")
	require.True(t, ok)
	assert.Equal(t, "create", config.Description)

	_, ok = table.Match("DELETE", "/api/items")
	assert.False(t, ok)
	_, ok = table.Match("GET", "/api/items/42/reviews")
	assert.False(t, ok)
}
