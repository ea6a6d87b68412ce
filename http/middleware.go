package http

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/upto"
)

// Payment header names.
const (
	PaymentHeader         = "X-Payment"
	PaymentResponseHeader = "X-Payment-Response"
	UptoSessionHeader     = "X-Upto-Session-Id"
)

// MiddlewareConfig wires the paid-routes middleware for a resource
// server.
type MiddlewareConfig struct {
	// Routes is the paid-route table. Requests not matching any entry
	// pass through untouched.
	Routes RouteTable
	// Facilitator verifies and settles payments. Required.
	Facilitator *FacilitatorClient
	// UptoTracker accrues upto payments against local sessions.
	// Required when any route uses the upto scheme.
	UptoTracker *upto.Tracker
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// PaymentMiddleware gates the configured routes behind x402 payments:
// 402 with requirements when no payment is presented, verification
// through the facilitator, then settlement at the moment the handler
// commits a success response (exact) or session accrual with deferred
// settlement (upto).
func PaymentMiddleware(config MiddlewareConfig) func(http.Handler) http.Handler {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, ok := config.Routes.Match(r.Method, r.URL.Path)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			requirements := route.Requirements(resourceURL(r))

			header := r.Header.Get(PaymentHeader)
			if header == "" {
				writePaymentRequired(w, "Payment required", requirements)
				return
			}

			payload, err := DecodePaymentHeader(header)
			if err != nil {
				logger.Warn("invalid payment header", "path", r.URL.Path, "error", err)
				writePaymentRequired(w, err.Error(), requirements)
				return
			}

			verification, err := config.Facilitator.Verify(r.Context(), payload, requirements)
			if err != nil {
				logger.Error("facilitator verify unreachable", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
					"error": "Payment verification failed",
				})
				return
			}
			if !verification.IsValid {
				logger.Warn("payment rejected", "path", r.URL.Path, "reason", verification.InvalidReason)
				writePaymentRequired(w, verification.InvalidReason, requirements)
				return
			}

			if route.Scheme == upto.SchemeName {
				handleUptoRoute(config, logger, w, r, next, payload, requirements)
				return
			}

			interceptor := &settleOnCommit{
				ResponseWriter: w,
				settle: func() bool {
					settlement, err := config.Facilitator.Settle(r.Context(), payload, requirements)
					if err != nil {
						logger.Error("settlement failed", "error", err)
						writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
							"error": "Payment settlement failed",
						})
						return false
					}
					if !settlement.Success {
						logger.Warn("settlement rejected", "reason", settlement.ErrorReason)
						writePaymentRequired(w, settlement.ErrorReason, requirements)
						return false
					}
					if encoded, err := EncodePaymentHeader(settlement); err == nil {
						w.Header().Set(PaymentResponseHeader, encoded)
					}
					return true
				},
			}
			next.ServeHTTP(interceptor, r)
		})
	}
}

// handleUptoRoute accrues the payment against the local session.
// Settlement is the sweeper's job.
func handleUptoRoute(config MiddlewareConfig, logger *slog.Logger, w http.ResponseWriter, r *http.Request, next http.Handler, payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) {
	if config.UptoTracker == nil {
		logger.Error("upto route without a session tracker", "path", r.URL.Path)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": "upto payments are not configured",
		})
		return
	}

	result, err := config.UptoTracker.Track(r.Context(), payload, requirements)
	if err != nil {
		logger.Error("session tracking failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	if !result.Success {
		writeJSON(w, upto.TrackingErrorStatus(result.Error), map[string]interface{}{
			"error":     result.Error,
			"sessionId": result.SessionID,
		})
		return
	}

	w.Header().Set(UptoSessionHeader, result.SessionID)
	next.ServeHTTP(w, r)
}

// settleOnCommit delays settlement until the handler commits a success
// status: error responses pass through unsettled, success responses
// settle before the first byte reaches the client.
type settleOnCommit struct {
	http.ResponseWriter
	settle    func() bool
	committed bool
	discarded bool
}

func (s *settleOnCommit) Write(b []byte) (int, error) {
	if !s.committed {
		s.WriteHeader(http.StatusOK)
	}
	if s.discarded {
		// Settlement failed and an error response was already written;
		// swallow the handler's payload.
		return len(b), nil
	}
	return s.ResponseWriter.Write(b)
}

func (s *settleOnCommit) WriteHeader(statusCode int) {
	if s.committed {
		return
	}
	s.committed = true

	if statusCode >= 400 {
		s.ResponseWriter.WriteHeader(statusCode)
		return
	}
	if !s.settle() {
		s.discarded = true
		return
	}
	s.ResponseWriter.WriteHeader(statusCode)
}

func (s *settleOnCommit) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (s *settleOnCommit) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := s.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, errors.New("hijacking not supported")
}

func resourceURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
}

func writePaymentRequired(w http.ResponseWriter, message string, requirements *facilitator.PaymentRequirements) {
	writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
		"x402Version": 2,
		"error":       message,
		"accepts":     []*facilitator.PaymentRequirements{requirements},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
