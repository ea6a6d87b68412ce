// Package http is the facilitator's HTTP surface: the gin pipeline for
// verify/settle/supported, bearer auth, request validation, the
// settlement idempotency cache, the facilitator client used by resource
// servers, and the paid-routes middleware.
package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/x402kit/facilitator"
	"github.com/x402kit/facilitator/tracking"
)

// ServerConfig wires the facilitator HTTP server.
type ServerConfig struct {
	// Engine handles verify and settle. Required.
	Engine *facilitator.Engine
	// Auth gates /verify and /settle. Nil leaves the server open, which
	// is only acceptable in tests.
	Auth *BearerAuthConfig
	// Tracking records the per-request audit trail. Optional.
	Tracking *tracking.Engine
	// SettlementCache deduplicates settle retries. Optional.
	SettlementCache *SettlementCache
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Server is the facilitator HTTP server.
type Server struct {
	engine   *facilitator.Engine
	tracking *tracking.Engine
	cache    *SettlementCache
	logger   *slog.Logger
	router   *gin.Engine
}

// NewServer builds the gin router with the verify/settle/supported
// pipeline. Fails when auth is configured without tokens.
func NewServer(config ServerConfig) (*Server, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	if config.Auth != nil {
		auth, err := NewBearerAuth(*config.Auth)
		if err != nil {
			return nil, err
		}
		router.Use(auth)
	}

	s := &Server{
		engine:   config.Engine,
		tracking: config.Tracking,
		cache:    config.SettlementCache,
		logger:   logger,
		router:   router,
	}

	router.POST("/verify", s.handleVerify)
	router.POST("/settle", s.handleSettle)
	router.GET("/supported", s.handleSupported)
	router.GET("/health", s.handleHealth)

	return s, nil
}

// Handler exposes the router for mounting and tests.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on the address until the listener fails.
func (s *Server) Run(addr string) error { return s.router.Run(addr) }

func (s *Server) handleVerify(c *gin.Context) {
	start := time.Now()
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingEnvelope})
		return
	}
	if err := ValidateRequestEnvelope(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req facilitator.VerifyRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingEnvelope})
		return
	}

	record := s.beginRecord(c)

	response, err := s.engine.Verify(c.Request.Context(), req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		s.logger.Error("verify failed", "error", err)
		if record != nil {
			s.tracking.Finalize(record.ID, http.StatusInternalServerError, time.Since(start).Milliseconds(), false)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if record != nil {
		audit, auditErr := tracking.ComputeAuditFields(req.PaymentPayload, req.PaymentRequirements)
		if auditErr != nil {
			s.logger.Warn("audit fields unavailable", "error", auditErr)
		}
		payment := paymentDetails(req.PaymentPayload, req.PaymentRequirements)
		payment.Payer = response.Payer
		s.tracking.RecordVerification(record.ID, response.IsValid, response.InvalidReason, payment, audit)
		s.tracking.Finalize(record.ID, http.StatusOK, time.Since(start).Milliseconds(), false)
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleSettle(c *gin.Context) {
	start := time.Now()
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingEnvelope})
		return
	}
	if err := ValidateRequestEnvelope(body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req facilitator.SettleRequest
	if err := json.Unmarshal(body, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": errMissingEnvelope})
		return
	}

	record := s.beginRecord(c)
	if record != nil {
		audit, auditErr := tracking.ComputeAuditFields(req.PaymentPayload, req.PaymentRequirements)
		if auditErr != nil {
			s.logger.Warn("audit fields unavailable", "error", auditErr)
		}
		s.tracking.RecordVerification(record.ID, true, "", paymentDetails(req.PaymentPayload, req.PaymentRequirements), audit)
	}

	response, err := s.settle(c, &req)
	if err != nil {
		if reason, aborted := facilitator.SettlementAbortReason(err); aborted {
			// An aborted settlement is an application-level failure, not
			// a transport error.
			response = &facilitator.SettleResponse{
				Success:     false,
				ErrorReason: reason,
				Network:     req.PaymentRequirements.Network,
			}
			s.finishSettle(record, response, start, http.StatusOK)
			c.JSON(http.StatusOK, response)
			return
		}
		s.logger.Error("settle failed", "error", err)
		if record != nil {
			s.tracking.RecordSettlement(record.ID, &tracking.SettlementDetails{
				Success:     false,
				ErrorReason: err.Error(),
				Network:     string(req.PaymentRequirements.Network),
			})
			s.tracking.Finalize(record.ID, http.StatusInternalServerError, time.Since(start).Milliseconds(), false)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.finishSettle(record, response, start, http.StatusOK)
	c.JSON(http.StatusOK, response)
}

// settle runs the engine settle behind the idempotency cache when one is
// configured.
func (s *Server) settle(c *gin.Context, req *facilitator.SettleRequest) (*facilitator.SettleResponse, error) {
	ctx := c.Request.Context()
	if s.cache == nil {
		return s.engine.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	}

	payloadBytes, err := json.Marshal(req.PaymentPayload)
	if err != nil {
		return s.engine.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	}
	key := SettlementKey(payloadBytes)

	status, cached, done := s.cache.CheckAndMark(key)
	switch status {
	case SettlementCached:
		return cached, nil
	case SettlementInFlight:
		result, err := s.cache.WaitForResult(ctx, key, done)
		if err != nil {
			return nil, err
		}
		if result != nil {
			return result, nil
		}
		// The first submission failed without caching; retry directly.
		return s.engine.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	default:
		response, err := s.engine.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
		if err != nil {
			s.cache.Fail(key, done)
			return nil, err
		}
		s.cache.Complete(key, response, done)
		return response, nil
	}
}

func (s *Server) finishSettle(record *tracking.ResourceCallRecord, response *facilitator.SettleResponse, start time.Time, status int) {
	if record == nil {
		return
	}
	s.tracking.RecordSettlement(record.ID, &tracking.SettlementDetails{
		Success:     response.Success,
		Transaction: response.Transaction,
		ErrorReason: response.ErrorReason,
		Network:     string(response.Network),
		Payer:       response.Payer,
	})
	s.tracking.Finalize(record.ID, status, time.Since(start).Milliseconds(), false)
}

func (s *Server) handleSupported(c *gin.Context) {
	response := s.engine.GetSupported()
	// Legacy network names predate CAIP-2 and always speak x402 v1.
	for i := range response.Kinds {
		if response.Kinds[i].Network.IsLegacy() {
			response.Kinds[i].X402Version = 1
		}
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// beginRecord opens the tracking record for a request, or returns nil
// when tracking is disabled.
func (s *Server) beginRecord(c *gin.Context) *tracking.ResourceCallRecord {
	if s.tracking == nil {
		return nil
	}
	record := tracking.NewRecord(c.Request.Method, c.Request.URL.Path)
	record.URL = c.Request.URL.String()
	record.PaymentRequired = true
	record.Request = &tracking.RequestDetails{
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
	s.tracking.Create(record)
	return record
}

// paymentDetails extracts the tracked payment summary from the wire
// objects.
func paymentDetails(payload *facilitator.PaymentPayload, requirements *facilitator.PaymentRequirements) *tracking.PaymentDetails {
	details := &tracking.PaymentDetails{}
	if requirements != nil {
		details.Scheme = requirements.Scheme
		details.Network = string(requirements.Network)
		details.NetworkType = networkType(requirements.Network)
		details.Asset = requirements.Asset
		details.Amount = requirements.Amount
		details.PayTo = requirements.PayTo
	} else if payload != nil {
		details.Scheme = payload.Accepted.Scheme
		details.Network = string(payload.Accepted.Network)
		details.NetworkType = networkType(payload.Accepted.Network)
		details.Asset = payload.Accepted.Asset
	}
	return details
}

// networkType buckets a network identifier by chain family.
func networkType(network facilitator.Network) string {
	family := network.Family()
	switch family {
	case "eip155":
		return "evm"
	case "solana":
		return "svm"
	case "starknet":
		return "starknet"
	}
	// Legacy v1 names.
	switch {
	case family == "base" || family == "base-sepolia" || strings.HasPrefix(family, "eth"):
		return "evm"
	case family == "solana-devnet":
		return "svm"
	}
	return ""
}
