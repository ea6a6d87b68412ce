package facilitator

import (
	"context"
	"log/slog"
)

// Engine dispatches verify and settle calls to registered scheme
// mechanisms and fires lifecycle hooks around them. Register all
// mechanisms before serving; the engine is read-only afterwards.
type Engine struct {
	registry registry
	hooks    Hooks
	logger   *slog.Logger
}

// EngineOption configures an Engine at construction time.
type EngineOption func(*Engine)

// WithLogger sets the logger hook failures are reported to.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithBeforeVerifyHook appends a hook run before each verify call.
func WithBeforeVerifyHook(h BeforeVerifyHook) EngineOption {
	return func(e *Engine) { e.hooks.BeforeVerify = append(e.hooks.BeforeVerify, h) }
}

// WithAfterVerifyHook appends a hook run after each successful verify call.
func WithAfterVerifyHook(h AfterVerifyHook) EngineOption {
	return func(e *Engine) { e.hooks.AfterVerify = append(e.hooks.AfterVerify, h) }
}

// WithVerifyFailureHook appends a hook run when a mechanism's verify
// returns an error.
func WithVerifyFailureHook(h VerifyFailureHook) EngineOption {
	return func(e *Engine) { e.hooks.VerifyFailure = append(e.hooks.VerifyFailure, h) }
}

// WithBeforeSettleHook appends a hook run before each settle call.
func WithBeforeSettleHook(h BeforeSettleHook) EngineOption {
	return func(e *Engine) { e.hooks.BeforeSettle = append(e.hooks.BeforeSettle, h) }
}

// WithAfterSettleHook appends a hook run after each successful settle call.
func WithAfterSettleHook(h AfterSettleHook) EngineOption {
	return func(e *Engine) { e.hooks.AfterSettle = append(e.hooks.AfterSettle, h) }
}

// WithSettleFailureHook appends a hook run when a mechanism's settle
// returns an error.
func WithSettleFailureHook(h SettleFailureHook) EngineOption {
	return func(e *Engine) { e.hooks.SettleFailure = append(e.hooks.SettleFailure, h) }
}

// WithHooks appends every hook in the bundle, preserving slot order.
func WithHooks(h Hooks) EngineOption {
	return func(e *Engine) {
		e.hooks.BeforeVerify = append(e.hooks.BeforeVerify, h.BeforeVerify...)
		e.hooks.AfterVerify = append(e.hooks.AfterVerify, h.AfterVerify...)
		e.hooks.VerifyFailure = append(e.hooks.VerifyFailure, h.VerifyFailure...)
		e.hooks.BeforeSettle = append(e.hooks.BeforeSettle, h.BeforeSettle...)
		e.hooks.AfterSettle = append(e.hooks.AfterSettle, h.AfterSettle...)
		e.hooks.SettleFailure = append(e.hooks.SettleFailure, h.SettleFailure...)
	}
}

// NewEngine creates an empty engine. Register mechanisms with Register and
// RegisterV1 before use.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Register registers a mechanism under each given CAIP-2 network pattern
// for x402 v2. Patterns may be exact ("eip155:8453") or family wildcards
// ("eip155:*"). Duplicate (pattern, scheme) registrations are an error.
func (e *Engine) Register(patterns []Network, mech SchemeNetworkFacilitator) error {
	return e.register(2, patterns, mech)
}

// RegisterV1 registers a mechanism under legacy v1 network names
// ("base", "base-sepolia").
func (e *Engine) RegisterV1(networkNames []Network, mech SchemeNetworkFacilitator) error {
	return e.register(1, networkNames, mech)
}

func (e *Engine) register(version int, patterns []Network, mech SchemeNetworkFacilitator) error {
	for _, p := range patterns {
		pattern, err := ParseNetworkPattern(string(p))
		if err != nil {
			return err
		}
		if err := e.registry.add(version, pattern, mech); err != nil {
			return err
		}
	}
	return nil
}

// Verify resolves the mechanism for the requirements' (network, scheme)
// pair and runs it between the verify hooks. An unresolvable pair is an
// invalid result, not an error.
func (e *Engine) Verify(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*VerifyResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: err.Error()}, nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return &VerifyResponse{IsValid: false, InvalidReason: err.Error()}, nil
	}

	mech, ok := e.registry.resolve(requirements.Network, requirements.Scheme)
	if !ok {
		return &VerifyResponse{IsValid: false, InvalidReason: ReasonUnsupportedScheme}, nil
	}

	hctx := &VerifyHookContext{PaymentPayload: payload, PaymentRequirements: requirements}
	for _, h := range e.hooks.BeforeVerify {
		result, err := h(ctx, hctx)
		if err != nil {
			e.logger.Error("before-verify hook failed", "error", err)
			continue
		}
		if result != nil && result.Abort {
			return &VerifyResponse{IsValid: false, InvalidReason: result.AbortReason}, nil
		}
	}

	resp, err := mech.Verify(ctx, payload, requirements)
	if err != nil {
		hctx.Result = resp
		for _, h := range e.hooks.VerifyFailure {
			recovery, hookErr := h(ctx, hctx, err)
			if hookErr != nil {
				e.logger.Error("verify-failure hook failed", "error", hookErr)
				continue
			}
			if recovery != nil && recovery.Recovered && recovery.Result != nil {
				return recovery.Result, nil
			}
		}
		return nil, err
	}

	hctx.Result = resp
	for _, h := range e.hooks.AfterVerify {
		if hookErr := h(ctx, hctx); hookErr != nil {
			e.logger.Error("after-verify hook failed", "error", hookErr)
		}
	}
	return resp, nil
}

// Settle resolves the mechanism like Verify does and runs it between the
// settle hooks. Mechanisms re-check verification before submitting. A
// before-settle hook abort returns the settlement-aborted sentinel error.
func (e *Engine) Settle(ctx context.Context, payload *PaymentPayload, requirements *PaymentRequirements) (*SettleResponse, error) {
	if err := ValidatePaymentPayload(payload); err != nil {
		return e.failedSettle(requirements, err.Error()), nil
	}
	if err := ValidatePaymentRequirements(requirements); err != nil {
		return e.failedSettle(requirements, err.Error()), nil
	}

	mech, ok := e.registry.resolve(requirements.Network, requirements.Scheme)
	if !ok {
		return e.failedSettle(requirements, ReasonUnsupportedScheme), nil
	}

	hctx := &SettleHookContext{PaymentPayload: payload, PaymentRequirements: requirements}
	for _, h := range e.hooks.BeforeSettle {
		result, err := h(ctx, hctx)
		if err != nil {
			e.logger.Error("before-settle hook failed", "error", err)
			continue
		}
		if result != nil && result.Abort {
			return nil, NewSettlementAbortedError(result.AbortReason)
		}
	}

	resp, err := mech.Settle(ctx, payload, requirements)
	if err != nil {
		hctx.Result = resp
		for _, h := range e.hooks.SettleFailure {
			recovery, hookErr := h(ctx, hctx, err)
			if hookErr != nil {
				e.logger.Error("settle-failure hook failed", "error", hookErr)
				continue
			}
			if recovery != nil && recovery.Recovered && recovery.Result != nil {
				return recovery.Result, nil
			}
		}
		return nil, err
	}

	hctx.Result = resp
	for _, h := range e.hooks.AfterSettle {
		if hookErr := h(ctx, hctx); hookErr != nil {
			e.logger.Error("after-settle hook failed", "error", hookErr)
		}
	}
	return resp, nil
}

// GetSupported reports every supported (version, scheme, network) kind and
// the signer addresses per network. Pure function of registry state.
func (e *Engine) GetSupported() *SupportedResponse {
	return e.registry.supported()
}

func (e *Engine) failedSettle(requirements *PaymentRequirements, reason string) *SettleResponse {
	resp := &SettleResponse{Success: false, ErrorReason: reason}
	if requirements != nil {
		resp.Network = requirements.Network
	}
	return resp
}
