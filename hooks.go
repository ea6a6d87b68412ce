package facilitator

import "context"

// VerifyHookContext carries the inputs of a verify call through its hooks.
// Result is populated for after and failure hooks.
type VerifyHookContext struct {
	PaymentPayload      *PaymentPayload
	PaymentRequirements *PaymentRequirements
	Result              *VerifyResponse
}

// SettleHookContext carries the inputs of a settle call through its hooks.
// Result is populated for after and failure hooks.
type SettleHookContext struct {
	PaymentPayload      *PaymentPayload
	PaymentRequirements *PaymentRequirements
	Result              *SettleResponse
}

// HookResult lets a before hook abort the operation. An aborted verify
// returns an invalid VerifyResponse with the abort reason; an aborted
// settle returns the settlement-aborted sentinel error.
type HookResult struct {
	Abort       bool
	AbortReason string
}

// VerifyFailureResult lets a failure hook substitute a response for a
// verify call whose mechanism returned an error.
type VerifyFailureResult struct {
	Recovered bool
	Result    *VerifyResponse
}

// SettleFailureResult lets a failure hook substitute a response for a
// settle call whose mechanism returned an error.
type SettleFailureResult struct {
	Recovered bool
	Result    *SettleResponse
}

// Hook functions are optional side effects around the engine operations.
// A hook returning an error is logged and otherwise ignored; it never
// changes the verify/settle outcome.
type (
	BeforeVerifyHook  func(ctx context.Context, hctx *VerifyHookContext) (*HookResult, error)
	AfterVerifyHook   func(ctx context.Context, hctx *VerifyHookContext) error
	VerifyFailureHook func(ctx context.Context, hctx *VerifyHookContext, cause error) (*VerifyFailureResult, error)

	BeforeSettleHook  func(ctx context.Context, hctx *SettleHookContext) (*HookResult, error)
	AfterSettleHook   func(ctx context.Context, hctx *SettleHookContext) error
	SettleFailureHook func(ctx context.Context, hctx *SettleHookContext, cause error) (*SettleFailureResult, error)
)

// Hooks bundles every lifecycle hook slot for declarative configuration.
type Hooks struct {
	BeforeVerify  []BeforeVerifyHook
	AfterVerify   []AfterVerifyHook
	VerifyFailure []VerifyFailureHook
	BeforeSettle  []BeforeSettleHook
	AfterSettle   []AfterSettleHook
	SettleFailure []SettleFailureHook
}
