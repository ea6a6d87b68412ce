package http

import (
	"strings"

	"github.com/x402kit/facilitator"
)

// RouteConfig declares the payment a paid route accepts.
type RouteConfig struct {
	// Scheme is "exact" or "upto".
	Scheme string
	// Network in CAIP-2 form.
	Network facilitator.Network
	// Asset is the token contract (or mint) address.
	Asset string
	// Amount in the asset's base units. For upto routes this is the
	// per-call amount accrued against the session cap.
	Amount string
	// PayTo receives the payment.
	PayTo string
	// Description is shown to paying clients. Optional.
	Description string
	// MaxTimeoutSeconds bounds how long a client payload stays
	// acceptable. Optional.
	MaxTimeoutSeconds int
	// Extra is scheme-specific (e.g. EIP-712 domain name and version).
	Extra map[string]interface{}
}

// Requirements builds the wire requirements for this route, binding the
// concrete resource URL.
func (rc RouteConfig) Requirements(resource string) *facilitator.PaymentRequirements {
	description := rc.Description
	if description == "" {
		description = "Payment required for " + resource
	}
	return &facilitator.PaymentRequirements{
		Scheme:            rc.Scheme,
		Network:           rc.Network,
		Asset:             rc.Asset,
		Amount:            rc.Amount,
		PayTo:             rc.PayTo,
		Resource:          resource,
		Description:       description,
		MaxTimeoutSeconds: rc.MaxTimeoutSeconds,
		Extra:             rc.Extra,
	}
}

// RouteTable maps "<METHOD> /path" keys to route configs. A path segment
// written as "[param]" matches any single segment, so
// "GET /api/items/[id]" covers "/api/items/42".
type RouteTable map[string]RouteConfig

// Match resolves the config for a request, preferring literal patterns
// over parameterized ones.
func (rt RouteTable) Match(method, path string) (RouteConfig, bool) {
	var matched RouteConfig
	var found, foundLiteral bool

	for key, config := range rt {
		routeMethod, pattern, ok := splitRouteKey(key)
		if !ok || !strings.EqualFold(routeMethod, method) {
			continue
		}
		literal, ok := matchPattern(pattern, path)
		if !ok {
			continue
		}
		if literal {
			return config, true
		}
		if !foundLiteral && !found {
			matched = config
			found = true
		}
	}
	return matched, found
}

func splitRouteKey(key string) (method, pattern string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(key), " ", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], strings.TrimSpace(parts[1]), true
}

// matchPattern reports whether the path matches and whether the match was
// fully literal (no [param] segments).
func matchPattern(pattern, path string) (literal, ok bool) {
	patternSegments := splitPath(pattern)
	pathSegments := splitPath(path)
	if len(patternSegments) != len(pathSegments) {
		return false, false
	}
	literal = true
	for i, segment := range patternSegments {
		if strings.HasPrefix(segment, "[") && strings.HasSuffix(segment, "]") {
			literal = false
			continue
		}
		if segment != pathSegments[i] {
			return false, false
		}
	}
	return literal, true
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}
