package facilitator

import (
	"fmt"
	"strings"
)

// NetworkPattern is a CAIP-2 network matcher: either an exact network
// ("eip155:8453", or a legacy v1 name like "base") or a family wildcard
// ("eip155:*").
type NetworkPattern struct {
	family    string
	reference string
	wildcard  bool
}

// ParseNetworkPattern parses a pattern string. "family:*" yields a wildcard
// over the family; anything else matches exactly.
func ParseNetworkPattern(s string) (NetworkPattern, error) {
	if s == "" {
		return NetworkPattern{}, fmt.Errorf("empty network pattern")
	}
	family, reference, found := strings.Cut(s, ":")
	if !found {
		// Legacy v1 network name, exact match only.
		return NetworkPattern{reference: s}, nil
	}
	if family == "" || reference == "" {
		return NetworkPattern{}, fmt.Errorf("invalid network pattern: %s", s)
	}
	if reference == "*" {
		return NetworkPattern{family: family, wildcard: true}, nil
	}
	return NetworkPattern{family: family, reference: reference}, nil
}

// Matches reports whether the pattern accepts the given network.
func (p NetworkPattern) Matches(n Network) bool {
	if p.wildcard {
		family, _, err := n.Parse()
		return err == nil && family == p.family
	}
	return string(n) == p.String()
}

// IsWildcard reports whether the pattern covers a whole CAIP-2 family.
func (p NetworkPattern) IsWildcard() bool {
	return p.wildcard
}

func (p NetworkPattern) String() string {
	if p.wildcard {
		return p.family + ":*"
	}
	if p.family == "" {
		return p.reference
	}
	return p.family + ":" + p.reference
}

// registration binds one (pattern, scheme) pair to a mechanism at a fixed
// protocol version.
type registration struct {
	pattern NetworkPattern
	scheme  string
	version int
	mech    SchemeNetworkFacilitator
}

// registry is an ordered list of registrations. It is written only while
// the engine is being configured and read-only afterwards, so lookups need
// no locking.
type registry struct {
	regs []registration
}

func (r *registry) add(version int, pattern NetworkPattern, mech SchemeNetworkFacilitator) error {
	scheme := mech.Scheme()
	if scheme == "" {
		return fmt.Errorf("mechanism has no scheme name")
	}
	for _, reg := range r.regs {
		if reg.version == version && reg.scheme == scheme && reg.pattern.String() == pattern.String() {
			return fmt.Errorf("duplicate registration for %s/%s (x402 v%d)", pattern.String(), scheme, version)
		}
	}
	r.regs = append(r.regs, registration{
		pattern: pattern,
		scheme:  scheme,
		version: version,
		mech:    mech,
	})
	return nil
}

// resolve returns the first registration, in registration order, whose
// pattern matches the network and whose scheme name matches. Legacy
// networks only match v1 registrations and CAIP-2 networks only v2 ones.
func (r *registry) resolve(network Network, scheme string) (SchemeNetworkFacilitator, bool) {
	wantVersion := 2
	if network.IsLegacy() {
		wantVersion = 1
	}
	for _, reg := range r.regs {
		if reg.version != wantVersion || reg.scheme != scheme {
			continue
		}
		if reg.pattern.Matches(network) {
			return reg.mech, true
		}
	}
	return nil, false
}

// supported builds the union of supported kinds and signer addresses across
// all registrations. Wildcard patterns are expanded with the concrete
// networks the mechanism declares.
func (r *registry) supported() *SupportedResponse {
	resp := &SupportedResponse{
		Kinds:      []SupportedKind{},
		Extensions: []string{},
		Signers:    map[Network][]string{},
	}
	seen := map[string]bool{}
	for _, reg := range r.regs {
		for _, network := range r.concreteNetworks(reg) {
			key := fmt.Sprintf("%d/%s/%s", reg.version, reg.scheme, network)
			if seen[key] {
				continue
			}
			seen[key] = true
			resp.Kinds = append(resp.Kinds, SupportedKind{
				X402Version: reg.version,
				Scheme:      reg.scheme,
				Network:     network,
				Extra:       reg.mech.GetExtra(network),
			})
			if _, ok := resp.Signers[network]; !ok {
				if signers := reg.mech.GetSigners(network); len(signers) > 0 {
					resp.Signers[network] = signers
				}
			}
		}
	}
	return resp
}

func (r *registry) concreteNetworks(reg registration) []Network {
	if !reg.pattern.IsWildcard() {
		return []Network{Network(reg.pattern.String())}
	}
	var networks []Network
	for _, n := range reg.mech.Networks() {
		if reg.pattern.Matches(n) {
			networks = append(networks, n)
		}
	}
	return networks
}
