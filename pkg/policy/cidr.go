package policy

import (
	"fmt"
	"net/netip"

	"github.com/sentinelops/aegis/pkg/action"
)

// defaultReservedCIDRs are ranges a network action must never cover:
// blocking them would cut off loopback, link-local, multicast or the
// organization's own RFC 1918 space.
var defaultReservedCIDRs = []string{
	"0.0.0.0/8",
	"10.0.0.0/8",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.168.0.0/16",
	"224.0.0.0/4",
	"255.255.255.255/32",
	"::1/128",
	"fe80::/10",
	"fc00::/7",
	"ff00::/8",
}

type reservedRange struct {
	prefix netip.Prefix
	label  string
}

func parseReserved(cidrs []string) ([]reservedRange, error) {
	if len(cidrs) == 0 {
		cidrs = defaultReservedCIDRs
	}
	out := make([]reservedRange, 0, len(cidrs))
	for _, c := range cidrs {
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("policy: reserved cidr %q: %w", c, err)
		}
		out = append(out, reservedRange{prefix: p.Masked(), label: c})
	}
	return out, nil
}

// checkNetworkScope validates the cidr parameter of a network action against
// reserved ranges and the blast-radius cap. Actions without a cidr parameter
// (none today) pass through.
func (e *Engine) checkNetworkScope(req action.ActionRequest) action.PreconditionResult {
	raw, ok := req.Params["cidr"].(string)
	if !ok {
		return action.PreconditionResult{Name: "network_scope", Passed: true, Detail: "no cidr parameter"}
	}
	prefix, err := netip.ParsePrefix(raw)
	if err != nil {
		return action.PreconditionResult{Name: "network_scope", Passed: false,
			Detail: fmt.Sprintf("cidr %q is not a valid prefix: %v", raw, err)}
	}
	prefix = prefix.Masked()

	for _, r := range e.reserved {
		if overlaps(prefix, r.prefix) {
			return action.PreconditionResult{Name: "network_scope", Passed: false,
				Detail: fmt.Sprintf("cidr %s overlaps reserved range %s", raw, r.label)}
		}
	}

	if radius := blastRadius(prefix); radius > e.policy.MaxBlastRadius {
		return action.PreconditionResult{Name: "network_scope", Passed: false,
			Detail: fmt.Sprintf("cidr %s covers %d addresses, exceeding max_blast_radius %d", raw, radius, e.policy.MaxBlastRadius)}
	}

	return action.PreconditionResult{Name: "network_scope", Passed: true}
}

func overlaps(a, b netip.Prefix) bool {
	if a.Addr().Is4() != b.Addr().Is4() {
		return false
	}
	return a.Contains(b.Addr()) || b.Contains(a.Addr())
}

// blastRadius returns the number of addresses covered by the prefix, capped
// to avoid overflow for very wide prefixes.
func blastRadius(p netip.Prefix) int {
	hostBits := p.Addr().BitLen() - p.Bits()
	if hostBits >= 31 {
		return 1 << 31
	}
	return 1 << hostBits
}
