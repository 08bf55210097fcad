package security

import (
	"fmt"
	"net"
	"sync"
)

// Allowlist holds separate literal and CIDR sets for IPv4 and IPv6. An
// allowlist with nothing configured permits every address (fail-open);
// once any entry is added, only matching addresses are allowed.
type Allowlist struct {
	mu sync.RWMutex

	literalsV4 map[string]struct{}
	literalsV6 map[string]struct{}
	netsV4     []*net.IPNet
	netsV6     []*net.IPNet
}

// NewAllowlist constructs an empty (fail-open) allowlist.
func NewAllowlist() *Allowlist {
	return &Allowlist{
		literalsV4: make(map[string]struct{}),
		literalsV6: make(map[string]struct{}),
	}
}

// AddLiteral adds a single IP address (v4 or v6) to the allowlist. Returns
// an error for a malformed address.
func (a *Allowlist) AddLiteral(ip string) error {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return fmt.Errorf("security: invalid IP literal %q", ip)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if v4 := parsed.To4(); v4 != nil {
		a.literalsV4[v4.String()] = struct{}{}
	} else {
		a.literalsV6[parsed.String()] = struct{}{}
	}
	return nil
}

// AddCIDR adds a CIDR network to the allowlist. Returns an error for a
// malformed CIDR.
func (a *Allowlist) AddCIDR(cidr string) error {
	_, ipNet, err := net.ParseCIDR(cidr)
	if err != nil {
		return fmt.Errorf("security: invalid CIDR %q: %w", cidr, err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ipNet.IP.To4() != nil {
		a.netsV4 = append(a.netsV4, ipNet)
	} else {
		a.netsV6 = append(a.netsV6, ipNet)
	}
	return nil
}

// Empty reports whether nothing has been configured (fail-open state).
func (a *Allowlist) Empty() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.literalsV4) == 0 && len(a.literalsV6) == 0 && len(a.netsV4) == 0 && len(a.netsV6) == 0
}

// IsAllowed reports whether ip is allowed. A malformed ip always returns
// false. An empty allowlist always returns true.
func (a *Allowlist) IsAllowed(ip string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if len(a.literalsV4) == 0 && len(a.literalsV6) == 0 && len(a.netsV4) == 0 && len(a.netsV6) == 0 {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}

	if v4 := parsed.To4(); v4 != nil {
		if _, ok := a.literalsV4[v4.String()]; ok {
			return true
		}
		for _, n := range a.netsV4 {
			if n.Contains(v4) {
				return true
			}
		}
		return false
	}

	if _, ok := a.literalsV6[parsed.String()]; ok {
		return true
	}
	for _, n := range a.netsV6 {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}
