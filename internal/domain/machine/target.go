package machine

import (
	"fmt"
	"net/netip"
	"strings"
)

// Target is a unicast probe destination. The zero Target stands for broadcast.
type Target struct {
	Addr netip.AddrPort
}

// IsBroadcast reports whether t is the broadcast placeholder.
func (t Target) IsBroadcast() bool {
	return !t.Addr.IsValid()
}

func (t Target) String() string {
	if t.IsBroadcast() {
		return "broadcast"
	}
	return t.Addr.String()
}

// ParseTarget parses "ip", "ip:port" or "[v6]:port". defaultPort is used when
// no port is given.
func ParseTarget(s string, defaultPort uint16) (Target, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Target{}, fmt.Errorf("empty address")
	}

	if ap, err := netip.ParseAddrPort(s); err == nil {
		if ap.Port() == 0 {
			return Target{}, fmt.Errorf("address %q: port must be non-zero", s)
		}
		return Target{Addr: ap}, nil
	}

	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return Target{}, fmt.Errorf("address %q: %w", s, err)
	}
	if addr.Zone() != "" {
		return Target{}, fmt.Errorf("address %q: zoned addresses are not supported", s)
	}
	return Target{Addr: netip.AddrPortFrom(addr.Unmap(), defaultPort)}, nil
}

// ParseTargets parses every address, dropping duplicates. Malformed entries are
// excluded from the result and reported individually in errs.
func ParseTargets(addrs []string, defaultPort uint16) (targets []Target, errs []error) {
	seen := make(map[netip.AddrPort]bool, len(addrs))
	for _, a := range addrs {
		t, err := ParseTarget(a, defaultPort)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.Addr] {
			continue
		}
		seen[t.Addr] = true
		targets = append(targets, t)
	}
	return targets, errs
}

// TargetStrings renders targets for logs and API payloads.
func TargetStrings(targets []Target) []string {
	if len(targets) == 0 {
		return []string{Target{}.String()}
	}
	out := make([]string, len(targets))
	for i, t := range targets {
		out[i] = t.String()
	}
	return out
}
