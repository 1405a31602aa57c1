// Package netguard decides whether an outbound URL may be fetched. A candidate
// is allowed only when its scheme is http(s), it names a host, and every address
// that host resolves to is publicly routable.
package netguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
)

// ErrPolicyViolation is matched by every denial returned from this package.
var ErrPolicyViolation = errors.New("policy violation")

// PolicyViolation describes why a candidate URL or address was denied.
type PolicyViolation struct {
	// Host is the hostname or address that failed the check.
	Host string
	// Reason is a short operator-facing explanation.
	Reason string
}

func (e *PolicyViolation) Error() string {
	if e.Host == "" {
		return "policy violation: " + e.Reason
	}
	return fmt.Sprintf("policy violation for %s: %s", e.Host, e.Reason)
}

// Is lets errors.Is match ErrPolicyViolation.
func (e *PolicyViolation) Is(target error) bool {
	return target == ErrPolicyViolation
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	// Host is the hostname taken from the URL.
	Host string
	// IPs lists every validated address in resolver order. Empty when denied.
	IPs []netip.Addr
	// Reason explains a denial.
	Reason string
}

// Err converts a denial into a *PolicyViolation; nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &PolicyViolation{Host: d.Host, Reason: d.Reason}
}

// Validator applies the outbound address policy.
type Validator struct {
	resolver Resolver
}

// Option customizes a Validator.
type Option func(*Validator)

// WithResolver overrides the DNS resolver (tests inject a static one).
func WithResolver(r Resolver) Option {
	return func(v *Validator) {
		if r != nil {
			v.resolver = r
		}
	}
}

// New constructs a Validator backed by net.DefaultResolver.
func New(opts ...Option) *Validator {
	v := &Validator{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Check validates rawURL and resolves its host. No connection is made.
func (v *Validator) Check(ctx context.Context, rawURL string) Decision {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return deny("", "unparseable url")
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return deny(u.Hostname(), fmt.Sprintf("scheme %q not allowed", u.Scheme))
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return deny("", "missing hostname")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return deny(host, "localhost names are not allowed")
	}

	// IP literals are checked directly; they never skip the address rules.
	if addr, err := netip.ParseAddr(host); err == nil {
		if err := v.CheckAddr(addr); err != nil {
			return deny(host, reasonOf(err))
		}
		return Decision{Allowed: true, Host: host, IPs: []netip.Addr{addr.Unmap()}}
	}

	addrs, err := v.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return deny(host, "dns resolution failed")
	}
	if len(addrs) == 0 {
		return deny(host, "dns returned no addresses")
	}
	ips := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		if err := v.CheckAddr(addr); err != nil {
			return deny(host, reasonOf(err))
		}
		ips = append(ips, addr.Unmap())
	}
	return Decision{Allowed: true, Host: host, IPs: ips}
}

// CheckAddr rejects any address that is not publicly routable.
func (v *Validator) CheckAddr(addr netip.Addr) error {
	if !addr.IsValid() {
		return &PolicyViolation{Reason: "invalid address"}
	}
	addr = addr.Unmap()
	host := addr.String()
	switch {
	case addr.IsUnspecified():
		return &PolicyViolation{Host: host, Reason: "unspecified address"}
	case addr.IsLoopback():
		return &PolicyViolation{Host: host, Reason: "loopback address"}
	case addr.IsPrivate():
		return &PolicyViolation{Host: host, Reason: "private address"}
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return &PolicyViolation{Host: host, Reason: "link-local address"}
	case addr.IsMulticast(), addr.IsInterfaceLocalMulticast():
		return &PolicyViolation{Host: host, Reason: "multicast address"}
	}
	for _, prefix := range reservedPrefixes {
		if prefix.Contains(addr) {
			return &PolicyViolation{Host: host, Reason: "reserved address " + prefix.String()}
		}
	}
	return nil
}

var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("100::/64"),
	netip.MustParsePrefix("2001::/23"),
	netip.MustParsePrefix("2001:db8::/32"),
	netip.MustParsePrefix("2002::/16"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("64:ff9b:1::/48"),
}

func deny(host, reason string) Decision {
	return Decision{Allowed: false, Host: host, Reason: reason}
}

func reasonOf(err error) string {
	var pv *PolicyViolation
	if errors.As(err, &pv) {
		return pv.Reason
	}
	return err.Error()
}
