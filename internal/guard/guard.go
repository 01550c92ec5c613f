// Package guard validates user-supplied SSH targets before anything dials
// them. It refuses private, loopback, link-local and cloud-metadata
// destinations, normalizes obfuscated numeric hosts, and resolves hostnames
// through multiple methods so a rebinding-friendly resolver cannot smuggle a
// private address past the checks. The address it returns is the only
// address callers may dial.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/netip"
	"regexp"
	"strconv"
	"strings"
)

// Rejections are a closed enumeration; anything else coming out of Resolve
// is a system error.
var (
	ErrPrivateLiteral   = errors.New("address is private or local")
	ErrBlockedName      = errors.New("hostname is blocked")
	ErrEmbeddedPrivate  = errors.New("hostname embeds a private address")
	ErrResolutionFailed = errors.New("hostname did not resolve")
	ErrResolvedPrivate  = errors.New("hostname resolved to a private address")
)

// Resolver is the lookup surface the guard needs. *net.Resolver satisfies
// it; tests substitute a stub to simulate rebinding.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
}

var blockedExact = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"instance-data":            true,
	"169.254.169.254":          true,
}

var blockedSuffixes = []string{".localhost", ".local", ".internal", ".private"}

var dottedQuadRe = regexp.MustCompile(`(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

type Options struct {
	Resolver        Resolver // nil means net.DefaultResolver
	StrictRebinding bool     // reject on disjoint resolver answers instead of logging
	Extras          Extras   // operator-supplied denylist extensions
}

type Guard struct {
	resolver Resolver
	strict   bool
	extras   Extras
}

func New(opts Options) *Guard {
	r := opts.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r, strict: opts.StrictRebinding, extras: opts.Extras}
}

// Resolve runs the full validation pipeline over host and returns the single
// address the SSH dialer must use. The raw hostname must never be dialed;
// re-resolution by the dialer is exactly the rebinding hole this closes.
func (g *Guard) Resolve(ctx context.Context, host string) (netip.Addr, error) {
	h := strings.ToLower(strings.TrimSpace(host))
	h = strings.Trim(h, "[]")
	if h == "" {
		return netip.Addr{}, fmt.Errorf("%w: empty host", ErrBlockedName)
	}

	if err := g.checkName(h); err != nil {
		return netip.Addr{}, err
	}

	// Literal address, canonical or obfuscated.
	if addr, ok, err := canonicalize(h); err != nil {
		return netip.Addr{}, err
	} else if ok {
		if err := g.checkName(addr.String()); err != nil {
			return netip.Addr{}, err
		}
		if g.isPrivate(addr) {
			return netip.Addr{}, fmt.Errorf("%w: %s", ErrPrivateLiteral, addr)
		}
		return addr, nil
	}

	// Hostnames hiding a private dotted quad inside a longer label.
	if quad := dottedQuadRe.FindString(h); quad != "" {
		if addr, err := netip.ParseAddr(quad); err == nil && g.isPrivate(addr) {
			return netip.Addr{}, fmt.Errorf("%w: %q", ErrEmbeddedPrivate, host)
		}
	}

	return g.resolveAndFilter(ctx, h)
}

// checkName applies the shape denylist: exact names, blocked suffixes, ULA
// literal prefixes, and operator extensions.
func (g *Guard) checkName(h string) error {
	if blockedExact[h] || g.extras.blocksName(h) {
		return fmt.Errorf("%w: %q", ErrBlockedName, h)
	}
	for _, suf := range blockedSuffixes {
		if strings.HasSuffix(h, suf) {
			return fmt.Errorf("%w: %q", ErrBlockedName, h)
		}
	}
	// IPv6 unique-local literals (fc00::/7) by shape.
	if strings.Contains(h, ":") && (strings.HasPrefix(h, "fd") || strings.HasPrefix(h, "fc")) {
		return fmt.Errorf("%w: %q", ErrBlockedName, h)
	}
	return nil
}

// resolveAndFilter looks the host up via the OS resolver plus dedicated A
// and AAAA queries, cross-checks the answers, and rejects if any returned
// address is private.
func (g *Guard) resolveAndFilter(ctx context.Context, h string) (netip.Addr, error) {
	var osAddrs []netip.Addr
	if ipAddrs, err := g.resolver.LookupIPAddr(ctx, h); err == nil {
		for _, ia := range ipAddrs {
			if a, ok := netip.AddrFromSlice(ia.IP); ok {
				osAddrs = append(osAddrs, a.Unmap())
			}
		}
	}

	var direct []netip.Addr
	for _, network := range []string{"ip4", "ip6"} {
		ips, err := g.resolver.LookupIP(ctx, network, h)
		if err != nil {
			continue
		}
		for _, ip := range ips {
			if a, ok := netip.AddrFromSlice(ip); ok {
				direct = append(direct, a.Unmap())
			}
		}
	}

	if len(osAddrs) == 0 && len(direct) == 0 {
		return netip.Addr{}, fmt.Errorf("%w: %q", ErrResolutionFailed, h)
	}

	// Disjoint answers between methods point at a rebinding attempt.
	if len(osAddrs) > 0 && len(direct) > 0 && !intersects(osAddrs, direct) {
		if g.strict {
			return netip.Addr{}, fmt.Errorf("%w: %q returned disjoint answers across resolvers", ErrResolutionFailed, h)
		}
		log.Printf("[guard] WARNING: %q resolver answers disagree (os=%v direct=%v), continuing", h, osAddrs, direct)
	}

	for _, a := range append(append([]netip.Addr{}, osAddrs...), direct...) {
		if g.isPrivate(a) {
			return netip.Addr{}, fmt.Errorf("%w: %q -> %s", ErrResolvedPrivate, h, a)
		}
	}

	if len(osAddrs) > 0 {
		return osAddrs[0], nil
	}
	return direct[0], nil
}

// isPrivate reports whether addr falls in any refused range. IPv4-mapped
// IPv6 addresses are unmapped first so ::ffff:10.0.0.1 cannot slip through.
func (g *Guard) isPrivate(addr netip.Addr) bool {
	a := addr.Unmap()
	switch {
	case a.IsLoopback(),
		a.IsPrivate(),
		a.IsLinkLocalUnicast(),
		a.IsLinkLocalMulticast(),
		a.IsUnspecified(),
		a.IsMulticast():
		return true
	}
	if a.Is4() {
		if a == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
			return true
		}
	} else if isULA(a) {
		return true
	}
	return g.extras.blocksAddr(a)
}

func isULA(a netip.Addr) bool {
	b := a.As16()
	return b[0]&0xfe == 0xfc // fc00::/7
}

func intersects(a, b []netip.Addr) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// canonicalize turns numeric host forms into a netip.Addr. It accepts
// canonical IPv4/IPv6 literals, bare integers ("2130706433"), whole-value
// hex ("0x7f000001"), and dotted forms whose octets carry hex prefixes or
// leading zeros ("0x7f.0.0.1", "0177.0.0.01"). ok=false means the input is
// not numeric at all; a numeric-looking input that fails to parse is a
// rejection, never a fall-through to DNS.
func canonicalize(h string) (addr netip.Addr, ok bool, err error) {
	if a, perr := netip.ParseAddr(h); perr == nil {
		return a.Unmap(), true, nil
	}

	if !looksNumeric(h) {
		return netip.Addr{}, false, nil
	}

	// Whole-value integer, decimal or hex.
	if !strings.Contains(h, ".") {
		v, perr := parseOctetValue(h, 32)
		if perr != nil {
			return netip.Addr{}, false, fmt.Errorf("%w: unparseable numeric host %q", ErrBlockedName, h)
		}
		return netip.AddrFrom4([4]byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}), true, nil
	}

	// Dotted form with obfuscated octets, inet_aton style: hex with 0x,
	// octal with a leading zero.
	parts := strings.Split(h, ".")
	if len(parts) != 4 {
		return netip.Addr{}, false, fmt.Errorf("%w: unparseable numeric host %q", ErrBlockedName, h)
	}
	var quad [4]byte
	for i, p := range parts {
		v, perr := parseOctetValue(p, 8)
		if perr != nil {
			return netip.Addr{}, false, fmt.Errorf("%w: unparseable numeric host %q", ErrBlockedName, h)
		}
		quad[i] = byte(v)
	}
	return netip.AddrFrom4(quad), true, nil
}

// looksNumeric reports whether the host consists only of digits, dots and
// hex notation, i.e. whether it is an address in disguise rather than a name.
func looksNumeric(h string) bool {
	for _, part := range strings.Split(h, ".") {
		p := strings.TrimPrefix(part, "0x")
		if p == "" && part != "0x" {
			return false
		}
		for _, c := range p {
			if !(c >= '0' && c <= '9') && !(c >= 'a' && c <= 'f') {
				return false
			}
		}
		// Bare hex letters without the 0x prefix are a hostname ("beef.example").
		if !strings.HasPrefix(part, "0x") {
			for _, c := range part {
				if c < '0' || c > '9' {
					return false
				}
			}
		}
	}
	return true
}

// parseOctetValue parses one numeric component with inet_aton semantics and
// bounds-checks it against bits.
func parseOctetValue(p string, bits int) (uint64, error) {
	var v uint64
	var err error
	switch {
	case strings.HasPrefix(p, "0x"):
		v, err = strconv.ParseUint(p[2:], 16, 64)
	case len(p) > 1 && p[0] == '0':
		v, err = strconv.ParseUint(p, 8, 64)
	default:
		v, err = strconv.ParseUint(p, 10, 64)
	}
	if err != nil {
		return 0, err
	}
	if v >= 1<<bits {
		return 0, fmt.Errorf("value %d out of range", v)
	}
	return v, nil
}
