package relay

import (
	"context"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"github.com/go-pkgz/expirable-cache/v3"
	"github.com/thalynlabs/mudscape"
)

const (
	maxHostLength  = 253
	dnsCacheKeys   = 1024
	defaultDNSTTL  = 5 * time.Minute
	maxPort        = 65535
	dnsLookupLimit = 5 * time.Second
)

var (
	// validHostnameRE matches hostnames: 1-253 chars of letters, digits, dots
	// and hyphens, not starting or ending with a dot or hyphen.
	validHostnameRE = regexp.MustCompile(`^[A-Za-z0-9](?:[A-Za-z0-9.-]*[A-Za-z0-9])?$`)

	sharedAddressSpace = &net.IPNet{
		IP:   net.IPv4(100, 64, 0, 0),
		Mask: net.CIDRMask(10, 32),
	}
)

// ValidationError is returned when a connect request is malformed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// PolicyError is returned when a host resolves to an address the relay
// refuses to reach.
type PolicyError struct {
	Host string
	Addr net.IP
}

func (e PolicyError) Error() string {
	if e.Addr == nil {
		return fmt.Sprintf("host %q did not resolve to any address", e.Host)
	}
	if e.Addr.String() == e.Host {
		return fmt.Sprintf("connections to %s are not allowed", e.Host)
	}
	return fmt.Sprintf("host %q resolves to %s, connections there are not allowed", e.Host, e.Addr)
}

// validateTarget checks host and port syntax before any network activity.
func validateTarget(host string, port int) error {
	if host == "" {
		return ValidationError{Field: "host", Reason: "must not be empty"}
	}
	if len(host) > maxHostLength {
		return ValidationError{Field: "host", Reason: fmt.Sprintf("longer than %d characters", maxHostLength)}
	}
	if ip := net.ParseIP(strings.Trim(host, "[]")); ip == nil && !validHostnameRE.MatchString(host) {
		return ValidationError{Field: "host", Reason: "may only contain letters, digits, dots and hyphens"}
	}
	if port < 1 || port > maxPort {
		return ValidationError{Field: "port", Reason: fmt.Sprintf("must be between 1 and %d", maxPort)}
	}
	return nil
}

// forbidden reports whether ip is in a range the relay must not reach.
func forbidden(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		sharedAddressSpace.Contains(ip)
}

// Resolver is the subset of *net.Resolver the relay needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Validator resolves hosts and enforces the address policy. Resolutions that
// pass the policy are cached, and the cached address is the one dialed, so a
// second lookup cannot swap in a different target.
type Validator struct {
	Resolver     Resolver
	AllowPrivate bool
	cache        cache.Cache[string, net.IP]
}

func NewValidator(resolver Resolver, ttl time.Duration, allowPrivate bool) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if ttl <= 0 {
		ttl = defaultDNSTTL
	}
	return &Validator{
		Resolver:     resolver,
		AllowPrivate: allowPrivate,
		cache:        cache.NewCache[string, net.IP]().WithMaxKeys(dnsCacheKeys).WithLRU().WithTTL(ttl),
	}
}

// Resolve returns the single address to dial for host, or a PolicyError.
// Every resolved address must pass the policy, not just the first.
func (v *Validator) Resolve(ctx context.Context, host string) (net.IP, error) {
	literal := strings.Trim(host, "[]")
	if ip := net.ParseIP(literal); ip != nil {
		if !v.AllowPrivate && forbidden(ip) {
			return nil, PolicyError{Host: literal, Addr: ip}
		}
		return ip, nil
	}
	key := strings.ToLower(host)
	if ip, found := v.cache.Get(key); found {
		return ip, nil
	}
	ctx, cancel := context.WithTimeout(ctx, dnsLookupLimit)
	defer cancel()
	addrs, err := v.Resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, mudscape.WithStack(err)
	}
	if len(addrs) == 0 {
		return nil, PolicyError{Host: host}
	}
	if !v.AllowPrivate {
		for _, addr := range addrs {
			if forbidden(addr.IP) {
				return nil, PolicyError{Host: host, Addr: addr.IP}
			}
		}
	}
	ip := addrs[0].IP
	v.cache.Set(key, ip, 0)
	return ip, nil
}
