// Package security gates outbound connections so destination configuration
// cannot be used to reach internal infrastructure (loopback, cloud metadata,
// private networks).
//
// EgressValidator is consulted by the dispatcher before any network-bound
// adapter runs, and again at dial time by the transports built here, which
// closes the window for DNS rebinding between the check and the connect.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"fleetrelay/internal/types"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

// ErrEgressBlocked is returned when a target is in the blocklist. It is
// never retryable.
var ErrEgressBlocked = errors.New("egress: destination address is blocked")

// ErrEgressDNSTimeout is returned when DNS resolution exceeds the timeout.
var ErrEgressDNSTimeout = errors.New("egress: DNS resolution timeout")

// ErrEgressDNSFailed is returned when DNS resolution fails entirely.
var ErrEgressDNSFailed = errors.New("egress: DNS resolution failed")

// ErrEgressTooManyRedirects is returned when the redirect limit is exceeded.
var ErrEgressTooManyRedirects = errors.New("egress: too many redirects")

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// EgressValidator checks hosts and addresses against the blocklist. It is
// immutable after construction and safe for concurrent use.
type EgressValidator struct {
	blocked   []*net.IPNet
	hostnames map[string]struct{}
	resolver  Resolver
}

// NewEgressValidator parses types.EgressBlockedCIDRs. A nil resolver uses
// net.DefaultResolver.
func NewEgressValidator(resolver Resolver) (*EgressValidator, error) {
	return newEgressValidator(types.EgressBlockedCIDRs, types.EgressBlockedHostnames, resolver)
}

func newEgressValidator(cidrs, hostnames []string, resolver Resolver) (*EgressValidator, error) {
	v := &EgressValidator{
		blocked:   make([]*net.IPNet, 0, len(cidrs)),
		hostnames: make(map[string]struct{}, len(hostnames)),
		resolver:  resolver,
	}
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("egress: failed to parse CIDR %q: %w", cidr, err)
		}
		v.blocked = append(v.blocked, ipNet)
	}
	for _, h := range hostnames {
		v.hostnames[strings.ToLower(h)] = struct{}{}
	}
	if v.resolver == nil {
		v.resolver = net.DefaultResolver
	}
	return v, nil
}

// IsBlockedIP reports whether ip falls in any blocked range.
func (v *EgressValidator) IsBlockedIP(ip net.IP) bool {
	for _, ipNet := range v.blocked {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// isBlockedHostname matches the literal set and the reserved .localhost TLD.
func (v *EgressValidator) isBlockedHostname(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	if _, ok := v.hostnames[h]; ok {
		return true
	}
	return strings.HasSuffix(h, ".localhost")
}

// ValidateHost rejects blocked hostnames without resolving them, checks IP
// literals directly, and otherwise requires every resolved address to be
// outside the blocklist.
func (v *EgressValidator) ValidateHost(ctx context.Context, host string) error {
	_, err := v.resolve(ctx, host)
	return err
}

// ResolveHost validates host and returns the address to connect to. It is
// for clients that dial internally and cannot take DialContext.
func (v *EgressValidator) ResolveHost(ctx context.Context, host string) (net.IP, error) {
	ips, err := v.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	return ips[0], nil
}

// resolve validates host and returns its addresses.
func (v *EgressValidator) resolve(ctx context.Context, host string) ([]net.IP, error) {
	host = strings.Trim(host, "[]")
	if host == "" {
		return nil, fmt.Errorf("%w: empty host", ErrEgressBlocked)
	}
	if v.isBlockedHostname(host) {
		return nil, fmt.Errorf("%w: hostname %q", ErrEgressBlocked, host)
	}

	if ip := net.ParseIP(host); ip != nil {
		if v.IsBlockedIP(ip) {
			return nil, fmt.Errorf("%w: %s", ErrEgressBlocked, ip.String())
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := v.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrEgressDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrEgressDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrEgressDNSFailed, host)
	}

	// Every address must pass; one private record mixed into a public set
	// is still a rejection.
	ips := make([]net.IP, 0, len(addrs))
	for _, addr := range addrs {
		if v.IsBlockedIP(addr.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrEgressBlocked, addr.IP.String(), host)
		}
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

// DialContext resolves and validates addr, then dials the first address.
// It has the net.Dialer.DialContext signature so it can back an
// http.Transport, an SMTP connection, or anything else that dials.
func (v *EgressValidator) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("egress: invalid address %q: %w", addr, err)
	}
	ips, err := v.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect function. With
// maxRedirects of zero the client returns the 3xx response itself.
func (v *EgressValidator) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if maxRedirects <= 0 {
			return http.ErrUseLastResponse
		}
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrEgressTooManyRedirects, maxRedirects)
		}
		return v.ValidateHost(req.Context(), req.URL.Hostname())
	}
}

// NewSafeHTTPClient builds an http.Client whose every dial and redirect is
// validated. The per-request deadline comes from the caller's context;
// timeout is a backstop.
func (v *EgressValidator) NewSafeHTTPClient(timeout time.Duration, maxRedirects int) *http.Client {
	transport := &http.Transport{
		DialContext:           v.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: v.CheckRedirect(maxRedirects),
	}
}

// IsBlocked reports whether err is a non-retryable egress rejection.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrEgressBlocked)
}

// IsEgressError reports whether err came from egress validation at all.
func IsEgressError(err error) bool {
	return errors.Is(err, ErrEgressBlocked) ||
		errors.Is(err, ErrEgressDNSTimeout) ||
		errors.Is(err, ErrEgressDNSFailed) ||
		errors.Is(err, ErrEgressTooManyRedirects)
}
