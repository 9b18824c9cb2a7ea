// Package urlguard validates outbound URLs before any fetch or invoke.
// Every network egress in the system (crawler, invoker, trust checks)
// goes through one of these checks so that a hostile manifest cannot
// point the service at private address space.
package urlguard

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// Sentinel errors callers branch on. Message text is part of the API
// surface: it is embedded verbatim in attestation error lists.
var (
	ErrHTTPSOnly        = errors.New("Only HTTPS URLs are allowed")
	ErrSchemeNotAllowed = errors.New("Only HTTP(S) URLs are allowed")
	ErrNoHostname       = errors.New("URL must have a hostname")
	ErrPrivateAddress   = errors.New("Private IP addresses are not allowed")
)

// LookupFunc resolves a hostname to its IP addresses.
type LookupFunc func(ctx context.Context, host string) ([]net.IP, error)

type options struct {
	allowHTTP    bool
	allowPrivate bool
	lookup       LookupFunc
}

// Option customizes a check.
type Option func(*options)

// WithHTTPAllowed permits plain-http URLs (local development only).
func WithHTTPAllowed() Option {
	return func(o *options) { o.allowHTTP = true }
}

// WithPrivateAllowed permits private and loopback addresses (local
// development only).
func WithPrivateAllowed() Option {
	return func(o *options) { o.allowPrivate = true }
}

// WithLookup overrides DNS resolution.
func WithLookup(fn LookupFunc) Option {
	return func(o *options) { o.lookup = fn }
}

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

func buildOptions(opts []Option) options {
	o := options{lookup: defaultLookup}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// isPrivate reports whether an address must never be contacted.
// Unparseable addresses are treated as private.
func isPrivate(ip net.IP) bool {
	if ip == nil {
		return true
	}
	return ip.IsPrivate() ||
		ip.IsLoopback() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// Check validates a URL for outbound use. Scheme must be https (http only
// with WithHTTPAllowed), the host must be present, and every address the
// host resolves to must be public. IP-literal hosts are classified without
// touching DNS.
func Check(ctx context.Context, rawURL string, opts ...Option) error {
	o := buildOptions(opts)

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("Invalid URL: %s", rawURL)
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !o.allowHTTP {
			return ErrHTTPSOnly
		}
	default:
		if o.allowHTTP {
			return ErrSchemeNotAllowed
		}
		return ErrHTTPSOnly
	}

	host := u.Hostname()
	if host == "" {
		return ErrNoHostname
	}

	if ip := net.ParseIP(host); ip != nil {
		if !o.allowPrivate && isPrivate(ip) {
			return ErrPrivateAddress
		}
		return nil
	}

	ips, err := o.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("Could not resolve hostname: %s", host)
	}
	if o.allowPrivate {
		return nil
	}
	for _, ip := range ips {
		if isPrivate(ip) {
			return ErrPrivateAddress
		}
	}
	return nil
}

// CheckAddress validates only where a URL points, not its scheme: the
// host must be present and every address it names or resolves to must be
// public. The invoker and crawler run this on every request and every
// redirect hop; their URLs are already scheme-constrained by construction.
func CheckAddress(ctx context.Context, rawURL string, opts ...Option) error {
	o := buildOptions(opts)

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return fmt.Errorf("Invalid URL: %s", rawURL)
	}

	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if !o.allowPrivate && isPrivate(ip) {
			return fmt.Errorf("URL resolves to private IP: %s", ip)
		}
		return nil
	}

	ips, err := o.lookup(ctx, host)
	if err != nil || len(ips) == 0 {
		return fmt.Errorf("Cannot resolve hostname: %s", host)
	}
	if o.allowPrivate {
		return nil
	}
	for _, ip := range ips {
		if isPrivate(ip) {
			return fmt.Errorf("URL resolves to private IP: %s", ip)
		}
	}
	return nil
}
