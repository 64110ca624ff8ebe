// Package resolver centralizes outbound DNS resolution so other packages
// never depend on the host resolver. A process that is itself the local
// DNS server cannot resolve through /etc/resolv.conf without risking a
// loop through its own listener.
package resolver

import (
	"context"
	"fmt"
	"net"
	"time"

	"sinkhole/pkg/logging"
)

// Resolver resolves hostnames through the configured upstream DNS servers
type Resolver struct {
	logger    *logging.Logger
	dialer    *net.Dialer
	upstreams []string
}

// New creates a resolver that uses the given upstream DNS servers. With
// an empty upstream list it falls back to the system default resolver.
func New(upstreams []string, logger *logging.Logger) *Resolver {
	if len(upstreams) == 0 {
		logger.Warn("No upstream DNS servers configured, using system default resolver")
	}

	return &Resolver{
		upstreams: upstreams,
		logger:    logger,
		dialer: &net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		},
	}
}

// LookupIP resolves a hostname via the upstream servers, trying each in
// turn until one succeeds.
func (r *Resolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	if len(r.upstreams) == 0 {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	var lastErr error
	for idx, upstream := range r.upstreams {
		netResolver := &net.Resolver{
			PreferGo: true,
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return r.dialer.DialContext(ctx, "udp", upstream)
			},
		}

		ips, err := netResolver.LookupIP(ctx, network, host)
		if err != nil {
			lastErr = err
			r.logger.Warn("DNS resolution attempt failed",
				"host", host,
				"upstream", upstream,
				"attempt", idx+1,
				"error", err,
			)
			continue
		}

		return ips, nil
	}

	return nil, fmt.Errorf("failed to resolve %s via configured upstreams: %w", host, lastErr)
}

// DialContext dials a network address, resolving hostnames through the
// configured upstreams. Compatible with http.Transport.DialContext.
func (r *Resolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %s: %w", addr, err)
	}

	if net.ParseIP(host) != nil {
		return r.dialer.DialContext(ctx, network, addr)
	}

	ips, err := r.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("no IP addresses found for %s", host)
	}

	return r.dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// Upstreams returns the configured upstream DNS servers
func (r *Resolver) Upstreams() []string {
	return r.upstreams
}
