// Package forwarder relays unblocked queries to the configured upstream
// resolvers with round-robin selection and retry across upstreams.
package forwarder

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sinkhole/pkg/config"
	"sinkhole/pkg/logging"

	"github.com/miekg/dns"
)

// Forwarder handles forwarding DNS queries to upstream servers
type Forwarder struct {
	upstreams []string
	index     atomic.Uint32
	timeout   time.Duration
	retries   int
	logger    *logging.Logger

	// Pooled UDP clients; TCP clients are created per exchange
	clientPool sync.Pool
}

// New creates a DNS forwarder from the configured upstream list.
// Upstream addresses without an explicit port get :53 appended.
func New(cfg *config.Config, logger *logging.Logger) *Forwarder {
	servers := cfg.UpstreamDNSServers
	if len(servers) == 0 {
		servers = []string{"1.1.1.1:53", "8.8.8.8:53"}
	}

	upstreams := make([]string, len(servers))
	for i, upstream := range servers {
		if _, _, err := net.SplitHostPort(upstream); err != nil {
			upstreams[i] = net.JoinHostPort(upstream, "53")
		} else {
			upstreams[i] = upstream
		}
	}

	f := &Forwarder{
		upstreams: upstreams,
		timeout:   2 * time.Second,
		retries:   2, // try up to 2 different upstreams
		logger:    logger,
	}

	f.clientPool.New = func() any {
		return &dns.Client{
			Net:     "udp",
			Timeout: f.timeout,
		}
	}

	logger.Info("Forwarder initialized",
		"upstreams", upstreams,
		"timeout", f.timeout,
		"retries", f.retries,
	)

	return f
}

// Forward relays a query over UDP, rotating through upstreams on failure.
// A SERVFAIL from an upstream counts as a failure and triggers the next
// attempt.
func (f *Forwarder) Forward(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	return f.forward(ctx, r, false)
}

// ForwardTCP relays a query over TCP, typically after a truncated UDP reply.
func (f *Forwarder) ForwardTCP(ctx context.Context, r *dns.Msg) (*dns.Msg, error) {
	return f.forward(ctx, r, true)
}

func (f *Forwarder) forward(ctx context.Context, r *dns.Msg, tcp bool) (*dns.Msg, error) {
	if len(f.upstreams) == 0 {
		return nil, fmt.Errorf("no upstream DNS servers configured")
	}

	attempts := min(f.retries, len(f.upstreams))
	var lastErr error

	for i := 0; i < attempts; i++ {
		upstream := f.selectUpstream()

		f.logger.Debug("Forwarding DNS query",
			"domain", r.Question[0].Name,
			"type", dns.TypeToString[r.Question[0].Qtype],
			"upstream", upstream,
			"tcp", tcp,
			"attempt", i+1,
		)

		resp, rtt, err := f.exchange(ctx, r, upstream, tcp)
		if err != nil {
			f.logger.Warn("Upstream query failed",
				"upstream", upstream,
				"error", err,
				"attempt", i+1,
			)
			lastErr = err
			continue
		}

		if resp == nil {
			lastErr = fmt.Errorf("received nil response from %s", upstream)
			continue
		}

		if resp.Rcode == dns.RcodeServerFailure {
			f.logger.Warn("Upstream returned SERVFAIL",
				"upstream", upstream,
				"domain", r.Question[0].Name,
			)
			lastErr = fmt.Errorf("upstream %s returned SERVFAIL", upstream)
			continue
		}

		f.logger.Debug("Upstream query succeeded",
			"upstream", upstream,
			"domain", r.Question[0].Name,
			"rtt", rtt,
			"answers", len(resp.Answer),
		)

		return resp, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("all upstream servers failed: %w", lastErr)
	}
	return nil, fmt.Errorf("all upstream servers failed")
}

// exchange performs a single query against one upstream
func (f *Forwarder) exchange(ctx context.Context, r *dns.Msg, upstream string, tcp bool) (*dns.Msg, time.Duration, error) {
	if tcp {
		client := &dns.Client{
			Net:     "tcp",
			Timeout: f.timeout,
		}
		return client.ExchangeContext(ctx, r, upstream)
	}

	client := f.clientPool.Get().(*dns.Client)
	resp, rtt, err := client.ExchangeContext(ctx, r, upstream)
	f.clientPool.Put(client)
	return resp, rtt, err
}

// selectUpstream selects the next upstream server using round-robin
func (f *Forwarder) selectUpstream() string {
	idx := f.index.Add(1) % uint32(len(f.upstreams))
	return f.upstreams[idx]
}

// SetTimeout sets the query timeout duration
func (f *Forwarder) SetTimeout(timeout time.Duration) {
	f.timeout = timeout
}

// SetRetries sets the number of retry attempts
func (f *Forwarder) SetRetries(retries int) {
	f.retries = retries
}

// Upstreams returns the list of configured upstream servers
func (f *Forwarder) Upstreams() []string {
	return f.upstreams
}
