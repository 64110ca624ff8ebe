package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient returns an HTTP client whose connections resolve hostnames
// through this resolver instead of the host resolver. Used when fetching
// remote blocklists so the download never routes through our own listener.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if len(r.upstreams) == 0 {
		return &http.Client{Timeout: timeout}
	}

	transport := &http.Transport{
		DialContext:           r.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}
}
