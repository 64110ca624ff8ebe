package dns

import (
	"github.com/miekg/dns"
)

// EDNS0 buffer size bounds (RFC 6891). 4096 is the recommended safe
// default; anything above risks fragmentation, anything below 512 is
// out of protocol range.
const (
	DefaultEDNSBufferSize = 4096
	MaxEDNSBufferSize     = 4096
	MinEDNSBufferSize     = 512
)

// HandleEDNS0 mirrors the request's EDNS0 OPT record onto the response:
// if the request carried EDNS0, the response advertises a negotiated
// buffer size and preserves the DNSSEC OK bit. Requests without EDNS0
// leave the response untouched.
func HandleEDNS0(req, resp *dns.Msg) {
	if req == nil || resp == nil {
		return
	}

	opt := req.IsEdns0()
	if opt == nil {
		return
	}

	// Response may already carry an OPT record (e.g. from upstream)
	if resp.IsEdns0() != nil {
		return
	}

	respOpt := &dns.OPT{
		Hdr: dns.RR_Header{
			Name:   ".",
			Rrtype: dns.TypeOPT,
		},
	}

	// SetUDPSize stores the payload size in the Class field
	respOpt.SetUDPSize(negotiateBufferSize(opt.UDPSize()))

	if opt.Do() {
		respOpt.SetDo()
	}

	resp.Extra = append(resp.Extra, respOpt)
}

// negotiateBufferSize clamps the client's requested UDP payload size to
// the supported range.
func negotiateBufferSize(requested uint16) uint16 {
	switch {
	case requested == 0:
		return DefaultEDNSBufferSize
	case requested < MinEDNSBufferSize:
		return MinEDNSBufferSize
	case requested > MaxEDNSBufferSize:
		return MaxEDNSBufferSize
	default:
		return requested
	}
}
