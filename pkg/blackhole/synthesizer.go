package blackhole

import (
	"fmt"
	"net"

	"sinkhole/pkg/config"

	"github.com/miekg/dns"
)

// Branch names the record-type branch taken while answering a matched query.
// The values appear verbatim in audit events.
type Branch string

const (
	// BranchA means a synthetic A record was installed.
	BranchA Branch = "A-response"
	// BranchAAAA means a synthetic AAAA record was installed.
	BranchAAAA Branch = "AAAA-response"
	// BranchNoAnswer means the question type has no synthesis support and the
	// response deliberately carries zero answer records (NOERROR, no data).
	BranchNoAnswer Branch = "unable-to-respond"
)

// Outcome reports what the Synthesizer did with a matched transaction.
// The zero Outcome means the transaction was unmatched and nothing happened.
type Outcome struct {
	Branch Branch
	Reply  string // the synthesized address, empty for BranchNoAnswer
}

// Policy carries the fixed reply values shared by all transactions. It is
// built once at startup and never mutated; per-query variation of TTL or
// reply addresses is deliberately impossible.
type Policy struct {
	ReplyIPv4 net.IP
	ReplyIPv6 net.IP
	TTL       uint32
}

// NewPolicy validates and converts the configured reply values.
func NewPolicy(cfg *config.BlackholeConfig) (Policy, error) {
	ipv4 := net.ParseIP(cfg.ReplyIPv4)
	if ipv4 == nil || ipv4.To4() == nil {
		return Policy{}, fmt.Errorf("reply_ipv4 %q is not a valid IPv4 address", cfg.ReplyIPv4)
	}
	ipv6 := net.ParseIP(cfg.ReplyIPv6)
	if ipv6 == nil || ipv6.To4() != nil {
		return Policy{}, fmt.Errorf("reply_ipv6 %q is not a valid IPv6 address", cfg.ReplyIPv6)
	}
	if cfg.TTL == 0 {
		return Policy{}, fmt.Errorf("ttl must be greater than zero")
	}
	return Policy{
		ReplyIPv4: ipv4.To4(),
		ReplyIPv6: ipv6.To16(),
		TTL:       cfg.TTL,
	}, nil
}

// Synthesizer runs the response phase for matched transactions.
type Synthesizer struct {
	policy Policy
}

// NewSynthesizer creates a synthesizer with the given reply policy
func NewSynthesizer(policy Policy) *Synthesizer {
	return &Synthesizer{policy: policy}
}

// Policy returns the fixed reply policy.
func (s *Synthesizer) Policy() Policy {
	return s.policy
}

// Synthesize installs the policy answer for a matched transaction into msg,
// keyed on the question type:
//
//   - A: exactly one synthetic A record with the policy IPv4, any existing
//     answers discarded, recursion-available set.
//   - AAAA: the same with the policy IPv6.
//   - anything else: no answer at all (NOERROR with an empty answer
//     section). Crafting correct responses for arbitrary record types is
//     out of policy scope; callers must treat this as a defined limitation,
//     not a failure.
//
// The synthetic record echoes the exact original query name (not the
// matched suffix) and the question's class. Unmatched transactions leave
// msg untouched and return the zero Outcome.
func (s *Synthesizer) Synthesize(txn Transaction, msg *dns.Msg) Outcome {
	if !txn.Matched {
		return Outcome{}
	}

	name := dns.Fqdn(txn.Question.Name)

	switch txn.Question.Qtype {
	case dns.TypeA:
		msg.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeA,
				Class:  txn.Question.Qclass,
				Ttl:    s.policy.TTL,
			},
			A: s.policy.ReplyIPv4,
		}}
		msg.RecursionAvailable = true
		msg.Rcode = dns.RcodeSuccess
		return Outcome{Branch: BranchA, Reply: s.policy.ReplyIPv4.String()}

	case dns.TypeAAAA:
		msg.Answer = []dns.RR{&dns.AAAA{
			Hdr: dns.RR_Header{
				Name:   name,
				Rrtype: dns.TypeAAAA,
				Class:  txn.Question.Qclass,
				Ttl:    s.policy.TTL,
			},
			AAAA: s.policy.ReplyIPv6,
		}}
		msg.RecursionAvailable = true
		msg.Rcode = dns.RcodeSuccess
		return Outcome{Branch: BranchAAAA, Reply: s.policy.ReplyIPv6.String()}

	default:
		msg.Answer = nil
		msg.Rcode = dns.RcodeSuccess
		return Outcome{Branch: BranchNoAnswer}
	}
}
