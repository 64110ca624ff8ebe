package blackhole

import (
	"testing"

	"sinkhole/pkg/config"

	"github.com/miekg/dns"
)

func testPolicy(t *testing.T) Policy {
	t.Helper()
	policy, err := NewPolicy(&config.BlackholeConfig{
		ReplyIPv4: "10.1.1.26",
		ReplyIPv6: "2001:db8::1",
		TTL:       300,
	})
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	return policy
}

func matchedTxn(name string, qtype uint16) Transaction {
	return Transaction{
		Question:       Question{Name: name, Qtype: qtype, Qclass: dns.ClassINET},
		Matched:        true,
		Classification: "C2",
		Suffix:         ".malware.example",
	}
}

func TestSynthesize_ARecord(t *testing.T) {
	s := NewSynthesizer(testPolicy(t))

	msg := new(dns.Msg)
	outcome := s.Synthesize(matchedTxn("c2.malware.example.", dns.TypeA), msg)

	if outcome.Branch != BranchA {
		t.Fatalf("branch = %q, want %q", outcome.Branch, BranchA)
	}
	if outcome.Reply != "10.1.1.26" {
		t.Errorf("reply = %q, want 10.1.1.26", outcome.Reply)
	}

	if len(msg.Answer) != 1 {
		t.Fatalf("expected exactly one answer, got %d", len(msg.Answer))
	}
	a, ok := msg.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want *dns.A", msg.Answer[0])
	}
	if a.Hdr.Name != "c2.malware.example." {
		t.Errorf("answer name = %q, must echo the original query name", a.Hdr.Name)
	}
	if a.Hdr.Ttl != 300 {
		t.Errorf("ttl = %d, want 300", a.Hdr.Ttl)
	}
	if a.Hdr.Class != dns.ClassINET {
		t.Errorf("class = %d, want INET", a.Hdr.Class)
	}
	if a.A.String() != "10.1.1.26" {
		t.Errorf("address = %s, want 10.1.1.26", a.A)
	}

	if !msg.RecursionAvailable {
		t.Error("recursion-available must be set on the A branch")
	}
	if msg.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode = %d, want NOERROR", msg.Rcode)
	}
}

func TestSynthesize_AAAARecord(t *testing.T) {
	s := NewSynthesizer(testPolicy(t))

	msg := new(dns.Msg)
	outcome := s.Synthesize(matchedTxn("c2.malware.example.", dns.TypeAAAA), msg)

	if outcome.Branch != BranchAAAA {
		t.Fatalf("branch = %q, want %q", outcome.Branch, BranchAAAA)
	}
	if outcome.Reply != "2001:db8::1" {
		t.Errorf("reply = %q, want 2001:db8::1", outcome.Reply)
	}

	if len(msg.Answer) != 1 {
		t.Fatalf("expected exactly one answer, got %d", len(msg.Answer))
	}
	aaaa, ok := msg.Answer[0].(*dns.AAAA)
	if !ok {
		t.Fatalf("answer is %T, want *dns.AAAA", msg.Answer[0])
	}
	if aaaa.AAAA.String() != "2001:db8::1" {
		t.Errorf("address = %s, want 2001:db8::1", aaaa.AAAA)
	}
	if !msg.RecursionAvailable {
		t.Error("recursion-available must be set on the AAAA branch")
	}
}

func TestSynthesize_UnsupportedType(t *testing.T) {
	s := NewSynthesizer(testPolicy(t))

	msg := new(dns.Msg)
	// Seed an answer to verify the no-answer branch clears it
	msg.Answer = []dns.RR{&dns.A{}}

	outcome := s.Synthesize(matchedTxn("c2.malware.example.", dns.TypeMX), msg)

	if outcome.Branch != BranchNoAnswer {
		t.Fatalf("branch = %q, want %q", outcome.Branch, BranchNoAnswer)
	}
	if outcome.Reply != "" {
		t.Errorf("no-answer branch must carry no reply value, got %q", outcome.Reply)
	}
	if len(msg.Answer) != 0 {
		t.Error("no-answer branch must leave zero answer records")
	}
	if msg.Rcode != dns.RcodeSuccess {
		t.Errorf("rcode = %d, want NOERROR", msg.Rcode)
	}
	if msg.RecursionAvailable {
		t.Error("recursion-available must not be set on the no-answer branch")
	}
}

func TestSynthesize_UnmatchedUntouched(t *testing.T) {
	s := NewSynthesizer(testPolicy(t))

	msg := new(dns.Msg)
	txn := Transaction{
		Question: Question{Name: "good.example.", Qtype: dns.TypeA, Qclass: dns.ClassINET},
	}

	outcome := s.Synthesize(txn, msg)

	if outcome != (Outcome{}) {
		t.Errorf("unmatched transaction must yield the zero outcome, got %+v", outcome)
	}
	if len(msg.Answer) != 0 || msg.RecursionAvailable {
		t.Error("unmatched transaction must leave the message untouched")
	}
}

func TestSynthesize_CustomQclassEchoed(t *testing.T) {
	s := NewSynthesizer(testPolicy(t))

	txn := matchedTxn("c2.malware.example.", dns.TypeA)
	txn.Question.Qclass = dns.ClassCHAOS

	msg := new(dns.Msg)
	s.Synthesize(txn, msg)

	if msg.Answer[0].Header().Class != dns.ClassCHAOS {
		t.Errorf("class = %d, must echo the question class", msg.Answer[0].Header().Class)
	}
}

func TestNewPolicy_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.BlackholeConfig
	}{
		{"ipv6 in ipv4 slot", config.BlackholeConfig{ReplyIPv4: "2001:db8::1", ReplyIPv6: "2001:db8::1", TTL: 300}},
		{"ipv4 in ipv6 slot", config.BlackholeConfig{ReplyIPv4: "10.1.1.26", ReplyIPv6: "10.1.1.26", TTL: 300}},
		{"garbage ipv4", config.BlackholeConfig{ReplyIPv4: "not-an-ip", ReplyIPv6: "2001:db8::1", TTL: 300}},
		{"zero ttl", config.BlackholeConfig{ReplyIPv4: "10.1.1.26", ReplyIPv6: "2001:db8::1", TTL: 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPolicy(&tt.cfg); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
