// Package dns hosts the DNS server and the request handler that routes
// every query through the blackhole pipeline.
package dns

import (
	"context"
	"strconv"

	"sinkhole/pkg/blackhole"
	"sinkhole/pkg/forwarder"
	"sinkhole/pkg/logging"
	"sinkhole/pkg/telemetry"

	"github.com/miekg/dns"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// AuditRecorder receives one event per blocked query. The audit pipeline
// implements it; tests substitute an in-memory sink.
type AuditRecorder interface {
	Record(txn blackhole.Transaction, outcome blackhole.Outcome) error
}

// Handler resolves DNS queries: every question is classified against the
// blocklist first, matched questions get a synthesized answer, everything
// else is forwarded upstream.
type Handler struct {
	Interceptor *blackhole.Interceptor
	Synthesizer *blackhole.Synthesizer
	Forwarder   *forwarder.Forwarder
	Audit       AuditRecorder
	Metrics     *telemetry.Metrics
	Logger      *logging.Logger
}

// NewHandler creates a DNS handler; collaborators are wired via the Set
// methods before the server starts.
func NewHandler() *Handler {
	return &Handler{}
}

// SetInterceptor sets the classification phase
func (h *Handler) SetInterceptor(i *blackhole.Interceptor) {
	h.Interceptor = i
}

// SetSynthesizer sets the response synthesis phase
func (h *Handler) SetSynthesizer(s *blackhole.Synthesizer) {
	h.Synthesizer = s
}

// SetForwarder sets the upstream DNS forwarder
func (h *Handler) SetForwarder(f *forwarder.Forwarder) {
	h.Forwarder = f
}

// SetAudit sets the audit event recorder
func (h *Handler) SetAudit(a AuditRecorder) {
	h.Audit = a
}

// SetMetrics sets the metrics collector
func (h *Handler) SetMetrics(m *telemetry.Metrics) {
	h.Metrics = m
}

// SetLogger sets the logger
func (h *Handler) SetLogger(l *logging.Logger) {
	h.Logger = l
}

// writeMsg writes a DNS message to the response writer. A failed write
// means the client went away; there is nothing left to tell them.
func (h *Handler) writeMsg(w dns.ResponseWriter, msg *dns.Msg) {
	if err := w.WriteMsg(msg); err != nil && h.Logger != nil {
		h.Logger.Debug("Failed to write DNS response", "error", err)
	}
}

// ServeDNS implements the query pipeline. Classification happens before
// any resolution attempt, and a matched name is never forwarded upstream,
// regardless of question type.
func (h *Handler) ServeDNS(ctx context.Context, w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	HandleEDNS0(r, msg)

	if len(r.Question) == 0 {
		msg.SetRcode(r, dns.RcodeFormatError)
		h.writeMsg(w, msg)
		return
	}

	question := r.Question[0]
	clientIP, clientPort := getClientAddr(w)

	txn := h.Interceptor.Classify(
		blackhole.Question{
			Name:   question.Name,
			Qtype:  question.Qtype,
			Qclass: question.Qclass,
		},
		blackhole.Client{
			IP:   clientIP,
			Port: clientPort,
		},
	)

	if txn.Matched {
		h.serveBlocked(ctx, w, msg, txn)
		return
	}

	h.serveForwarded(ctx, w, r, msg, question)
}

// serveBlocked answers a matched transaction from policy alone. The
// synthesizer picks the branch; exactly one audit event is recorded.
func (h *Handler) serveBlocked(ctx context.Context, w dns.ResponseWriter, msg *dns.Msg, txn blackhole.Transaction) {
	outcome := h.Synthesizer.Synthesize(txn, msg)

	h.recordBlocked(ctx, txn, outcome)

	if h.Audit != nil {
		// A full audit buffer drops the event; the response still goes out
		if err := h.Audit.Record(txn, outcome); err != nil && h.Logger != nil {
			h.Logger.Warn("Audit event not recorded",
				"query_name", txn.Question.Name,
				"error", err)
		}
	}

	h.writeMsg(w, msg)
}

// serveForwarded relays an unmatched query upstream. Without a forwarder
// the handler answers NXDOMAIN rather than pretending to resolve.
func (h *Handler) serveForwarded(ctx context.Context, w dns.ResponseWriter, r, msg *dns.Msg, question dns.Question) {
	if h.Forwarder == nil {
		msg.SetRcode(r, dns.RcodeNameError)
		h.writeMsg(w, msg)
		return
	}

	resp, err := h.Forwarder.Forward(ctx, r)
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("Upstream resolution failed",
				"domain", question.Name,
				"error", err)
		}
		msg.SetRcode(r, dns.RcodeServerFailure)
		h.writeMsg(w, msg)
		return
	}

	if h.Metrics != nil {
		h.Metrics.ForwardedQueries.Add(ctx, 1,
			metric.WithAttributes(attribute.String("type", dnsTypeLabel(question.Qtype))))
	}

	h.writeMsg(w, resp)
}

// recordBlocked increments the block decision counters for one outcome
func (h *Handler) recordBlocked(ctx context.Context, txn blackhole.Transaction, outcome blackhole.Outcome) {
	if h.Metrics == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("type", dnsTypeLabel(txn.Question.Qtype)),
		attribute.String("branch", string(outcome.Branch)),
	)

	h.Metrics.BlockedQueries.Add(ctx, 1, attrs)

	switch outcome.Branch {
	case blackhole.BranchA, blackhole.BranchAAAA:
		h.Metrics.SynthesizedAnswers.Add(ctx, 1, attrs)
	case blackhole.BranchNoAnswer:
		h.Metrics.NoAnswerResponses.Add(ctx, 1, attrs)
	}
}

// dnsTypeLabel returns a human-readable string for the query type, falling
// back to TYPE#### per RFC 3597 when unknown.
func dnsTypeLabel(qtype uint16) string {
	if label := dns.TypeToString[qtype]; label != "" {
		return label
	}
	return "TYPE" + strconv.FormatUint(uint64(qtype), 10)
}
