// Package blackhole implements the two-phase block decision for DNS queries:
// classification when a query arrives, answer synthesis when the response is
// built. The two phases communicate through an explicit per-query Transaction
// value, never through shared state.
package blackhole

// Question is the immutable per-query input: the fully qualified query name
// (the root is representable as "."), the record type, and the class.
type Question struct {
	Name   string
	Qtype  uint16
	Qclass uint16
}

// Client identifies the endpoint that sent the query, kept on the
// transaction for audit events.
type Client struct {
	IP   string
	Port int
}

// Transaction is the ephemeral state of one DNS query. A fresh value is
// created per query by Interceptor.Classify, read once by the Synthesizer,
// and discarded when the query completes. Transactions are never pooled or
// reused across queries.
type Transaction struct {
	Question Question
	Client   Client

	// Matched and Classification are set at most once, during classification.
	Matched        bool
	Classification string

	// Suffix is the blocklist entry that matched, for audit context.
	Suffix string
}
