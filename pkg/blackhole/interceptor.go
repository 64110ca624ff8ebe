package blackhole

import (
	"sinkhole/pkg/blocklist"
	"sinkhole/pkg/logging"
)

// Matcher resolves a query name against the current blocklist snapshot.
type Matcher interface {
	Match(name string) blocklist.MatchResult
}

// Interceptor runs the classification phase. It is invoked once per query,
// before any resolution attempt, and decides whether normal resolution is
// short-circuited. A matched name is never forwarded upstream: contacting a
// prohibited authoritative server would leak the resolver's address to the
// very party the blocklist exists to avoid.
type Interceptor struct {
	matcher Matcher
	logger  *logging.Logger
}

// NewInterceptor creates an interceptor backed by the given matcher
func NewInterceptor(matcher Matcher, logger *logging.Logger) *Interceptor {
	return &Interceptor{
		matcher: matcher,
		logger:  logger,
	}
}

// Classify creates a fresh Transaction for the question and consults the
// blocklist exactly once. Every question type and class is accepted here;
// unmatched questions pass through untouched. There are no error conditions
// at this phase.
func (i *Interceptor) Classify(q Question, c Client) Transaction {
	txn := Transaction{Question: q, Client: c}

	result := i.matcher.Match(q.Name)
	if result.Matched {
		txn.Matched = true
		txn.Classification = result.Classification
		txn.Suffix = result.Suffix

		if i.logger != nil {
			i.logger.Debug("Query matched blocklist",
				"name", q.Name,
				"suffix", result.Suffix,
				"classification", result.Classification,
				"client", c.IP)
		}
	}

	return txn
}
