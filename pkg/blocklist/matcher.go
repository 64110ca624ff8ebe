// Package blocklist implements suffix-based domain matching against a set of
// prohibited domain suffixes. Matching happens on whole label boundaries: the
// entry ".evil.example" matches "evil.example" and "www.evil.example" but
// never "notevil.example", which defeats evasion by label prepending or
// concatenation.
package blocklist

import (
	"strings"
)

// Entry is one blocklist rule: a dot-prefixed domain suffix mapped to a
// free-form classification label (e.g. "malware", "C2").
type Entry struct {
	Suffix         string
	Classification string
}

// MatchResult describes whether and how a name matched the blocklist.
type MatchResult struct {
	Matched        bool
	Suffix         string // the dot-prefixed entry that matched
	Classification string
}

// Matcher is an immutable reverse-label trie over blocklist suffixes.
// When several entries cover the same name the longest suffix wins, which
// makes overlapping entries (".example" and ".evil.example") deterministic.
// A Matcher is never mutated after construction and is safe for concurrent
// readers without locking.
type Matcher struct {
	root *trieNode
	size int
}

type trieNode struct {
	children       map[string]*trieNode
	terminal       bool
	suffix         string
	classification string
}

// NewMatcher builds a Matcher from blocklist entries. Entries whose suffix
// canonicalizes to nothing (empty or bare ".") are skipped: the root has no
// meaningful suffix and must never be blockable. Duplicate suffixes keep the
// last classification seen.
func NewMatcher(entries []Entry) *Matcher {
	m := &Matcher{
		root: &trieNode{children: make(map[string]*trieNode)},
	}
	for _, e := range entries {
		suffix := CanonicalSuffix(e.Suffix)
		if suffix == "" {
			continue
		}
		m.insert(suffix, e.Classification)
	}
	return m
}

func (m *Matcher) insert(suffix, classification string) {
	labels := strings.Split(strings.TrimPrefix(suffix, "."), ".")

	node := m.root
	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := node.children[labels[i]]
		if !ok {
			child = &trieNode{children: make(map[string]*trieNode)}
			node.children[labels[i]] = child
		}
		node = child
	}

	if !node.terminal {
		m.size++
	}
	node.terminal = true
	node.suffix = suffix
	node.classification = classification
}

// Match reports whether name falls under any blocklist suffix. It is a pure
// function of (name, matcher): re-evaluating the same name always yields the
// same result.
//
// The root name "." can never match; it denotes the DNS root itself and has
// no suffix to compare. Every other name is canonicalized (lowercased,
// trailing dot stripped) and walked label by label from the right. The
// deepest terminal node reached wins, so the most specific entry decides
// the classification.
func (m *Matcher) Match(name string) MatchResult {
	if name == "" || name == "." {
		return MatchResult{}
	}

	key := strings.ToLower(strings.TrimSuffix(name, "."))
	if key == "" {
		return MatchResult{}
	}

	labels := strings.Split(key, ".")

	node := m.root
	var best MatchResult
	for i := len(labels) - 1; i >= 0; i-- {
		child, ok := node.children[labels[i]]
		if !ok {
			break
		}
		node = child
		if node.terminal {
			best = MatchResult{
				Matched:        true,
				Suffix:         node.suffix,
				Classification: node.classification,
			}
		}
	}

	return best
}

// Size returns the number of distinct suffixes in the matcher.
func (m *Matcher) Size() int {
	return m.size
}

// CanonicalSuffix normalizes a blocklist suffix: lowercased, surrounding
// whitespace and trailing dot removed, leading dot ensured. It returns ""
// for suffixes with no content (empty string, ".", whitespace), which
// callers must treat as invalid.
func CanonicalSuffix(suffix string) string {
	s := strings.ToLower(strings.TrimSpace(suffix))
	s = strings.TrimSuffix(s, ".")
	if s == "" || s == "." {
		return ""
	}
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	if s == "." {
		return ""
	}
	return s
}
