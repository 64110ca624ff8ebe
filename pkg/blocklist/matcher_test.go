package blocklist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMatcher() *Matcher {
	return NewMatcher([]Entry{
		{Suffix: ".evil.example", Classification: "malware"},
		{Suffix: ".tracker.example", Classification: "tracking"},
	})
}

func TestMatcher_LabelBoundaries(t *testing.T) {
	m := testMatcher()

	tests := []struct {
		name        string
		query       string
		wantMatched bool
		wantSuffix  string
	}{
		{
			name:        "exact suffix name",
			query:       "evil.example",
			wantMatched: true,
			wantSuffix:  ".evil.example",
		},
		{
			name:        "subdomain of suffix",
			query:       "www.evil.example",
			wantMatched: true,
			wantSuffix:  ".evil.example",
		},
		{
			name:        "deep subdomain",
			query:       "a.b.c.evil.example",
			wantMatched: true,
			wantSuffix:  ".evil.example",
		},
		{
			name:        "label concatenation does not match",
			query:       "notevil.example",
			wantMatched: false,
		},
		{
			name:        "suffix as substring does not match",
			query:       "evil.example.org",
			wantMatched: false,
		},
		{
			name:        "unrelated name",
			query:       "good.example",
			wantMatched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := m.Match(tt.query)
			assert.Equal(t, tt.wantMatched, result.Matched)
			if tt.wantMatched {
				assert.Equal(t, tt.wantSuffix, result.Suffix)
			}
		})
	}
}

func TestMatcher_RootNeverMatches(t *testing.T) {
	// Even a hostile entry set must not make the root blockable
	m := NewMatcher([]Entry{
		{Suffix: ".", Classification: "broken"},
		{Suffix: "", Classification: "broken"},
		{Suffix: ".example", Classification: "blocked"},
	})

	assert.False(t, m.Match(".").Matched)
	assert.False(t, m.Match("").Matched)
	assert.Equal(t, 1, m.Size(), "invalid entries must be skipped")
}

func TestMatcher_LongestSuffixWins(t *testing.T) {
	m := NewMatcher([]Entry{
		{Suffix: ".example", Classification: "broad"},
		{Suffix: ".evil.example", Classification: "specific"},
	})

	result := m.Match("www.evil.example")
	require.True(t, result.Matched)
	assert.Equal(t, ".evil.example", result.Suffix)
	assert.Equal(t, "specific", result.Classification)

	// Names under only the broad entry still match it
	result = m.Match("other.example")
	require.True(t, result.Matched)
	assert.Equal(t, ".example", result.Suffix)
	assert.Equal(t, "broad", result.Classification)
}

func TestMatcher_CaseAndTrailingDot(t *testing.T) {
	m := testMatcher()

	for _, query := range []string{
		"WWW.EVIL.EXAMPLE",
		"www.evil.example.",
		"Www.Evil.Example.",
	} {
		result := m.Match(query)
		require.True(t, result.Matched, "query %q", query)
		assert.Equal(t, ".evil.example", result.Suffix)
		assert.Equal(t, "malware", result.Classification)
	}
}

func TestMatcher_Deterministic(t *testing.T) {
	m := testMatcher()

	first := m.Match("www.evil.example")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, m.Match("www.evil.example"))
	}
}

func TestCanonicalSuffix(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"evil.example", ".evil.example"},
		{".evil.example", ".evil.example"},
		{"EVIL.Example", ".evil.example"},
		{"evil.example.", ".evil.example"},
		{"  evil.example  ", ".evil.example"},
		{".", ""},
		{"", ""},
		{"   ", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanonicalSuffix(tt.in), "input %q", tt.in)
	}
}
