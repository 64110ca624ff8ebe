package blocklist

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"sinkhole/pkg/logging"
)

// DefaultClassification is applied to entries that carry no label of their own.
const DefaultClassification = "blocked"

// Loader reads blocklist files into entries.
//
// File format, one entry per line:
//
//	.evil.example        malware
//	tracker.example      tracking
//	# comment
//
// The first field is a domain suffix (the leading dot is optional and added
// during canonicalization), the optional second field is the classification
// label.
type Loader struct {
	logger *logging.Logger
	client *http.Client
}

// NewLoader creates a blocklist loader
func NewLoader(logger *logging.Logger) *Loader {
	return &Loader{logger: logger}
}

// SetHTTPClient sets the client used for remote blocklist sources. The
// caller supplies one that resolves through the upstream servers rather
// than the host resolver.
func (l *Loader) SetHTTPClient(client *http.Client) {
	l.client = client
}

// LoadFile reads and parses a single blocklist file
func (l *Loader) LoadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blocklist file: %w", err)
	}
	defer func() { _ = f.Close() }()

	entries, err := l.parse(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blocklist file %s: %w", path, err)
	}

	l.logger.Info("Blocklist file loaded", "path", path, "entries", len(entries))
	return entries, nil
}

// LoadURL fetches and parses a remote blocklist
func (l *Loader) LoadURL(url string) ([]Entry, error) {
	client := l.client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blocklist: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("blocklist fetch returned status %d", resp.StatusCode)
	}

	entries, err := l.parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse blocklist from %s: %w", url, err)
	}

	l.logger.Info("Remote blocklist loaded", "url", url, "entries", len(entries))
	return entries, nil
}

// LoadAll reads all configured sources and merges their entries.
// A source that fails to load is skipped so a broken list cannot take down
// the remaining sources; the caller decides whether zero entries is fatal.
func (l *Loader) LoadAll(paths, urls []string) []Entry {
	var merged []Entry
	for _, path := range paths {
		entries, err := l.LoadFile(path)
		if err != nil {
			l.logger.Error("Failed to load blocklist file", "path", path, "error", err)
			continue
		}
		merged = append(merged, entries...)
	}
	for _, url := range urls {
		entries, err := l.LoadURL(url)
		if err != nil {
			l.logger.Error("Failed to load remote blocklist", "url", url, "error", err)
			continue
		}
		merged = append(merged, entries...)
	}
	return merged
}

func (l *Loader) parse(r io.Reader) ([]Entry, error) {
	var entries []Entry
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		suffix := CanonicalSuffix(fields[0])
		if suffix == "" {
			l.logger.Warn("Skipping invalid blocklist suffix", "line", lineNo, "raw", fields[0])
			continue
		}

		classification := DefaultClassification
		if len(fields) > 1 {
			classification = fields[1]
		}

		entries = append(entries, Entry{
			Suffix:         suffix,
			Classification: classification,
		})
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading blocklist: %w", err)
	}

	return entries, nil
}
