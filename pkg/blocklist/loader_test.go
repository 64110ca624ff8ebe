package blocklist

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"sinkhole/pkg/logging"
)

func writeBlocklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write blocklist: %v", err)
	}
	return path
}

func TestLoader_LoadFile(t *testing.T) {
	path := writeBlocklist(t, `
# comment line
.evil.example      malware
tracker.example    tracking

.plain.example
`)

	loader := NewLoader(logging.NewDefault())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	if entries[0].Suffix != ".evil.example" || entries[0].Classification != "malware" {
		t.Errorf("unexpected first entry: %+v", entries[0])
	}
	if entries[1].Suffix != ".tracker.example" {
		t.Errorf("bare suffix not canonicalized: %+v", entries[1])
	}
	if entries[2].Classification != DefaultClassification {
		t.Errorf("expected default classification, got %q", entries[2].Classification)
	}
}

func TestLoader_LoadFile_Missing(t *testing.T) {
	loader := NewLoader(logging.NewDefault())
	if _, err := loader.LoadFile("/nonexistent/blocklist.txt"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoader_SkipsInvalidSuffixes(t *testing.T) {
	path := writeBlocklist(t, `
.
.evil.example
`)

	loader := NewLoader(logging.NewDefault())
	entries, err := loader.LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if len(entries) != 1 {
		t.Fatalf("expected bare dot to be skipped, got %d entries", len(entries))
	}
}

func TestLoader_LoadAll_SkipsBrokenSources(t *testing.T) {
	path := writeBlocklist(t, ".evil.example malware\n")

	loader := NewLoader(logging.NewDefault())
	entries := loader.LoadAll([]string{"/nonexistent/broken.txt", path}, nil)

	if len(entries) != 1 {
		t.Fatalf("expected surviving source to load, got %d entries", len(entries))
	}
}

func TestLoader_LoadURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(".remote.example phishing\n"))
	}))
	defer srv.Close()

	loader := NewLoader(logging.NewDefault())
	loader.SetHTTPClient(srv.Client())

	entries, err := loader.LoadURL(srv.URL)
	if err != nil {
		t.Fatalf("LoadURL() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Suffix != ".remote.example" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestLoader_LoadURL_BadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	loader := NewLoader(logging.NewDefault())
	if _, err := loader.LoadURL(srv.URL); err == nil {
		t.Fatal("expected error for non-200 response")
	}
}
