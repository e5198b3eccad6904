package downloader

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseManifest(t *testing.T) {
	body := "deadbeef  discogs_20260101_artists.xml.gz\n" +
		"CAFEBABE  discogs_20260101_labels.xml.gz\n" +
		"\n"
	m, err := ParseManifest(strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if m["discogs_20260101_artists.xml.gz"] != "deadbeef" {
		t.Errorf("artists hash = %q", m["discogs_20260101_artists.xml.gz"])
	}
	if m["discogs_20260101_labels.xml.gz"] != "cafebabe" {
		t.Errorf("labels hash should lowercase, got %q", m["discogs_20260101_labels.xml.gz"])
	}
}

func TestChecksumOf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatal(err)
	}
	sum, err := checksumOf(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(sum) != 64 {
		t.Errorf("sha256 hex digest should be 64 chars, got %d", len(sum))
	}
}

func TestYearOf(t *testing.T) {
	tests := []struct{ filename, want string }{
		{"discogs_20260101_artists.xml.gz", "2026"},
		{"discogs_20250615_labels.xml.gz", "2025"},
		{"not_a_dump_file.txt", ""},
	}
	for _, tt := range tests {
		if got := yearOf(tt.filename); got != tt.want {
			t.Errorf("yearOf(%q) = %q, want %q", tt.filename, got, tt.want)
		}
	}
}

func TestBackoff_capped(t *testing.T) {
	for attempt := 0; attempt < 10; attempt++ {
		d := backoff(attempt)
		if d > 30_000_000_000 { // 30s in nanoseconds
			t.Errorf("backoff(%d) = %v, exceeds 30s cap", attempt, d)
		}
	}
}
