package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/discogsography/extractor/internal/publisher"
	"github.com/discogsography/extractor/internal/sourcecatalog"
	"github.com/discogsography/extractor/internal/statemarker"
	"github.com/discogsography/extractor/internal/wire"
)

func TestContainsFile(t *testing.T) {
	files := []string{"discogs_20260101_artists.xml.gz", "discogs_20260101_labels.xml.gz"}
	if !containsFile(files, "discogs_20260101_artists.xml.gz") {
		t.Error("expected artists file to be found")
	}
	if containsFile(files, "discogs_20260101_masters.xml.gz") {
		t.Error("masters file should not be found")
	}
}

func TestRequestShutdown_idempotent(t *testing.T) {
	o := New(Config{SourceBaseURL: "https://example.test", DataRoot: t.TempDir(), BrokerURL: "amqp://ignored"})
	if o.shuttingDown() {
		t.Fatal("fresh orchestrator should not be shutting down")
	}
	o.RequestShutdown()
	o.RequestShutdown() // must not panic on double-close
	if !o.shuttingDown() {
		t.Fatal("expected shuttingDown() true after RequestShutdown")
	}
}

// TestRunProcessingPhase_shutdownBeforeFile guards the completion-ordering
// invariant (spec.md §3/§8): a shutdown mid-run must never mark a file
// processing.completed or report success, since no sentinel was emitted and
// no records for that file were published. Before this was fixed, a
// shutdown here fell through to the normal end-of-file path and silently
// marked the file (and its sentinel) complete.
func TestRunProcessingPhase_shutdownBeforeFile(t *testing.T) {
	o := New(Config{SourceBaseURL: "https://example.test", DataRoot: t.TempDir(), BrokerURL: "amqp://ignored"})
	o.RequestShutdown()

	v := sourcecatalog.Version{
		ID:    "20260101",
		Files: []string{"discogs_20260101_artists.xml.gz"},
	}
	state, _ := statemarker.Load(o.cfg.DataRoot, v.ID)

	err := o.runProcessingPhase(context.Background(), v, state, nil)
	if !errors.Is(err, errShutdown) {
		t.Fatalf("runProcessingPhase() err = %v, want errShutdown", err)
	}

	snap := state.FileProgressSnapshot("discogs_20260101_artists.xml.gz")
	if snap.Status == statemarker.StatusCompleted {
		t.Fatal("file must not be marked completed on shutdown before it was ever opened")
	}
}

// TestProcessFile_shutdown exercises the same invariant through the real
// parse/batch/publish wiring (not just the thin per-kind loop in
// runProcessingPhase): with the shutdown flag already set, processFile must
// stop before completing the file, never emit the file-complete sentinel,
// and never run CompleteFileProcessing.
func TestProcessFile_shutdown(t *testing.T) {
	dataRoot := t.TempDir()
	filename := "discogs_20260101_artists.xml.gz"
	writeGzippedArtists(t, filepath.Join(dataRoot, filename), 3)

	o := New(Config{SourceBaseURL: "https://example.test", DataRoot: dataRoot, BrokerURL: "amqp://ignored", BatchSize: 10, FlushInterval: time.Minute})
	o.RequestShutdown()

	state, _ := statemarker.Load(dataRoot, "20260101")
	pub := publisher.New("amqp://ignored") // never Connect()ed: shutdown stops the loop before any batch reaches Publish, so no network I/O

	err := o.processFile(context.Background(), filename, wire.KindArtists, state, pub)
	if !errors.Is(err, errShutdown) {
		t.Fatalf("processFile() err = %v, want errShutdown", err)
	}

	snap := state.FileProgressSnapshot(filename)
	if snap.Status == statemarker.StatusCompleted {
		t.Fatal("file must not be marked completed when shutdown interrupted its parse loop")
	}
}

func writeGzippedArtists(t *testing.T, path string, n int) {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("<artists>")
	for i := 1; i <= n; i++ {
		buf.WriteString("<artist><id>")
		buf.WriteString(string(rune('0' + i)))
		buf.WriteString("</id><name>A</name></artist>")
	}
	buf.WriteString("</artists>")

	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	gz := gzip.NewWriter(f)
	if _, err := gz.Write(buf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := gz.Close(); err != nil {
		t.Fatal(err)
	}
}
