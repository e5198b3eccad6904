// Package orchestrator sequences one end-to-end extraction run: discover a
// version, consult its state marker, drive download then parse/publish, and
// react cooperatively to shutdown signals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/discogsography/extractor/internal/batch"
	"github.com/discogsography/extractor/internal/dedup"
	"github.com/discogsography/extractor/internal/downloader"
	"github.com/discogsography/extractor/internal/metrics"
	"github.com/discogsography/extractor/internal/normalize"
	"github.com/discogsography/extractor/internal/publisher"
	"github.com/discogsography/extractor/internal/sourcecatalog"
	"github.com/discogsography/extractor/internal/statemarker"
	"github.com/discogsography/extractor/internal/wire"
	"github.com/discogsography/extractor/internal/xmlstream"
)

// ProgressCheckpointEvery controls how often (in records) UpdateFileProgress
// re-saves the State Marker during steady-state processing.
const ProgressCheckpointEvery = 5000

// ShutdownDeadline is the hard cap on a cooperative shutdown before the
// process force-exits.
const ShutdownDeadline = 30 * time.Second

// backpressurePollInterval is how often the parse loop rechecks the
// Publisher's in-flight depth while paused for backpressure.
const backpressurePollInterval = 50 * time.Millisecond

// errShutdown signals that processFile stopped early because the shutdown
// flag was set, as opposed to any real processing failure. It must never
// reach FailFileProcessing: the file is incomplete, not broken, and a clean
// restart resumes it from its last checkpoint.
var errShutdown = errors.New("orchestrator: shutdown requested mid-file")

// Config configures one Orchestrator.
type Config struct {
	SourceBaseURL string
	DataRoot      string
	BrokerURL     string
	BatchSize     int
	FlushInterval time.Duration
	ForceReprocess bool
}

// Orchestrator drives one run. Shutdown is a write-once flag read before each
// file and by the parse loop between records; the publisher does not read
// it and only stops waiting when its ctx is cancelled.
type Orchestrator struct {
	cfg      Config
	catalog  *sourcecatalog.Catalog
	dl       *downloader.Downloader
	shutdown chan struct{}
}

// New wires an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		catalog:  sourcecatalog.New(cfg.SourceBaseURL),
		dl:       downloader.New(cfg.SourceBaseURL),
		shutdown: make(chan struct{}),
	}
}

// RequestShutdown sets the shutdown flag exactly once. Safe to call more
// than once; subsequent calls are no-ops.
func (o *Orchestrator) RequestShutdown() {
	select {
	case <-o.shutdown:
	default:
		close(o.shutdown)
	}
}

func (o *Orchestrator) shuttingDown() bool {
	select {
	case <-o.shutdown:
		return true
	default:
		return false
	}
}

// Run executes steps (a)-(h) of spec.md §4.8 for the most recent upstream
// version. Returns (ran=false, nil) on Skip.
func (o *Orchestrator) Run(ctx context.Context) (ran bool, err error) {
	versions, err := o.catalog.ListVersions(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("orchestrator: list versions: %w", err)
	}
	if len(versions) == 0 {
		return false, fmt.Errorf("orchestrator: no versions discovered upstream")
	}
	latest := versions[0]

	state, loaded := statemarker.Load(o.cfg.DataRoot, latest.ID)
	if !loaded {
		log.Printf("orchestrator: no prior state for version %s; starting fresh", latest.ID)
	}

	decision := state.ShouldProcess(o.cfg.ForceReprocess)
	switch decision {
	case statemarker.Skip:
		log.Printf("orchestrator: version %s already completed; skipping", latest.ID)
		return false, nil
	case statemarker.Reprocess:
		state = statemarker.New(latest.ID)
	}

	runStart := time.Now()

	if err := o.runDownloadPhase(ctx, latest, state); err != nil {
		_ = state.Save()
		return true, err
	}

	pub := publisher.New(o.cfg.BrokerURL)
	if err := pub.Connect(ctx); err != nil {
		_ = state.Save()
		return true, fmt.Errorf("orchestrator: connect publisher: %w", err)
	}
	defer pub.Close()

	if err := o.runProcessingPhase(ctx, latest, state, pub); err != nil {
		_ = state.Save()
		if errors.Is(err, errShutdown) {
			// Cooperative shutdown, not a failure: progress up to the last
			// checkpoint is already saved. Report a clean stop.
			return true, nil
		}
		return true, err
	}

	state.CompleteProcessing()
	state.CompleteExtraction(runStart)
	if err := state.Save(); err != nil {
		return true, err
	}
	return true, nil
}

func (o *Orchestrator) runDownloadPhase(ctx context.Context, v sourcecatalog.Version, state *statemarker.State) error {
	manifest, err := o.fetchManifest(ctx, v)
	if err != nil {
		return err
	}
	return o.dl.Acquire(ctx, v.ID, v.Files, manifest, o.cfg.DataRoot, state)
}

func (o *Orchestrator) fetchManifest(ctx context.Context, v sourcecatalog.Version) (downloader.Manifest, error) {
	var checksumFile string
	for _, f := range v.Files {
		if strings.HasSuffix(f, "CHECKSUM.txt") {
			checksumFile = f
		}
	}
	if checksumFile == "" {
		return downloader.Manifest{}, nil
	}
	localPath := filepath.Join(o.cfg.DataRoot, checksumFile)
	if f, err := os.Open(localPath); err == nil {
		defer f.Close()
		return downloader.ParseManifest(f)
	}
	return downloader.Manifest{}, nil
}

// runProcessingPhase parses, normalizes, batches, and publishes each data
// file not yet marked processing.completed, in the fixed kind order.
func (o *Orchestrator) runProcessingPhase(ctx context.Context, v sourcecatalog.Version, state *statemarker.State, pub *publisher.Publisher) error {
	dataFiles := make([]string, 0, 4)
	for _, f := range v.Files {
		if !strings.HasSuffix(f, "CHECKSUM.txt") {
			dataFiles = append(dataFiles, f)
		}
	}
	state.StartProcessing(len(dataFiles))
	if err := state.Save(); err != nil {
		return err
	}

	for _, kind := range wire.Kinds {
		filename := fmt.Sprintf("discogs_%s_%s.xml.gz", v.ID, kind)
		if !containsFile(dataFiles, filename) {
			continue
		}
		existing := state.FileProgressSnapshot(filename)
		if existing.Status == statemarker.StatusCompleted {
			state.SetFileKindStatus(string(kind), statemarker.StatusCompleted)
			continue
		}
		if o.shuttingDown() {
			return errShutdown
		}
		if err := o.processFile(ctx, filename, kind, state, pub); err != nil {
			if errors.Is(err, errShutdown) {
				return err
			}
			state.FailFileProcessing(filename, err.Error())
			state.SetFileKindStatus(string(kind), statemarker.StatusFailed)
			return err
		}
		state.SetFileKindStatus(string(kind), statemarker.StatusCompleted)
	}
	return nil
}

func containsFile(files []string, name string) bool {
	for _, f := range files {
		if f == name {
			return true
		}
	}
	return false
}

func (o *Orchestrator) processFile(ctx context.Context, filename string, kind wire.Kind, state *statemarker.State, pub *publisher.Publisher) error {
	path := filepath.Join(o.cfg.DataRoot, filename)
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader, err := xmlstream.Open(f, kind.RootTag())
	if err != nil {
		return err
	}
	defer reader.Close()

	state.StartFileProcessing(filename)

	seen, err := dedup.New(dedup.DefaultCapacity)
	if err != nil {
		return err
	}
	defer seen.Close()

	b := batch.New(kind, batch.Config{Size: o.cfg.BatchSize, FlushInterval: o.cfg.FlushInterval})
	var batchesSent int64

	// drainBatches owns pub's channel for the lifetime of this file; it must
	// have fully drained (including the sentinel's broker ack) before this
	// function returns, or the next file's processFile would start a second
	// drainBatches publishing on the same amqp.Channel concurrently,
	// violating the single-writer discipline of spec.md §4.6/§5. b.Close()
	// is what lets drainBatches' range loop exit, so closing b and joining
	// the goroutine are done together, on every return path, via defer.
	var drainWG sync.WaitGroup
	drainWG.Add(1)
	go func() {
		defer drainWG.Done()
		o.drainBatches(ctx, b, pub, filename, &batchesSent, state)
	}()
	defer func() {
		b.Close()
		drainWG.Wait()
	}()

	var records, messages int64
	shuttingDown := false
	for {
		if o.shuttingDown() {
			shuttingDown = true
			b.Flush()
			break
		}
		select {
		case <-b.TimerC():
			b.FlushOnTimer()
		default:
		}
		if o.waitForBackpressure(ctx, pub) {
			shuttingDown = true
			b.Flush()
			break
		}
		el, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		v := normalize.Normalize(el)
		id, err := normalize.ExtractID(v)
		if err != nil {
			// NormalizationError: skip the offending record, keep going.
			continue
		}
		hash, err := normalize.Hash(v)
		if err != nil {
			continue
		}
		records++
		metrics.RecordsExtracted.WithLabelValues(string(kind)).Inc()

		duplicate, err := seen.SeenOrAdd(hash)
		if err != nil {
			return err
		}
		if duplicate {
			metrics.RecordsDeduplicated.WithLabelValues(string(kind)).Inc()
			continue
		}
		payload, err := v.MarshalJSON()
		if err != nil {
			continue
		}
		b.Add(wire.Message{Kind: kind, ID: id, Hash: hash, Payload: payload})
		messages++

		if records%ProgressCheckpointEvery == 0 {
			state.UpdateFileProgress(filename, records, messages, atomic.LoadInt64(&batchesSent))
			_ = state.Save()
		}
	}
	b.Flush()

	state.UpdateFileProgress(filename, records, messages, atomic.LoadInt64(&batchesSent))
	if shuttingDown {
		_ = state.Save()
		return errShutdown
	}
	// Completion ordering invariant: this save must land before the sentinel
	// is published below.
	state.CompleteFileProcessing(filename, records)
	if err := state.Save(); err != nil {
		return err
	}

	b.FlushSentinel(wire.NewSentinel(kind, int(messages)))
	return nil
}

// waitForBackpressure blocks while pub reports too many unacknowledged
// batches in flight, polling at backpressurePollInterval. It returns true if
// the wait was cut short by a shutdown request or context cancellation,
// meaning the caller should stop processing rather than keep reading.
func (o *Orchestrator) waitForBackpressure(ctx context.Context, pub *publisher.Publisher) bool {
	for pub.PauseBackpressure() {
		if o.shuttingDown() {
			return true
		}
		select {
		case <-ctx.Done():
			return true
		case <-time.After(backpressurePollInterval):
		}
	}
	return false
}

// drainBatches consumes b.Out and publishes each batch, retrying transient
// publish failures with the publisher's own backoff. batchesSent counts
// successfully published data batches (the sentinel is not counted).
func (o *Orchestrator) drainBatches(ctx context.Context, b *batch.Batcher, pub *publisher.Publisher, filename string, batchesSent *int64, state *statemarker.State) {
	for batch := range b.Out {
		for {
			err := pub.Publish(ctx, batch)
			if err == nil {
				state.RecordHeartbeat()
				if batch.Sentinel == nil {
					atomic.AddInt64(batchesSent, 1)
				}
				break
			}
			metrics.PublishErrors.WithLabelValues(string(batch.Kind)).Inc()
			log.Printf("orchestrator: publish failed for %s: %v; retrying", filename, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}
