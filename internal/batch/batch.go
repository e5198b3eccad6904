// Package batch groups wire messages into size- and time-bounded batches per
// data kind before handing them to the Publisher.
package batch

import (
	"time"

	"github.com/discogsography/extractor/internal/wire"
)

// Batch is an ordered, bounded group of messages for a single kind. A
// sentinel batch carries only the file's Sentinel and no Messages.
type Batch struct {
	Kind     wire.Kind
	Messages []wire.Message
	Sentinel *wire.Sentinel
}

// Config bounds a Batcher per spec.md §4.5.
type Config struct {
	Size          int           // [10, 1000]
	FlushInterval time.Duration // [1s, 60s]
}

// Batcher accumulates messages for one kind and emits full batches on Out.
// A batch flushes when it reaches Size messages or FlushInterval has elapsed
// since its first message was added, whichever comes first. The
// file_complete sentinel is always flushed as its own single-message batch,
// after the final data batch for that file.
type Batcher struct {
	cfg     Config
	Out     chan Batch
	kind    wire.Kind
	pending []wire.Message
	timer   *time.Timer
}

// New returns a Batcher for kind with cfg's size/interval bounds, clamped to
// the spec's allowed ranges.
func New(kind wire.Kind, cfg Config) *Batcher {
	if cfg.Size < 10 {
		cfg.Size = 10
	}
	if cfg.Size > 1000 {
		cfg.Size = 1000
	}
	if cfg.FlushInterval < time.Second {
		cfg.FlushInterval = time.Second
	}
	if cfg.FlushInterval > 60*time.Second {
		cfg.FlushInterval = 60 * time.Second
	}
	return &Batcher{
		cfg:  cfg,
		Out:  make(chan Batch, 1),
		kind: kind,
	}
}

// Add enqueues a message, starting the flush timer on the first message of a
// new batch, and flushes synchronously onto Out once Size is reached. Add
// blocks if Out is full, which is what stalls the caller when the
// Publisher's drain goroutine falls behind.
func (b *Batcher) Add(m wire.Message) {
	if len(b.pending) == 0 {
		b.resetTimer()
	}
	b.pending = append(b.pending, m)
	if len(b.pending) >= b.cfg.Size {
		b.flush()
	}
}

// TimerC exposes the flush timer's channel so a caller's select loop can
// drive time-triggered flushes alongside Add calls and shutdown signals.
func (b *Batcher) TimerC() <-chan time.Time {
	if b.timer == nil {
		return nil
	}
	return b.timer.C
}

// FlushOnTimer flushes whatever is pending when TimerC fires. A no-op if
// nothing is pending (the timer is only running while a batch is open).
func (b *Batcher) FlushOnTimer() {
	b.flush()
}

// FlushSentinel emits the file-complete sentinel as its own single-message
// batch. Callers must first flush (and the Publisher must have acknowledged)
// the final data batch for the same file, per the ordering contract.
func (b *Batcher) FlushSentinel(s wire.Sentinel) {
	b.Out <- Batch{Kind: b.kind, Sentinel: &s}
}

// Flush flushes any pending partial batch immediately, used on shutdown and
// at end-of-file.
func (b *Batcher) Flush() {
	b.flush()
}

func (b *Batcher) flush() {
	if len(b.pending) == 0 {
		return
	}
	batch := Batch{Kind: b.kind, Messages: b.pending}
	b.pending = nil
	b.stopTimer()
	b.Out <- batch
}

func (b *Batcher) resetTimer() {
	b.stopTimer()
	b.timer = time.NewTimer(b.cfg.FlushInterval)
}

func (b *Batcher) stopTimer() {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}

// Close closes Out after flushing any pending partial batch. Callers must
// not call Add after Close.
func (b *Batcher) Close() {
	b.flush()
	close(b.Out)
}
