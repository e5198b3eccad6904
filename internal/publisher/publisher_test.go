package publisher

import (
	"testing"
	"time"

	"github.com/discogsography/extractor/internal/batch"
	"github.com/discogsography/extractor/internal/wire"
)

func TestEnvelopesFor_dataBatch(t *testing.T) {
	b := batch.Batch{
		Kind: wire.KindArtists,
		Messages: []wire.Message{
			{Kind: wire.KindArtists, ID: "1", Hash: "h1"},
			{Kind: wire.KindArtists, ID: "2", Hash: "h2"},
		},
	}
	envs, err := envelopesFor(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 2 {
		t.Fatalf("len(envs) = %d, want 2", len(envs))
	}
	for _, e := range envs {
		if e.RoutingKey != "artists" {
			t.Errorf("routing key = %q, want artists", e.RoutingKey)
		}
	}
}

func TestEnvelopesFor_sentinelBatch(t *testing.T) {
	s := wire.NewSentinel(wire.KindReleases, 42)
	b := batch.Batch{Kind: wire.KindReleases, Sentinel: &s}
	envs, err := envelopesFor(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(envs) != 1 {
		t.Fatalf("len(envs) = %d, want 1", len(envs))
	}
	if envs[0].RoutingKey != "releases" {
		t.Errorf("routing key = %q", envs[0].RoutingKey)
	}
}

func TestPauseBackpressure(t *testing.T) {
	p := New("amqp://ignored")
	if p.PauseBackpressure() {
		t.Error("fresh publisher should not signal backpressure")
	}
	for i := 0; i < InFlightBackpressureThreshold; i++ {
		p.inFlight++
	}
	if !p.PauseBackpressure() {
		t.Error("publisher at threshold should signal backpressure")
	}
}

func TestJitter_boundedAndNonNegative(t *testing.T) {
	base := 10 * time.Second
	for i := 0; i < 20; i++ {
		got := jitter(base)
		if got < 0 {
			t.Fatalf("jitter returned negative duration: %v", got)
		}
		if got > base+base/4+time.Millisecond {
			t.Fatalf("jitter(%v) = %v, exceeds +25%% bound", base, got)
		}
	}
}

func TestJitter_zeroStaysZero(t *testing.T) {
	if got := jitter(0); got != 0 {
		t.Errorf("jitter(0) = %v, want 0", got)
	}
}

func TestBrokerProtocolError_unwrap(t *testing.T) {
	inner := errSentinel("boom")
	err := &BrokerProtocolError{Op: "publish", Err: inner}
	if err.Unwrap() != inner {
		t.Error("Unwrap should return the wrapped error")
	}
}

type errSentinel string

func (e errSentinel) Error() string { return string(e) }
