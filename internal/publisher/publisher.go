// Package publisher owns the broker connection lifecycle, declares the
// extractor's exchange/queue topology, and publishes batches with persistent
// delivery semantics and backpressure.
package publisher

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/discogsography/extractor/internal/batch"
	"github.com/discogsography/extractor/internal/metrics"
	"github.com/discogsography/extractor/internal/wire"
)

// ConsumerGroups are the two independent downstream consumer groups each
// kind fans out to, per spec.md §4.6's {graph, tabular} × {kind} topology.
var ConsumerGroups = []string{"graph", "tabular"}

const (
	exchangeName    = "X"
	dlxExchangeName = "X.dlx"
	heartbeat       = 60 * time.Second
	ackTimeout      = 30 * time.Second
	deliveryLimit   = 20

	// InFlightBackpressureThreshold is the number of unacknowledged
	// in-flight batches at or above which PauseBackpressure reports true.
	InFlightBackpressureThreshold = 8

	// readyPollInterval is how often Publish rechecks the connection state
	// while a reconnect is in progress.
	readyPollInterval = 100 * time.Millisecond
)

// BrokerProtocolError wraps an error the broker itself raised (topology
// declaration refused, channel-level exception, publish rejected).
type BrokerProtocolError struct {
	Op  string
	Err error
}

func (e *BrokerProtocolError) Error() string {
	return fmt.Sprintf("publisher: broker protocol error during %s: %v", e.Op, e.Err)
}
func (e *BrokerProtocolError) Unwrap() error { return e.Err }

// State is the Publisher's connection state machine, per spec.md §4.6.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Publishing
	Closing
	Closed
)

// Publisher owns a single broker connection and channel (single-writer
// discipline: only one Publisher instance holds the active channel).
type Publisher struct {
	url string

	mu          sync.Mutex
	state       State
	conn        *amqp.Connection
	channel     *amqp.Channel
	closeNotify chan *amqp.Error

	inFlight int64
}

// New returns a Publisher that will connect to url on first Connect call.
func New(url string) *Publisher {
	return &Publisher{url: url, state: Disconnected}
}

// Connect dials the broker, opens a channel, and declares the topology,
// retrying indefinitely with capped exponential backoff until the first
// connection succeeds or ctx is cancelled. Once connected, it starts a
// background watcher that re-dials (with the same backoff) if the
// connection drops mid-run, per spec.md §4.6's
// "Ready -> {Disconnected | Ready}" reconnect-on-drop requirement.
func (p *Publisher) Connect(ctx context.Context) error {
	if err := p.dialWithBackoff(ctx); err != nil {
		return err
	}
	go p.superviseConnection(ctx)
	return nil
}

// dialWithBackoff retries dialOnce indefinitely with capped exponential
// backoff, per the "broker unreachable retried indefinitely while the
// Orchestrator lives" policy, until it succeeds or ctx is cancelled.
func (p *Publisher) dialWithBackoff(ctx context.Context) error {
	p.setState(Connecting)
	backoff := time.Second
	const maxBackoff = 60 * time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.dialOnce(); err == nil {
			return nil
		}
		metrics.BrokerConnected.Set(0)
		wait := jitter(backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// dialOnce makes a single connection attempt: dial, open a channel, put it
// into publisher-confirm mode, and declare the topology. On any failure it
// tears down whatever it opened and returns the error; on success it
// installs the new connection/channel and registers the close watcher.
func (p *Publisher) dialOnce() error {
	conn, err := amqp.DialConfig(p.url, amqp.Config{Heartbeat: heartbeat})
	if err != nil {
		log.Printf("publisher: dial failed: %v", err)
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		log.Printf("publisher: channel open failed: %v", err)
		conn.Close()
		return err
	}
	if err := ch.Confirm(false); err != nil {
		log.Printf("publisher: enabling publisher confirms failed: %v", err)
		ch.Close()
		conn.Close()
		return err
	}
	if err := declareTopology(ch); err != nil {
		log.Printf("publisher: topology declaration failed: %v", err)
		ch.Close()
		conn.Close()
		return err
	}

	closeNotify := conn.NotifyClose(make(chan *amqp.Error, 1))
	p.mu.Lock()
	p.conn, p.channel, p.closeNotify = conn, ch, closeNotify
	p.mu.Unlock()
	p.setState(Ready)
	metrics.BrokerConnected.Set(1)
	log.Printf("publisher: connected to broker")
	return nil
}

// superviseConnection watches the active connection's close notification
// and re-dials with backoff whenever it fires outside of a deliberate
// Close() call. It exits when ctx is cancelled or the Publisher is closed.
func (p *Publisher) superviseConnection(ctx context.Context) {
	for {
		p.mu.Lock()
		closeNotify := p.closeNotify
		p.mu.Unlock()
		if closeNotify == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case notifyErr, ok := <-closeNotify:
			p.mu.Lock()
			closedByUs := p.state == Closing || p.state == Closed
			p.mu.Unlock()
			if closedByUs {
				return
			}
			if ok {
				log.Printf("publisher: connection lost: %v; reconnecting", notifyErr)
			} else {
				log.Printf("publisher: connection closed unexpectedly; reconnecting")
			}
			p.mu.Lock()
			p.conn, p.channel, p.closeNotify = nil, nil, nil
			p.mu.Unlock()
			p.setState(Disconnected)
			metrics.BrokerConnected.Set(0)
			if err := p.dialWithBackoff(ctx); err != nil {
				return
			}
		}
	}
}

// awaitReady blocks until the Publisher has an open channel (Ready or
// Publishing), the Publisher is closed, or ctx is done, polling the
// connection state while a reconnect is in flight.
func (p *Publisher) awaitReady(ctx context.Context) error {
	for {
		p.mu.Lock()
		state := p.state
		p.mu.Unlock()
		switch state {
		case Ready, Publishing:
			return nil
		case Closing, Closed:
			return &BrokerProtocolError{Op: "publish", Err: fmt.Errorf("publisher is closed")}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(readyPollInterval):
		}
	}
}

// declareTopology declares the exchange, dead-letter exchange, and per-kind
// quorum queues with their classic DLQ siblings, idempotently.
func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(exchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", exchangeName, err)
	}
	if err := ch.ExchangeDeclare(dlxExchangeName, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx %s: %w", dlxExchangeName, err)
	}
	for _, kind := range wire.Kinds {
		for _, group := range ConsumerGroups {
			queueName := fmt.Sprintf("%s.%s", group, kind)
			dlqName := queueName + ".dlq"
			args := amqp.Table{
				"x-queue-type":            "quorum",
				"x-dead-letter-exchange":  dlxExchangeName,
				"x-dead-letter-routing-key": string(kind),
				"x-delivery-limit":        int32(deliveryLimit),
			}
			if _, err := ch.QueueDeclare(queueName, true, false, false, false, args); err != nil {
				return fmt.Errorf("declare queue %s: %w", queueName, err)
			}
			if err := ch.QueueBind(queueName, string(kind), exchangeName, false, nil); err != nil {
				return fmt.Errorf("bind queue %s: %w", queueName, err)
			}
			if _, err := ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare dlq %s: %w", dlqName, err)
			}
			if err := ch.QueueBind(dlqName, string(kind), dlxExchangeName, false, nil); err != nil {
				return fmt.Errorf("bind dlq %s: %w", dlqName, err)
			}
		}
	}
	return nil
}

// Publish waits for a usable channel (reconnecting transparently if the
// broker connection dropped), then sends every message (and the sentinel,
// if present) in b with persistent delivery mode, awaiting broker
// confirmation with a 30s timeout per message. On a protocol-level refusal
// it returns a *BrokerProtocolError; the Orchestrator's drain loop logs it
// and retries the whole batch, and does not record it in the file's error
// list or split the batch. Backpressure: Publish tracks in-flight depth
// via InFlight so the caller's reader loop can pause when PauseBackpressure
// reports true.
func (p *Publisher) Publish(ctx context.Context, b batch.Batch) error {
	if err := p.awaitReady(ctx); err != nil {
		return err
	}
	p.setState(Publishing)
	defer func() {
		// Only step back down to Ready if nothing else (the close watcher)
		// has already moved the connection to Disconnected/Connecting.
		p.mu.Lock()
		if p.state == Publishing {
			p.state = Ready
		}
		p.mu.Unlock()
	}()

	atomic.AddInt64(&p.inFlight, 1)
	defer atomic.AddInt64(&p.inFlight, -1)

	envelopes, err := envelopesFor(b)
	if err != nil {
		return err
	}

	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil {
		return &BrokerProtocolError{Op: "publish", Err: fmt.Errorf("no open channel")}
	}

	confirms := make([]*amqp.DeferredConfirmation, 0, len(envelopes))
	for _, env := range envelopes {
		pctx, cancel := context.WithTimeout(ctx, ackTimeout)
		confirm, err := ch.PublishWithDeferredConfirmWithContext(pctx, exchangeName, env.RoutingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         env.Body,
		})
		cancel()
		if err != nil {
			return &BrokerProtocolError{Op: "publish", Err: err}
		}
		confirms = append(confirms, confirm)
	}

	// Await broker acknowledgement of every message in the batch before
	// returning, per spec.md §4.6's per-batch ack contract.
	for _, confirm := range confirms {
		actx, cancel := context.WithTimeout(ctx, ackTimeout)
		ok, err := confirm.WaitContext(actx)
		cancel()
		if err != nil {
			return &BrokerProtocolError{Op: "publish ack", Err: err}
		}
		if !ok {
			return &BrokerProtocolError{Op: "publish ack", Err: fmt.Errorf("broker nacked message")}
		}
	}

	if b.Sentinel == nil {
		metrics.BatchesPublished.WithLabelValues(string(b.Kind)).Inc()
		metrics.MessagesPublished.WithLabelValues(string(b.Kind)).Add(float64(len(b.Messages)))
	}
	metrics.LastHeartbeatUnix.Set(float64(time.Now().Unix()))
	return nil
}

func envelopesFor(b batch.Batch) ([]wire.Envelope, error) {
	var envelopes []wire.Envelope
	for _, m := range b.Messages {
		env, err := wire.MarshalMessage(m)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	if b.Sentinel != nil {
		env, err := wire.MarshalSentinel(*b.Sentinel)
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, env)
	}
	return envelopes, nil
}

// InFlight returns the current count of unacknowledged publish calls.
func (p *Publisher) InFlight() int64 { return atomic.LoadInt64(&p.inFlight) }

// PauseBackpressure reports whether the Batcher should pause emission
// because too many batches are in flight.
func (p *Publisher) PauseBackpressure() bool {
	return p.InFlight() >= InFlightBackpressureThreshold
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// Close cleanly closes the channel and connection (Ready -> Closing -> Closed).
func (p *Publisher) Close() error {
	p.setState(Closing)
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			firstErr = err
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.state = Closed
	metrics.BrokerConnected.Set(0)
	return firstErr
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	frac := float64(d) * 0.25
	delta := time.Duration(rand.Int63n(int64(frac*2+1))) - time.Duration(frac)
	result := d + delta
	if result < 0 {
		return 0
	}
	return result
}
