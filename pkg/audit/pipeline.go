package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultViolationThreshold = 10
	DefaultViolationWindow    = 60 * time.Second
	DefaultDeliveryTimeout    = 5 * time.Second
	DefaultQueueSize          = 256
)

// Config sizes a Pipeline.
type Config struct {
	RingSize           int
	ViolationThreshold int
	ViolationWindow    time.Duration
	DeliveryTimeout    time.Duration
	QueueSize          int
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{
		RingSize:           DefaultRingSize,
		ViolationThreshold: DefaultViolationThreshold,
		ViolationWindow:    DefaultViolationWindow,
		DeliveryTimeout:    DefaultDeliveryTimeout,
		QueueSize:          DefaultQueueSize,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.RingSize <= 0 {
		c.RingSize = d.RingSize
	}
	if c.ViolationWindow <= 0 {
		c.ViolationWindow = d.ViolationWindow
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = d.DeliveryTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

// Identity is stamped on every record of a pipeline.
type Identity struct {
	SandboxID   string
	SandboxName string
	Policy      string
}

// Verdict is the result of submitting a record.
type Verdict struct {
	Record Record
	// Exceeded is true when the record pushed the violation window over
	// its threshold.
	Exceeded bool
}

// Stats summarises a pipeline.
type Stats struct {
	Records          uint64 `json:"records"`
	Violations       uint64 `json:"violations"`
	Evicted          uint64 `json:"evicted"`
	Delivered        uint64 `json:"delivered"`
	DeliveryFailures uint64 `json:"delivery_failures"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink sets the host sink records are delivered to.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithSigner signs every record before it is buffered.
func WithSigner(s Signer) Option {
	return func(p *Pipeline) { p.signer = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithObserver registers a callback invoked with every buffered record,
// synthetic delivery failures included. The callback must not block.
func WithObserver(fn func(Record)) Option {
	return func(p *Pipeline) { p.observer = fn }
}

// Pipeline enriches, buffers, signs and delivers the records of one
// sandbox and tracks its violation window.
type Pipeline struct {
	mu   sync.Mutex
	cond *sync.Cond

	cfg      Config
	identity Identity
	ring     *Ring
	window   *Window
	sink     Sink
	signer   Signer
	observer func(Record)
	now      func() time.Time

	seq       uint64
	last      time.Time
	lastState string
	stats     Stats

	queue   chan Record
	pending int
	closed  bool
	done    chan struct{}
}

// NewPipeline creates a pipeline and starts its delivery worker when a
// sink is configured.
func NewPipeline(cfg Config, id Identity, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:      cfg,
		identity: id,
		ring:     NewRing(cfg.RingSize),
		window:   NewWindow(cfg.ViolationThreshold, cfg.ViolationWindow),
		now:      time.Now,
		done:     make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	for _, opt := range opts {
		opt(p)
	}

	if p.sink != nil {
		p.queue = make(chan Record, cfg.QueueSize)
		go p.deliverLoop()
	} else {
		close(p.done)
	}
	return p
}

// Submit records rec while the sandbox is in state.
func (p *Pipeline) Submit(state string, rec Record) Verdict {
	p.mu.Lock()
	rec = p.enrichLocked(state, rec)
	p.appendLocked(rec)

	if rec.Kind.IsViolation() {
		p.stats.Violations++
	}
	exceeded := false
	if rec.Kind.CountsTowardSuspend() {
		exceeded = p.window.Add(rec.Timestamp)
	}

	var overflow *Record
	if p.queue != nil && !p.closed {
		select {
		case p.queue <- rec:
			p.pending++
		default:
			failure := p.failureLocked(rec, fmt.Errorf("delivery queue full"))
			overflow = &failure
		}
	}
	p.mu.Unlock()

	p.notify(rec)
	if overflow != nil {
		p.notify(*overflow)
	}
	return Verdict{Record: rec, Exceeded: exceeded}
}

func (p *Pipeline) enrichLocked(state string, rec Record) Record {
	now := p.now()
	if !now.After(p.last) {
		now = p.last.Add(time.Nanosecond)
	}
	p.last = now
	p.seq++
	p.lastState = state

	rec.ID = uuid.New().String()
	rec.Sequence = p.seq
	rec.Timestamp = now
	rec.SandboxID = p.identity.SandboxID
	rec.SandboxName = p.identity.SandboxName
	rec.Policy = p.identity.Policy
	rec.State = state
	rec.Severity = SeverityOf(rec.Kind)
	if rec.Response == "" {
		rec.Response = ResponseNone
	}
	rec.Signature = ""
	if p.signer != nil {
		rec = Sign(p.signer, rec)
	}
	return rec
}

func (p *Pipeline) appendLocked(rec Record) {
	p.ring.Append(rec)
	p.stats.Records++
}

// failureLocked appends a synthetic AuditDeliveryFailed record. Synthetic
// records are never delivered themselves.
func (p *Pipeline) failureLocked(orig Record, err error) Record {
	p.stats.DeliveryFailures++
	failure := p.enrichLocked(p.lastState, Record{
		Kind:        AuditDeliveryFailed,
		Subject:     string(orig.Kind),
		Detail:      int64(orig.Sequence),
		Description: fmt.Sprintf("delivery of record %d failed: %v", orig.Sequence, err),
		Response:    ResponseLogged,
	})
	p.appendLocked(failure)
	return failure
}

func (p *Pipeline) notify(rec Record) {
	if p.observer != nil {
		p.observer(rec)
	}
}

func (p *Pipeline) deliverLoop() {
	defer close(p.done)
	for rec := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DeliveryTimeout)
		err := p.sink.Submit(ctx, rec)
		cancel()

		p.mu.Lock()
		var failure *Record
		if err != nil {
			f := p.failureLocked(rec, err)
			failure = &f
		} else {
			p.stats.Delivered++
		}
		p.mu.Unlock()

		if failure != nil {
			log.Warn().
				Err(err).
				Str("sandbox_id", rec.SandboxID).
				Uint64("sequence", rec.Sequence).
				Msg("Audit delivery failed")
			p.notify(*failure)
		}

		p.mu.Lock()
		p.pending--
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// Flush blocks until every queued record has been delivered or failed.
func (p *Pipeline) Flush() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.pending > 0 {
		p.cond.Wait()
	}
}

// Records returns the ring contents, oldest first.
func (p *Pipeline) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring.Records()
}

// ResetWindow clears the violation window.
func (p *Pipeline) ResetWindow() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.window.Reset()
}

// WindowCount returns the violations currently inside the window.
func (p *Pipeline) WindowCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window.Count()
}

// Stats returns counters for the pipeline.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Evicted = p.ring.Evicted()
	return s
}

// Close drains pending deliveries and stops the worker. Records submitted
// afterwards are buffered but not delivered.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		if p.queue != nil {
			close(p.queue)
		}
	}
	p.mu.Unlock()
	<-p.done
}
