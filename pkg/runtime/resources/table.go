package resources

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// Action is the enforcement response chosen for an update.
type Action uint8

const (
	ActionNone Action = iota
	// ActionDeny refuses the consuming operation.
	ActionDeny
	// ActionThrottle delays the operation or pauses the sandbox until the
	// next accounting tick.
	ActionThrottle
	// ActionSuspend suspends the sandbox after repeated breaches.
	ActionSuspend
)

func (a Action) String() string {
	switch a {
	case ActionDeny:
		return "deny"
	case ActionThrottle:
		return "throttle"
	case ActionSuspend:
		return "suspend"
	default:
		return "none"
	}
}

// Outcome reports what an update did.
type Outcome struct {
	Events []Event
	Action Action
	// Resource is the breached kind when Action is not ActionNone.
	Resource Kind
	// Delay is set for throttled kinds.
	Delay time.Duration
	// Err is set when the operation is denied.
	Err error
}

// Counters are the cumulative usage figures of a sandbox.
type Counters struct {
	CPUMicros     uint64 `json:"cpu_us"`
	Bytes         uint64 `json:"bytes"`
	FDs           uint64 `json:"fds"`
	Connections   uint64 `json:"connections"`
	GPUUtil       uint64 `json:"gpu_util"`
	AIMillis      uint64 `json:"ai_ms"`
	QuantumMicros uint64 `json:"quantum_us"`
}

type meter struct {
	start      time.Time
	bytes      uint64
	limiter    *rate.Limiter
	throttling bool
}

// Table holds the live limits and usage of one sandbox. It is not safe for
// concurrent use; the owning sandbox serialises access under its lock.
type Table struct {
	limits        map[Kind]*Limit
	usage         map[Kind]uint64
	charged       map[Kind]uint64
	sampled       map[Kind]uint64
	totals        map[Kind]uint64
	meters        map[Kind]*meter
	connections   uint64
	hysteresis    float64
	escalateAfter int
	enforcing     bool
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithHysteresis overrides DefaultHysteresis.
func WithHysteresis(h float64) TableOption {
	return func(t *Table) { t.hysteresis = h }
}

// WithEscalation sets how many consecutive hard breaches of an escalating
// kind suspend the sandbox. Zero disables escalation.
func WithEscalation(n int) TableOption {
	return func(t *Table) { t.escalateAfter = n }
}

// WithoutEnforcement turns every limit into report-only.
func WithoutEnforcement() TableOption {
	return func(t *Table) { t.enforcing = false }
}

// NewTable clones specs into live limits.
func NewTable(specs []Spec, opts ...TableOption) *Table {
	t := &Table{
		limits:        make(map[Kind]*Limit, len(specs)),
		hysteresis:    DefaultHysteresis,
		escalateAfter: 3,
		enforcing:     true,
	}
	for _, s := range specs {
		t.limits[s.Kind] = newLimit(s)
	}
	for _, opt := range opts {
		opt(t)
	}
	t.Reset()
	return t
}

// Reset zeroes every counter and re-arms every edge.
func (t *Table) Reset() {
	for _, l := range t.limits {
		l.reset()
	}
	t.usage = make(map[Kind]uint64)
	t.charged = make(map[Kind]uint64)
	t.sampled = make(map[Kind]uint64)
	t.totals = make(map[Kind]uint64)
	t.meters = make(map[Kind]*meter)
	t.connections = 0
}

func (t *Table) enforces(l *Limit) bool {
	return t.enforcing && l.Enforce
}

// Charge accounts amount of kind before the consuming operation runs. An
// enforced limit that would be exceeded denies the operation and leaves
// the counter unchanged. The projection never drops below the last host
// reading of kind.
func (t *Table) Charge(kind Kind, amount uint64) Outcome {
	l, ok := t.limits[kind]
	if !ok {
		t.usage[kind] += amount
		t.totals[kind] += amount
		return Outcome{}
	}

	charged := t.charged[kind] + amount
	projected := max(charged, t.sampled[kind])
	if t.enforces(l) && projected > l.enforcedCeiling() {
		l.consecutive++
		out := Outcome{
			Action:   ActionDeny,
			Resource: kind,
			Err:      kind.DenialError(),
			Events:   []Event{l.event(HardLimitExceeded, projected)},
		}
		if t.escalates(l) {
			out.Action = ActionSuspend
		}
		return out
	}

	l.consecutive = 0
	t.charged[kind] = charged
	l.set(projected)
	t.totals[kind] += amount
	return Outcome{Events: l.evaluate(t.hysteresis)}
}

// Release returns amount of kind, saturating at zero.
func (t *Table) Release(kind Kind, amount uint64) Outcome {
	l, ok := t.limits[kind]
	if !ok {
		t.usage[kind] = saturatingSub(t.usage[kind], amount)
		return Outcome{}
	}
	t.charged[kind] = saturatingSub(t.charged[kind], amount)
	l.set(max(t.charged[kind], t.sampled[kind]))
	return Outcome{Events: l.evaluate(t.hysteresis)}
}

// Observe records a sampled rate such as cpu time per second. Enforced
// limits clamp the mirror at their ceiling and report the raw value in
// the event.
func (t *Table) Observe(kind Kind, value uint64) Outcome {
	l, ok := t.limits[kind]
	if !ok {
		t.usage[kind] = value
		return Outcome{}
	}
	if t.enforces(l) && value > l.enforcedCeiling() {
		return t.breach(l, value)
	}
	l.consecutive = 0
	l.set(value)
	return Outcome{Events: l.evaluate(t.hysteresis)}
}

// ObserveSampled records a host reading of a level such as resident
// memory or open descriptors. The mirror follows the larger of the
// reading and what Charge has accounted.
func (t *Table) ObserveSampled(kind Kind, value uint64) Outcome {
	t.sampled[kind] = value
	l, ok := t.limits[kind]
	if !ok {
		return Outcome{}
	}

	current := max(t.charged[kind], value)
	if t.enforces(l) && current > l.enforcedCeiling() {
		l.sampledBreach = true
		return t.breach(l, current)
	}
	if l.sampledBreach {
		l.sampledBreach = false
		l.consecutive = 0
	}
	l.set(current)
	return Outcome{Events: l.evaluate(t.hysteresis)}
}

// breach clamps l at its ceiling for a reading above it. Rate kinds are
// throttled until the next reading; escalating kinds suspend after a run
// of breaches.
func (t *Table) breach(l *Limit, value uint64) Outcome {
	l.consecutive++
	l.set(l.enforcedCeiling())
	out := Outcome{Events: l.evaluate(t.hysteresis), Resource: l.Kind}
	if l.consecutive == 1 {
		out.Events = append(out.Events, l.event(HardLimitExceeded, value))
	}
	switch {
	case t.escalates(l):
		out.Action = ActionSuspend
	case l.Kind == CPUTime || l.Kind.Throttled():
		out.Action = ActionThrottle
	}
	return out
}

// Throttle accounts n bytes of a bandwidth kind at now and returns the
// delay to insert before the transfer.
func (t *Table) Throttle(kind Kind, n uint64, now time.Time) Outcome {
	t.totals[kind] += n
	l, ok := t.limits[kind]
	if !ok {
		return Outcome{}
	}

	m := t.meter(l)
	if now.Sub(m.start) >= time.Second {
		m.start = now
		m.bytes = 0
	}
	m.bytes += n

	if !t.enforces(l) {
		l.set(m.bytes)
		return Outcome{Events: l.evaluate(t.hysteresis)}
	}

	var out Outcome
	if delay := m.reserve(n, now); delay > 0 {
		out.Action = ActionThrottle
		out.Resource = kind
		out.Delay = delay
		if !m.throttling {
			m.throttling = true
			out.Events = append(out.Events, l.event(HardLimitExceeded, m.bytes))
		}
	} else {
		m.throttling = false
	}
	l.set(min(m.bytes, l.enforcedCeiling()))
	out.Events = append(out.Events, l.evaluate(t.hysteresis)...)
	return out
}

func (t *Table) meter(l *Limit) *meter {
	m, ok := t.meters[l.Kind]
	if !ok {
		ceiling := max(l.enforcedCeiling(), 1)
		burst := int(min(ceiling, uint64(math.MaxInt32)))
		m = &meter{limiter: rate.NewLimiter(rate.Limit(float64(ceiling)), burst)}
		t.meters[l.Kind] = m
	}
	return m
}

func (m *meter) reserve(n uint64, now time.Time) time.Duration {
	burst := uint64(m.limiter.Burst())
	if n <= burst {
		return m.limiter.ReserveN(now, int(n)).DelayFrom(now)
	}
	// Larger than one bucket: drain it and wait for the remainder.
	extra := time.Duration(float64(n-burst) / float64(m.limiter.Limit()) * float64(time.Second))
	return m.limiter.ReserveN(now, int(burst)).DelayFrom(now) + extra
}

func (t *Table) escalates(l *Limit) bool {
	return l.Kind.Escalates() && t.escalateAfter > 0 && l.consecutive >= t.escalateAfter
}

// AddCPU accumulates consumed cpu time.
func (t *Table) AddCPU(micros uint64) {
	t.totals[CPUTime] += micros
}

// AddConnections adjusts the open connection count.
func (t *Table) AddConnections(delta int) {
	if delta < 0 {
		t.connections = saturatingSub(t.connections, uint64(-delta))
		return
	}
	t.connections += uint64(delta)
}

// Usage returns the current value for kind.
func (t *Table) Usage(kind Kind) uint64 {
	if l, ok := t.limits[kind]; ok {
		return l.Current
	}
	return max(t.usage[kind], t.sampled[kind])
}

// Limit returns a copy of the live limit for kind.
func (t *Table) Limit(kind Kind) (Limit, bool) {
	l, ok := t.limits[kind]
	if !ok {
		return Limit{}, false
	}
	return *l, true
}

// Limits returns copies of every live limit in kind order.
func (t *Table) Limits() []Limit {
	out := make([]Limit, 0, len(t.limits))
	for _, k := range Kinds() {
		if l, ok := t.limits[k]; ok {
			out = append(out, *l)
		}
	}
	return out
}

// Counters summarises cumulative usage.
func (t *Table) Counters() Counters {
	return Counters{
		CPUMicros:     t.totals[CPUTime],
		Bytes:         t.totals[DiskIO] + t.totals[NetworkBandwidth],
		FDs:           t.Usage(FDCount),
		Connections:   t.connections,
		GPUUtil:       t.Usage(GPUTime),
		AIMillis:      t.totals[AICompute],
		QuantumMicros: t.totals[QuantumTime],
	}
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}
