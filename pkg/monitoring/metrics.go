package monitoring

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sandboxrunner/sandboxd/pkg/audit"
	"github.com/sandboxrunner/sandboxd/pkg/permission"
	"github.com/sandboxrunner/sandboxd/pkg/sandbox"
)

var _ sandbox.Metrics = (*Metrics)(nil)

// Metrics exports sandbox activity to Prometheus. It implements
// sandbox.Metrics and owns its registry so several instances can coexist.
type Metrics struct {
	registry *prometheus.Registry

	decisions    *prometheus.CounterVec
	records      *prometheus.CounterVec
	violations   *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	durations    *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// NewMetrics registers the sandboxd collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		decisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "permission_decisions_total",
			Help:      "Permission checks by permission and decision.",
		}, []string{"permission", "decision"}),
		records: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_records_total",
			Help:      "Audit records by kind and severity.",
		}, []string{"kind", "severity"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "violations_total",
			Help:      "Audit records that count as violations, by kind.",
		}, []string{"kind"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Sandbox lifecycle transitions by source and target state.",
		}, []string{"from", "to"}),
		durations: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of sandbox lifecycle operations.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10, 30},
		}, []string{"operation", "result"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) ObserveDecision(id permission.ID, d permission.Decision) {
	m.decisions.WithLabelValues(id.String(), d.String()).Inc()
}

func (m *Metrics) ObserveRecord(rec audit.Record) {
	m.records.WithLabelValues(string(rec.Kind), string(rec.Severity)).Inc()
	if rec.Kind.IsViolation() {
		m.violations.WithLabelValues(string(rec.Kind)).Inc()
	}
}

func (m *Metrics) ObserveTransition(t sandbox.Transition) {
	m.transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
}

func (m *Metrics) ObserveDuration(op string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.durations.WithLabelValues(op, result).Observe(d.Seconds())
}

// WatchStatistics exports fleet gauges read from fn at scrape time.
func (m *Metrics) WatchStatistics(namespace string, fn func() sandbox.Statistics) {
	m.registry.MustRegister(&statisticsCollector{
		stats: fn,
		sandboxes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "sandboxes"),
			"Sandboxes by lifecycle state.", []string{"state"}, nil),
		processes: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "processes"),
			"Processes currently registered to a sandbox.", nil, nil),
		policies: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "policies"),
			"Registered policies.", nil, nil),
		eventsDropped: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "events_dropped_total"),
			"Events dropped by the event bus.", nil, nil),
		deliveryFailures: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "audit_delivery_failures_total"),
			"Audit records the sink did not accept.", nil, nil),
	})
}

type statisticsCollector struct {
	stats            func() sandbox.Statistics
	sandboxes        *prometheus.Desc
	processes        *prometheus.Desc
	policies         *prometheus.Desc
	eventsDropped    *prometheus.Desc
	deliveryFailures *prometheus.Desc
}

func (c *statisticsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sandboxes
	ch <- c.processes
	ch <- c.policies
	ch <- c.eventsDropped
	ch <- c.deliveryFailures
}

func (c *statisticsCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	for _, state := range sandbox.States() {
		ch <- prometheus.MustNewConstMetric(c.sandboxes, prometheus.GaugeValue, float64(st.StateBreakdown[state]), string(state))
	}
	ch <- prometheus.MustNewConstMetric(c.processes, prometheus.GaugeValue, float64(st.Processes))
	ch <- prometheus.MustNewConstMetric(c.policies, prometheus.GaugeValue, float64(st.Policies))
	ch <- prometheus.MustNewConstMetric(c.eventsDropped, prometheus.CounterValue, float64(st.EventsDropped))
	ch <- prometheus.MustNewConstMetric(c.deliveryFailures, prometheus.CounterValue, float64(st.DeliveryFailures))
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// InstrumentHandler counts and times requests served by next under route.
func (m *Metrics) InstrumentHandler(route string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r)
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.statusCode)).Inc()
		m.httpDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// statusRecorder captures the response status. It forwards Hijack so
// websocket upgrades pass through.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	w.statusCode = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
