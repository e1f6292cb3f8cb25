package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultSkipped = "skipped"
	ResultAllow   = "allow"
	ResultDeny    = "deny"
)

// Metrics holds Prometheus metrics for the module permission service.
type Metrics struct {
	TokenOperations   *prometheus.CounterVec
	DocumentWrites    *prometheus.CounterVec
	AccessDecisions   *prometheus.CounterVec
	AdminOperations   *prometheus.CounterVec
	DocumentSeq       prometheus.Gauge
	PendingGroups     prometheus.Gauge
	ReconcileDuration prometheus.Histogram
	gatherer          prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		TokenOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modgate_token_operations_total",
			Help: "Native grant operations by op and result.",
		}, []string{"op", "result"}),
		DocumentWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modgate_document_writes_total",
			Help: "Mapping document writes by result.",
		}, []string{"result"}),
		AccessDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modgate_access_decisions_total",
			Help: "Module access decisions by module and result.",
		}, []string{"module", "result"}),
		AdminOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "modgate_admin_operations_total",
			Help: "Administrative operations by action and error kind.",
		}, []string{"action", "result"}),
		DocumentSeq: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modgate_document_seq",
			Help: "Sequence number of the mapping held in memory.",
		}),
		PendingGroups: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "modgate_pending_groups",
			Help: "Groups waiting for a grant repair.",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "modgate_reconcile_duration_seconds",
			Help:    "Duration of full reconciliation runs.",
			Buckets: prometheus.DefBuckets,
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.TokenOperations,
		m.DocumentWrites,
		m.AccessDecisions,
		m.AdminOperations,
		m.DocumentSeq,
		m.PendingGroups,
		m.ReconcileDuration,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// TokenOp counts one native grant operation.
func (m *Metrics) TokenOp(op, result string) {
	m.TokenOperations.WithLabelValues(op, result).Inc()
}

// ObserveReconcile records a full reconciliation run.
func (m *Metrics) ObserveReconcile(d time.Duration) {
	m.ReconcileDuration.Observe(d.Seconds())
}

// AccessDecision counts one access decision.
func (m *Metrics) AccessDecision(module string, allowed bool) {
	result := ResultDeny
	if allowed {
		result = ResultAllow
	}
	m.AccessDecisions.WithLabelValues(module, result).Inc()
}

// DocumentWrite counts one document write.
func (m *Metrics) DocumentWrite(err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.DocumentWrites.WithLabelValues(result).Inc()
}

// AdminOp counts one administrative operation; kind is empty on success.
func (m *Metrics) AdminOp(action, kind string) {
	if kind == "" {
		kind = ResultOK
	}
	m.AdminOperations.WithLabelValues(action, kind).Inc()
}

// SetSeq records the in-memory document sequence number.
func (m *Metrics) SetSeq(seq uint64) {
	m.DocumentSeq.Set(float64(seq))
}

// SetPending records the size of the repair queue.
func (m *Metrics) SetPending(n int) {
	m.PendingGroups.Set(float64(n))
}
