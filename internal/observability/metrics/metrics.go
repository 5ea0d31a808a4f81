package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReviewMetrics exposes counters/histograms for the review queue.
type ReviewMetrics struct {
	transitionsTotal   *prometheus.CounterVec
	generationTotal    *prometheus.CounterVec
	generationLatency  *prometheus.HistogramVec
	leasesReclaimed    prometheus.Counter
	itemsCreatedTotal  *prometheus.CounterVec
	singleFlightReject prometheus.Counter
}

func NewReviewMetrics(reg prometheus.Registerer) *ReviewMetrics {
	m := &ReviewMetrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow",
			Subsystem: "review",
			Name:      "transitions_total",
			Help:      "Review transitions by name and outcome",
		}, []string{"transition", "outcome"}),
		generationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow",
			Subsystem: "generation",
			Name:      "attempts_total",
			Help:      "Generation attempts by result reason",
		}, []string{"reason"}),
		generationLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shadow",
			Subsystem: "generation",
			Name:      "latency_seconds",
			Help:      "Latency of RAG generation calls",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"outcome"}),
		leasesReclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadow",
			Subsystem: "generation",
			Name:      "leases_reclaimed_total",
			Help:      "Items resolved to rag_failed after their generation lease expired",
		}),
		itemsCreatedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shadow",
			Subsystem: "review",
			Name:      "items_created_total",
			Help:      "Queue items created by ingestion source",
		}, []string{"source"}),
		singleFlightReject: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "shadow",
			Subsystem: "generation",
			Name:      "in_flight_rejections_total",
			Help:      "Generation requests rejected because one was already running for the item",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.transitionsTotal, m.generationTotal, m.generationLatency, m.leasesReclaimed, m.itemsCreatedTotal, m.singleFlightReject)
	return m
}

// ObserveTransition counts a transition attempt; outcome is "ok", "conflict",
// "not_found", "validation_error" or "error".
func (m *ReviewMetrics) ObserveTransition(transition, outcome string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(transition, outcome).Inc()
}

// ObserveGeneration records one generation call. reason is "ok" on success.
func (m *ReviewMetrics) ObserveGeneration(reason string, seconds float64) {
	if m == nil {
		return
	}
	outcome := "ok"
	if reason != "ok" {
		outcome = "failed"
	}
	m.generationTotal.WithLabelValues(reason).Inc()
	m.generationLatency.WithLabelValues(outcome).Observe(seconds)
}

func (m *ReviewMetrics) ObserveLeaseReclaimed(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.leasesReclaimed.Add(float64(count))
}

func (m *ReviewMetrics) ObserveItemCreated(source string) {
	if m == nil {
		return
	}
	m.itemsCreatedTotal.WithLabelValues(source).Inc()
}

func (m *ReviewMetrics) ObserveInFlightRejection() {
	if m == nil {
		return
	}
	m.singleFlightReject.Inc()
}
