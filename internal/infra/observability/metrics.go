package observability

import (
	"time"

	"github.com/boddenberg/starbank-bfa-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the BFA.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	externalErrors    *prometheus.CounterVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	transfers         *prometheus.CounterVec
	transferDuration  prometheus.Histogram
	topUps            *prometheus.CounterVec
	adjustments       *prometheus.CounterVec
	appendFailures    *prometheus.CounterVec
	compensations     *prometheus.CounterVec
	optimisticRetries *prometheus.CounterVec
	eventsPublished   *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. Using a private registry avoids "duplicate
// collector" panics when NewMetrics is called more than once (e.g. in tests).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "starbank_request_duration_seconds",
				Help:    "Duration of requests by operation.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_store_errors_total",
				Help: "Total errors from backing stores.",
			},
			[]string{"backend"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
		transfers: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_transfers_total",
				Help: "Card-to-card transfers by result.",
			},
			[]string{"result"},
		),
		transferDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "starbank_transfer_duration_seconds",
				Help:    "End-to-end duration of a transfer.",
				Buckets: prometheus.DefBuckets,
			},
		),
		topUps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_topups_total",
				Help: "Stars top-ups by result.",
			},
			[]string{"result"},
		),
		adjustments: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_admin_adjustments_total",
				Help: "Admin balance adjustments by direction.",
			},
			[]string{"direction"},
		),
		appendFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_ledger_append_failures_total",
				Help: "Transaction records that could not be written after balances moved.",
			},
			[]string{"type"},
		),
		compensations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_ledger_compensations_total",
				Help: "Source debits reverted after a failed credit, by outcome.",
			},
			[]string{"outcome"},
		),
		optimisticRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_optimistic_conflicts_total",
				Help: "Conditional balance updates that lost a race.",
			},
			[]string{"operation"},
		),
		eventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "starbank_events_published_total",
				Help: "Domain events handed to the broker, by topic and status.",
			},
			[]string{"event", "status"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrExternalError increments the store error counter.
func (m *Metrics) IncrExternalError(backend string) {
	m.externalErrors.WithLabelValues(backend).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// RecordTransfer counts a transfer outcome ("completed" or a failure kind) and its duration.
func (m *Metrics) RecordTransfer(result string, d time.Duration) {
	m.transfers.WithLabelValues(result).Inc()
	m.transferDuration.Observe(d.Seconds())
}

// IncrTopUp counts a Stars top-up outcome.
func (m *Metrics) IncrTopUp(result string) {
	m.topUps.WithLabelValues(result).Inc()
}

// IncrAdjustment counts an admin adjustment ("credit" or "debit").
func (m *Metrics) IncrAdjustment(direction string) {
	m.adjustments.WithLabelValues(direction).Inc()
}

// IncrAppendFailure counts a ledger record lost after a balance update.
func (m *Metrics) IncrAppendFailure(txType string) {
	m.appendFailures.WithLabelValues(txType).Inc()
}

// IncrCompensation counts a compensation attempt ("succeeded" or "failed").
func (m *Metrics) IncrCompensation(outcome string) {
	m.compensations.WithLabelValues(outcome).Inc()
}

// IncrConflict counts a lost optimistic update.
func (m *Metrics) IncrConflict(operation string) {
	m.optimisticRetries.WithLabelValues(operation).Inc()
}

// IncrEvent counts a published (or dropped) domain event.
func (m *Metrics) IncrEvent(event, status string) {
	m.eventsPublished.WithLabelValues(event, status).Inc()
}

// EventCount returns how many events of one type ended with status.
func (m *Metrics) EventCount(event, status string) float64 {
	return getCounterValue(m.eventsPublished, event, status)
}

// Snapshot returns the ledger counters for GET /v1/admin/stats.
func (m *Metrics) Snapshot() *domain.LedgerStats {
	return &domain.LedgerStats{
		Transfers:         sumByLabel(m.transfers, "result"),
		TopUps:            sumCounterVec(m.topUps),
		Adjustments:       sumCounterVec(m.adjustments),
		AppendFailures:    sumCounterVec(m.appendFailures),
		Compensations:     sumByLabel(m.compensations, "outcome"),
		OptimisticRetries: sumCounterVec(m.optimisticRetries),
	}
}

// getCounterValue extracts the current float64 value from a CounterVec for a given label.
func getCounterValue(cv *prometheus.CounterVec, labels ...string) float64 {
	counter := cv.WithLabelValues(labels...)
	m := &dto.Metric{}
	if err := counter.(prometheus.Metric).Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}

// collect drains every child series of a CounterVec.
func collect(cv *prometheus.CounterVec) []*dto.Metric {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()

	var out []*dto.Metric
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil {
			continue
		}
		out = append(out, pb)
	}
	return out
}

func sumCounterVec(cv *prometheus.CounterVec) float64 {
	var total float64
	for _, pb := range collect(cv) {
		total += pb.GetCounter().GetValue()
	}
	return total
}

func sumByLabel(cv *prometheus.CounterVec, label string) map[string]float64 {
	out := make(map[string]float64)
	for _, pb := range collect(cv) {
		for _, lp := range pb.GetLabel() {
			if lp.GetName() == label {
				out[lp.GetValue()] += pb.GetCounter().GetValue()
			}
		}
	}
	return out
}
