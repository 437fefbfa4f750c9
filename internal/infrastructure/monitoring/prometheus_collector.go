package monitoring

import (
	"errors"
	"strconv"
	"time"

	"livegrid/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector owns every livegrid metric. All Record methods are safe
// on a nil receiver so components can run without metrics in tests.
type PrometheusCollector struct {
	repositoryOps      *prometheus.CounterVec
	repositoryDuration *prometheus.HistogramVec
	lockContention     *prometheus.CounterVec

	eventsEmitted   *prometheus.CounterVec
	publishFailures prometheus.Counter
	framesDropped   *prometheus.CounterVec
	historySize     prometheus.Gauge

	subscribers *prometheus.GaugeVec
	evictions   *prometheus.CounterVec

	provisionerCalls *prometheus.CounterVec
	idempotencyHits  *prometheus.CounterVec

	httpRequests *prometheus.HistogramVec
}

// NewPrometheusCollector registers the metrics on reg. Pass a fresh
// prometheus.NewRegistry() per test to avoid duplicate registration panics.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		repositoryOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_repository_operations_total",
			Help: "Stream repository operations by outcome",
		}, []string{"operation", "outcome"}),

		repositoryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livegrid_repository_operation_duration_seconds",
			Help:    "Duration of stream repository operations",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}, []string{"operation"}),

		lockContention: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_lock_contention_total",
			Help: "Lock acquisitions that timed out",
		}, []string{"scope"}),

		eventsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_events_emitted_total",
			Help: "Stream events delivered to local subscribers",
		}, []string{"type", "source"}),

		publishFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "livegrid_event_publish_failures_total",
			Help: "Cross-instance event publishes that failed",
		}),

		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_event_frames_dropped_total",
			Help: "Cross-instance frames dropped on receipt",
		}, []string{"reason"}),

		historySize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "livegrid_event_history_size",
			Help: "Events currently retained in the local history window",
		}),

		subscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "livegrid_subscribers",
			Help: "Live push subscribers by transport",
		}, []string{"transport"}),

		evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_subscriber_evictions_total",
			Help: "Push subscribers removed by the broadcast loop",
		}, []string{"transport", "reason"}),

		provisionerCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_provisioner_calls_total",
			Help: "Room server calls by outcome",
		}, []string{"operation", "outcome"}),

		idempotencyHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "livegrid_idempotency_hits_total",
			Help: "Requests answered from the idempotency cache",
		}, []string{"scope"}),

		httpRequests: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "livegrid_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

// Outcome folds an error into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrStreamNotFound), errors.Is(err, domain.ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrVersionConflict), errors.Is(err, domain.ErrStatusConflict):
		return "conflict"
	case errors.Is(err, domain.ErrLockContention):
		return "contention"
	default:
		return "error"
	}
}

// Recorders below are no-ops on a nil collector.
func (p *PrometheusCollector) RecordRepositoryOperation(op string, err error, d time.Duration) {
	if p == nil {
		return
	}
	p.repositoryOps.WithLabelValues(op, Outcome(err)).Inc()
	p.repositoryDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (p *PrometheusCollector) RecordLockContention(scope string) {
	if p == nil {
		return
	}
	p.lockContention.WithLabelValues(scope).Inc()
}

func (p *PrometheusCollector) RecordEvent(eventType domain.EventType, remote bool) {
	if p == nil {
		return
	}
	source := "local"
	if remote {
		source = "remote"
	}
	p.eventsEmitted.WithLabelValues(string(eventType), source).Inc()
}

func (p *PrometheusCollector) RecordPublishFailure() {
	if p == nil {
		return
	}
	p.publishFailures.Inc()
}

func (p *PrometheusCollector) RecordDroppedFrame(reason string) {
	if p == nil {
		return
	}
	p.framesDropped.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) SetHistorySize(n int) {
	if p == nil {
		return
	}
	p.historySize.Set(float64(n))
}

func (p *PrometheusCollector) SubscriberAdded(transport string) {
	if p == nil {
		return
	}
	p.subscribers.WithLabelValues(transport).Inc()
}

func (p *PrometheusCollector) SubscriberRemoved(transport string) {
	if p == nil {
		return
	}
	p.subscribers.WithLabelValues(transport).Dec()
}

func (p *PrometheusCollector) RecordEviction(transport, reason string) {
	if p == nil {
		return
	}
	p.evictions.WithLabelValues(transport, reason).Inc()
}

func (p *PrometheusCollector) RecordProvisionerCall(op string, err error) {
	if p == nil {
		return
	}
	p.provisionerCalls.WithLabelValues(op, Outcome(err)).Inc()
}

func (p *PrometheusCollector) RecordIdempotencyHit(scope string) {
	if p == nil {
		return
	}
	p.idempotencyHits.WithLabelValues(scope).Inc()
}

func (p *PrometheusCollector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if p == nil {
		return
	}
	if route == "" {
		route = "unmatched"
	}
	p.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
