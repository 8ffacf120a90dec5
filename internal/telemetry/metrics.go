package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter     = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_events_enqueued_total", Help: "Worker events enqueued"})
	RateLimitRejects   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_rate_limit_rejects_total", Help: "Notification deliveries rejected by rate limiter"})
	EventsProcessed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_events_processed_total", Help: "Worker events handled successfully"})
	EventsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_events_failed_total", Help: "Worker events that failed and will retry"})
	EventsDeadLetter   = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_events_dead_letter_total", Help: "Worker events moved to the DLQ"})
	EventsDropped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_events_dropped_total", Help: "Worker events dropped with no resolvable participant"})
	RecruitsRequested  = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_units_requested_total", Help: "Recruitment units requested"})
	RecruitsGranted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_units_granted_total", Help: "Recruitment units granted by the allocator"})
	AllocatorShortfall = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_allocator_shortfall_total", Help: "Requested units the allocator could not place"})
	BonusesPaid        = prometheus.NewCounter(prometheus.CounterOpts{Name: "recruitment_bonuses_paid_total", Help: "Bonuses paid to participants"})
	QueueDepthGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recruitment_queue_depth", Help: "Ready queue depth across priorities"})
	InFlightGauge      = prometheus.NewGauge(prometheus.GaugeOpts{Name: "recruitment_events_inflight", Help: "Worker events currently leased"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			RateLimitRejects,
			EventsProcessed,
			EventsFailed,
			EventsDeadLetter,
			EventsDropped,
			RecruitsRequested,
			RecruitsGranted,
			AllocatorShortfall,
			BonusesPaid,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
