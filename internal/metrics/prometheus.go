package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	onlineGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_stream_clients",
		Help: "Number of connected outbox event watchers",
	})
	pushCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_stream_push_total",
		Help: "Total number of outbox events pushed to watchers",
	})
	dropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_stream_drop_total",
		Help: "Events dropped because a watcher or the hub queue was full",
	})

	entryCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_outbox_entries_total",
		Help: "Outbox entry transitions by feature, outcome and trigger",
	}, []string{"feature", "outcome", "trigger"})
	submitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fieldsync_outbox_submit_seconds",
		Help:    "Latency of remote submit calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"feature"})
	tickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fieldsync_outbox_tick_seconds",
		Help:    "Duration of scheduler passes over due entries",
		Buckets: prometheus.DefBuckets,
	})
	tickSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fieldsync_outbox_tick_skipped_total",
		Help: "Scheduler ticks skipped because the previous pass was still running",
	})
	depthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fieldsync_outbox_depth",
		Help: "Outstanding outbox entries per feature",
	}, []string{"feature"})
)

type prometheusHubObserver struct{}

func NewPrometheusObserver() HubObserver {
	return prometheusHubObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (prometheusHubObserver) IncOnline()  { onlineGauge.Inc() }
func (prometheusHubObserver) DecOnline()  { onlineGauge.Dec() }
func (prometheusHubObserver) RecordPush() { pushCounter.Inc() }
func (prometheusHubObserver) RecordDrop() { dropCounter.Inc() }

type prometheusOutboxObserver struct {
	mu    sync.Mutex
	known map[string]struct{}
}

func NewOutboxObserver() OutboxObserver {
	return &prometheusOutboxObserver{known: make(map[string]struct{})}
}

func (p *prometheusOutboxObserver) RecordEnqueued(feature string) {
	entryCounter.WithLabelValues(feature, "enqueued", "caller").Inc()
}

func (p *prometheusOutboxObserver) RecordRejected(feature string) {
	entryCounter.WithLabelValues(feature, "rejected", "caller").Inc()
}

func (p *prometheusOutboxObserver) RecordDelivered(feature, trigger string) {
	entryCounter.WithLabelValues(feature, "delivered", trigger).Inc()
}

func (p *prometheusOutboxObserver) RecordRescheduled(feature, trigger string) {
	entryCounter.WithLabelValues(feature, "rescheduled", trigger).Inc()
}

func (p *prometheusOutboxObserver) RecordDiscarded(feature string) {
	entryCounter.WithLabelValues(feature, "discarded", "manual").Inc()
}

func (p *prometheusOutboxObserver) RecordDeadLettered(feature string) {
	entryCounter.WithLabelValues(feature, "dead_lettered", "scheduler").Inc()
}

func (p *prometheusOutboxObserver) ObserveSubmitLatency(feature string, seconds float64) {
	submitLatency.WithLabelValues(feature).Observe(seconds)
}

func (p *prometheusOutboxObserver) ObserveTickDuration(seconds float64) {
	tickDuration.Observe(seconds)
}

func (p *prometheusOutboxObserver) RecordTickSkipped() {
	tickSkipped.Inc()
}

// SetDepth publishes per-feature depth; features that drained are reset to 0.
func (p *prometheusOutboxObserver) SetDepth(depth map[string]int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for feature := range p.known {
		if _, ok := depth[feature]; !ok {
			depthGauge.WithLabelValues(feature).Set(0)
		}
	}
	for feature, n := range depth {
		p.known[feature] = struct{}{}
		depthGauge.WithLabelValues(feature).Set(float64(n))
	}
}
