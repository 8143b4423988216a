package livecache

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// MetricSet bundles the client's Prometheus collectors.
type MetricSet struct {
	Hit          *prometheus.CounterVec
	Latency      *prometheus.HistogramVec
	Error        *prometheus.CounterVec
	Invalidation *prometheus.CounterVec
}

var (
	hitLabels        = []string{"hit"}
	hitLabelMemory   = "mem"
	hitLabelStore    = "store"
	hitLabelNetwork  = "net"
	hitLabelCoalesce = "coalesced"

	// The unit is ms.
	latencyBucket = []float64{
		1, 4, 8, 16, 32, 64, 128, 256, 512, 1024, 2048, 4096}

	errLabels         = []string{"when"}
	errLabelStore     = "store"
	errLabelBroadcast = "broadcast"
	errLabelSocket    = "socket"

	invalidationLabels     = []string{"kind"}
	invalidationKindFull   = "full_sync"
	invalidationKindDelta  = "delta"
	invalidationKindPurge  = "purge_all"
	invalidationKindBucket = "bucket"
)

func newMetricSet(appName string) *MetricSet {
	return &MetricSet{
		Hit: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_livecache_hit_total", appName),
				Help: "how many hits of the read levels: {mem, store, net, coalesced}.",
			}, hitLabels),
		Latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    fmt.Sprintf("%s_livecache_latency_ms", appName),
				Help:    "Read latency in ms by level",
				Buckets: latencyBucket,
			}, hitLabels),
		Error: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_livecache_error_total", appName),
				Help: "how many internal errors happened",
			}, errLabels),
		Invalidation: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_livecache_invalidation_total", appName),
				Help: "invalidations applied, by kind",
			}, invalidationLabels),
	}
}

// register adds all collectors to the default registry. Registration errors
// are logged, not fatal: a second client in one process keeps working without
// stats rather than failing construction.
func (m *MetricSet) register() {
	for _, c := range m.collectors() {
		if err := prometheus.Register(c); err != nil {
			log.Err(err).Msgf("failed to register prometheus collector")
		}
	}
}

func (m *MetricSet) unregister() {
	for _, c := range m.collectors() {
		prometheus.Unregister(c)
	}
}

func (m *MetricSet) collectors() []prometheus.Collector {
	return []prometheus.Collector{m.Hit, m.Latency, m.Error, m.Invalidation}
}

func (m *MetricSet) recordLatency(label string, startedAtMs int64) {
	if m == nil {
		return
	}
	m.Latency.WithLabelValues(label).Observe(float64(getNow().UnixMilli() - startedAtMs))
}

func (m *MetricSet) hit(label string) {
	if m == nil {
		return
	}
	m.Hit.WithLabelValues(label).Inc()
}

func (m *MetricSet) errorAt(label string) {
	if m == nil {
		return
	}
	m.Error.WithLabelValues(label).Inc()
}

func (m *MetricSet) invalidated(kind string) {
	if m == nil {
		return
	}
	m.Invalidation.WithLabelValues(kind).Inc()
}
