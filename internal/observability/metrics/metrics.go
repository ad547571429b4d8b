// Package metrics holds the dispatcher's prometheus collectors.
//
// All methods are safe on a nil *Metrics so components can run without
// instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"postpilot/internal/post"
)

const namespace = "postpilot"

type Metrics struct {
	Registry *prometheus.Registry

	cycles          *prometheus.CounterVec
	cycleDuration   prometheus.Histogram
	cyclesSkipped   prometheus.Counter
	duePosts        prometheus.Gauge
	lastCycle       prometheus.Gauge
	posts           *prometheus.CounterVec
	publishes       *prometheus.CounterVec
	publishDuration *prometheus.HistogramVec
	stagedBytes     prometheus.Counter
}

// New registers every collector on a fresh registry together with the
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_total",
			Help:      "Dispatch cycles by outcome.",
		}, []string{"outcome"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_duration_seconds",
			Help:      "Wall time of one dispatch cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		cyclesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_skipped_total",
			Help:      "Triggers dropped because a cycle was still running.",
		}),
		duePosts: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_due_posts",
			Help:      "Posts selected by the last cycle.",
		}),
		lastCycle: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dispatch_last_cycle_timestamp_seconds",
			Help:      "Unix time the last cycle finished.",
		}),
		posts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_processed_total",
			Help:      "Posts processed by resulting status.",
		}, []string{"status"}),
		publishes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "platform_publish_total",
			Help:      "Platform publish attempts by outcome.",
		}, []string{"platform", "outcome"}),
		publishDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "platform_publish_duration_seconds",
			Help:      "Duration of one platform publish attempt including uploads.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform"}),
		stagedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "media_staged_bytes_total",
			Help:      "Bytes fetched into temp files for upload.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.cycles, m.cycleDuration, m.cyclesSkipped, m.duePosts, m.lastCycle,
		m.posts, m.publishes, m.publishDuration, m.stagedBytes,
	)
	return m
}

func (m *Metrics) ObserveCycle(took time.Duration, due int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.cycles.WithLabelValues(outcome).Inc()
	m.cycleDuration.Observe(took.Seconds())
	m.duePosts.Set(float64(due))
	m.lastCycle.SetToCurrentTime()
}

func (m *Metrics) CycleSkipped() {
	if m == nil {
		return
	}
	m.cyclesSkipped.Inc()
}

func (m *Metrics) ObservePost(status post.Status) {
	if m == nil {
		return
	}
	m.posts.WithLabelValues(string(status)).Inc()
}

func (m *Metrics) ObservePublish(r post.Result) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !r.OK() {
		outcome = "error"
	}
	m.publishes.WithLabelValues(string(r.Platform), outcome).Inc()
	m.publishDuration.WithLabelValues(string(r.Platform)).Observe(r.Took.Seconds())
}

func (m *Metrics) AddStagedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.stagedBytes.Add(float64(n))
}
