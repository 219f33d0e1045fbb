package watch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for the files counter.
const (
	OutcomeIngested = "ingested"
	OutcomeFailed   = "failed"
)

// Metrics holds the watcher collectors. A nil *Metrics records nothing.
type Metrics struct {
	files          *prometheus.CounterVec
	rows           prometheus.Counter
	activeWatchers prometheus.Gauge
	cycleDuration  prometheus.Histogram
}

// NewMetrics creates the watcher collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		files: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "scanfeed",
				Name:      "files_total",
				Help:      "Files handled by folder watchers, by outcome.",
			},
			[]string{"outcome"},
		),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "scanfeed",
			Name:      "rows_ingested_total",
			Help:      "Rows committed to destination tables by folder watchers.",
		}),
		activeWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "scanfeed",
			Name:      "active_watchers",
			Help:      "Folder watchers currently running.",
		}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "scanfeed",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of a watcher poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{m.files, m.rows, m.activeWatchers, m.cycleDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) fileDone(outcome string, rows int64) {
	if m == nil {
		return
	}
	m.files.WithLabelValues(outcome).Inc()
	if rows > 0 {
		m.rows.Add(float64(rows))
	}
}

func (m *Metrics) cycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) watcherStarted() {
	if m != nil {
		m.activeWatchers.Inc()
	}
}

func (m *Metrics) watcherStopped() {
	if m != nil {
		m.activeWatchers.Dec()
	}
}
