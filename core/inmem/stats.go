package inmem

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultOK    = "ok"
	resultError = "error"
)

var (
	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "chproxy",
		Name:      "inflight_flushes",
		Help:      "Number of INSERT requests to ClickHouse in progress.",
	})

	flushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chproxy",
		Name:      "flushes_total",
		Help:      "Batches sent to ClickHouse by trigger and result.",
	}, []string{"trigger", "result"})

	flushedRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chproxy",
		Name:      "flushed_rows_total",
		Help:      "Rows successfully persisted to ClickHouse.",
	})

	flushDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "chproxy",
		Name:      "flush_duration_seconds",
		Help:      "Time spent sending a single batch.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
	})
)

// RegisterStore exposes buffer size of s as gauges.
func RegisterStore(reg prometheus.Registerer, s *Store) error {
	batches := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chproxy",
		Name:      "buffered_batches",
		Help:      "Batches waiting to be flushed.",
	}, func() float64 { return float64(s.Len()) })

	rows := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "chproxy",
		Name:      "buffered_rows",
		Help:      "Rows waiting to be flushed.",
	}, func() float64 { return float64(s.Rows()) })

	if err := reg.Register(batches); err != nil {
		return err
	}
	return reg.Register(rows)
}
