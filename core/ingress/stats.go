package ingress

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "chproxy",
		Name:      "requests_total",
		Help:      "Ingress requests by outcome.",
	}, []string{"status"})

	rowsBufferedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "chproxy",
		Name:      "buffered_rows_total",
		Help:      "Rows accepted into the buffer.",
	})
)

func statusLabel(code int) string {
	return strconv.Itoa(code)
}
