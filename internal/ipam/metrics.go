package ipam

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	writeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ipamd_write_duration_seconds",
			Help:    "Duration of hierarchy write transactions in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"operation", "status"},
	)

	relinksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ipamd_hierarchy_relinks_total",
			Help: "Parent pointers rewritten by the hierarchy resolver",
		},
		[]string{"kind"},
	)

	consistencyWarningsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ipamd_consistency_warnings_total",
			Help: "Ambiguous parent resolutions that need manual review",
		},
	)
)

func init() {
	prometheus.MustRegister(writeDuration, relinksTotal, consistencyWarningsTotal)
}

// Collectors returns the IPAM collectors, e.g. for a private registry.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{writeDuration, relinksTotal, consistencyWarningsTotal}
}

func observeWrite(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	writeDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func countRelinks(kind string, n int) {
	if n > 0 {
		relinksTotal.WithLabelValues(kind).Add(float64(n))
	}
}
