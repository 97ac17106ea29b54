package processor

import (
	"github.com/prometheus/client_golang/prometheus"

	"postdeck/pkg/monitoring"
)

// Metrics are the processor's prometheus instruments, registered against
// the service collector.
type Metrics struct {
	PublishesTotal  *prometheus.CounterVec
	PublishDuration *prometheus.HistogramVec
	DeferralsTotal  *prometheus.CounterVec
	QueueDepth      *prometheus.GaugeVec
	RetriesReset    prometheus.Counter
}

func NewMetrics(mc *monitoring.MetricsCollector) *Metrics {
	retriesReset := mc.NewCounter("retries_reset_total",
		"Failed posts returned to pending by the retry pass", []string{"pass"})
	return &Metrics{
		PublishesTotal: mc.NewCounter("publishes_total",
			"Publish attempts by platform and result", []string{"platform", "result"}),
		PublishDuration: mc.NewHistogram("publish_duration_seconds",
			"End to end publish attempt duration", []string{"platform"},
			[]float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120}),
		DeferralsTotal: mc.NewCounter("rate_limit_deferrals_total",
			"Publishes deferred by an exhausted rate window", []string{"platform"}),
		QueueDepth: mc.NewGauge("scheduled_posts",
			"Scheduled posts by status", []string{"status"}),
		RetriesReset: retriesReset.WithLabelValues("retry"),
	}
}
