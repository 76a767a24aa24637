package poller

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryoctl",
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Completed poll cycles.",
		},
		[]string{"instrument"},
	)

	readFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryoctl",
			Subsystem: "poller",
			Name:      "read_failures_total",
			Help:      "Channel reads that failed and were published stale or invalid.",
		},
		[]string{"instrument", "channel"},
	)

	setsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryoctl",
			Subsystem: "poller",
			Name:      "sets_total",
			Help:      "Set requests applied to an instrument, by result.",
		},
		[]string{"instrument", "result"},
	)

	channelValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "cryoctl",
			Subsystem: "poller",
			Name:      "value",
			Help:      "Latest valid value of a channel.",
		},
		[]string{"instrument", "channel"},
	)
)

func init() {
	prometheus.MustRegister(cyclesTotal, readFailures, setsTotal, channelValue)
}

func record(s Snapshot) {
	cyclesTotal.WithLabelValues(s.instrument).Inc()
	for _, f := range s.fields {
		if f.Valid {
			channelValue.WithLabelValues(s.instrument, f.Name).Set(f.Value)
		}
		if f.Err != "" {
			readFailures.WithLabelValues(s.instrument, f.Name).Inc()
		}
	}
}
