package comm

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cryoctl",
			Subsystem: "comm",
			Name:      "commands_total",
			Help:      "Command exchanges with an instrument, by result.",
		},
		[]string{"instrument", "result"},
	)

	exchangeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cryoctl",
			Subsystem: "comm",
			Name:      "exchange_seconds",
			Help:      "Time spent on a single write and read with an instrument.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"instrument"},
	)
)

func init() {
	prometheus.MustRegister(commandsTotal, exchangeSeconds)
}

func observe(name string, start time.Time, err error) {
	exchangeSeconds.WithLabelValues(name).Observe(time.Since(start).Seconds())
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrTransportTimeout):
		result = "timeout"
	default:
		result = "error"
	}
	commandsTotal.WithLabelValues(name, result).Inc()
}
