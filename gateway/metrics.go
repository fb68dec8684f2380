package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the diagnostics sink shared by all dispatchers of a server.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    prometheus.Histogram
	inFlight    prometheus.Gauge
	bodyBytes   prometheus.Counter
}

// NewMetrics registers the gateway collectors with reg. A nil reg creates
// unregistered collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		invocations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cgigate_invocations_total",
				Help: "CGI requests by outcome",
			},
			[]string{"outcome"},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cgigate_invocation_seconds",
				Help:    "Wall time of CGI child processes",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		inFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cgigate_invocations_in_flight",
				Help: "CGI child processes currently running",
			},
		),
		bodyBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cgigate_request_body_bytes_total",
				Help: "Decoded request body bytes passed to CGI children",
			},
		),
	}
}

func (me *Metrics) observe(o *Outcome) {
	me.invocations.WithLabelValues(o.Kind.String()).Inc()
	if o.Pid != 0 {
		me.duration.Observe(o.Duration.Seconds())
	}
}
