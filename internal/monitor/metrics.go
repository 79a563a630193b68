package monitor

import (
	"strconv"

	"astroguard/internal/types"

	"github.com/prometheus/client_golang/prometheus"
)

var callMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_outbound_call_count",
	Help: "Outbound calls.  Label \"outcome\" = success|failure.",
}, []string{"service", "outcome", "status"})
var durationMetric = prometheus.NewSummaryVec(prometheus.SummaryOpts{
	Name:       "astroguard_outbound_call_duration",
	Help:       "The timings of outbound calls in seconds.",
	Objectives: map[float64]float64{0.5: 0.05, 0.99: 0.001},
}, []string{"service"})
var healthMetric = prometheus.NewGaugeVec(prometheus.GaugeOpts{
	Name: "astroguard_service_health",
	Help: "Derived service health.  0 = healthy, 1 = degraded, 2 = down.",
}, []string{"service"})
var alertMetric = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "astroguard_alert_count",
	Help: "Alerts raised by kind.",
}, []string{"service", "kind"})

func observe(rec types.CallRecord) {
	outcome := "success"
	if !rec.Success {
		outcome = "failure"
	}
	callMetric.WithLabelValues(rec.Service, outcome, strconv.Itoa(rec.StatusCode)).Inc()
	durationMetric.WithLabelValues(rec.Service).Observe(rec.Duration.Seconds())
}

func statusValue(s types.HealthState) float64 {
	switch s {
	case types.Degraded:
		return 1
	case types.Down:
		return 2
	default:
		return 0
	}
}

var _ prometheus.Collector = &Monitor{}

func (m *Monitor) Describe(ch chan<- *prometheus.Desc) {
	callMetric.Describe(ch)
	durationMetric.Describe(ch)
	healthMetric.Describe(ch)
	alertMetric.Describe(ch)
}

func (m *Monitor) Collect(ch chan<- prometheus.Metric) {
	callMetric.Collect(ch)
	durationMetric.Collect(ch)
	healthMetric.Collect(ch)
	alertMetric.Collect(ch)
}
