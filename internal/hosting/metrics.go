package hosting

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus instruments for the hosting loops. A single
// process-wide instance is used because promauto registers against the default
// registry.
type Metrics struct {
	deploysTotal      *prometheus.CounterVec
	deployDuration    prometheus.Histogram
	healthChecksTotal *prometheus.CounterVec
	remediationsTotal *prometheus.CounterVec
	usageRecordsTotal prometheus.Counter
	billedUSDTotal    prometheus.Counter
	errorsTotal       *prometheus.CounterVec

	runningInstances prometheus.Gauge
	instancesByState *prometheus.GaugeVec
	fleetHourlyCost  prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metrics     *Metrics
)

func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		metrics = &Metrics{
			deploysTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "hostd_deploys_total",
				Help: "Deploy attempts by outcome.",
			}, []string{"outcome"}),
			deployDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "hostd_deploy_duration_seconds",
				Help:    "Wall-clock duration of successful deploys.",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
			}),
			healthChecksTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "hostd_health_checks_total",
				Help: "Health check probes by result.",
			}, []string{"result"}),
			remediationsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "hostd_remediations_total",
				Help: "Remediation actions by kind.",
			}, []string{"action"}),
			usageRecordsTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostd_usage_records_total",
				Help: "Usage records written.",
			}),
			billedUSDTotal: promauto.NewCounter(prometheus.CounterOpts{
				Name: "hostd_billed_usd_total",
				Help: "Total USD billed across all instances.",
			}),
			errorsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "hostd_errors_total",
				Help: "Internal errors by component and kind.",
			}, []string{"component", "kind"}),
			runningInstances: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "hostd_running_instances",
				Help: "Instances currently in the running state.",
			}),
			instancesByState: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "hostd_instances_by_health",
				Help: "Running instances by health state.",
			}, []string{"health"}),
			fleetHourlyCost: promauto.NewGauge(prometheus.GaugeOpts{
				Name: "hostd_fleet_hourly_cost_usd",
				Help: "Summed billed cost per hour of all running instances.",
			}),
		}
	})

	return metrics
}

func (m *Metrics) RecordDeploy(outcome string) {
	m.deploysTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordDeployDuration(seconds float64) {
	m.deployDuration.Observe(seconds)
}

func (m *Metrics) RecordHealthCheck(result string) {
	m.healthChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordRemediation(action string) {
	m.remediationsTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) RecordUsageRecord(totalUSD float64) {
	m.usageRecordsTotal.Inc()
	m.billedUSDTotal.Add(totalUSD)
}

func (m *Metrics) RecordError(component, kind string) {
	m.errorsTotal.WithLabelValues(component, kind).Inc()
}

// SetFleetGauges refreshes the point-in-time fleet gauges from a summary.
func (m *Metrics) SetFleetGauges(summary FleetSummary) {
	m.runningInstances.Set(float64(summary.Running))
	m.instancesByState.WithLabelValues(string(HealthHealthy)).Set(float64(summary.Healthy))
	m.instancesByState.WithLabelValues(string(HealthUnhealthy)).Set(float64(summary.Unhealthy))
	m.instancesByState.WithLabelValues(string(HealthUnknown)).Set(float64(summary.Unknown))
	m.fleetHourlyCost.Set(summary.HourlyCostUSD)
}
