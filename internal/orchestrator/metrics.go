package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricNamespace = "bambridge"

type metricCollector struct {
	processedEvents     prometheus.Counter
	builtSuites         prometheus.Counter
	reconcilePasses     prometheus.Counter
	cascadedCancels     prometheus.Counter
	supersessions       prometheus.Counter
	watchdogForced      prometheus.Counter
	ignoredStates       prometheus.Counter
	retryRejections     prometheus.Counter
	unfinishedSuitesCnt prometheus.Gauge
}

var metrics = newMetricCollector()

func newMetricCollector() *metricCollector {
	return &metricCollector{
		processedEvents: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "processed_events_total",
			Help:      "count of processed provider events",
		}),
		builtSuites: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "built_check_suites_total",
			Help:      "count of check suites created by the execution builder",
		}),
		reconcilePasses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "reconcile_passes_total",
			Help:      "count of reconciliation passes",
		}),
		cascadedCancels: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "cascaded_cancellations_total",
			Help:      "count of stages cancelled because a mandatory stage failed",
		}),
		supersessions: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "superseded_check_suites_total",
			Help:      "count of check suites cancelled by a successor",
		}),
		watchdogForced: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "watchdog_force_finishes_total",
			Help:      "count of check suites force-finished by the watchdog",
		}),
		ignoredStates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "reconciler_ignored_states_total",
			Help:      "count of backend job states without a local status mapping",
		}),
		retryRejections: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: metricNamespace,
			Name:      "retry_rejections_total",
			Help:      "count of rejected manual retry and re-run requests",
		}),
		unfinishedSuitesCnt: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: metricNamespace,
			Name:      "unfinished_check_suites",
			Help:      "count of check suites seen unfinished by the last poll sweep",
		}),
	}
}
