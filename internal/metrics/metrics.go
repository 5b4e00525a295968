package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InstancesByState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "longhouse_instances",
		Help: "Number of instances by observed state.",
	}, []string{"state"})
	ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longhouse_reconcile_passes_total",
		Help: "Total reconcile passes by outcome.",
	}, []string{"outcome"})
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "longhouse_reconcile_duration_seconds",
		Help:    "Duration of single reconcile passes.",
		Buckets: prometheus.DefBuckets,
	})
	RuntimeMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longhouse_runtime_mutations_total",
		Help: "Total container runtime mutations by kind.",
	}, []string{"kind"})
	ProbeResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longhouse_probe_results_total",
		Help: "Total health probe results by outcome.",
	}, []string{"outcome"})
	BillingEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longhouse_billing_events_total",
		Help: "Total billing webhook events by kind.",
	}, []string{"kind"})
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longhouse_reconcile_queue_depth",
		Help: "Number of instances currently marked dirty.",
	})
	DeploymentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longhouse_deployments_total",
		Help: "Total rolling deployments by final status.",
	}, []string{"status"})
)
