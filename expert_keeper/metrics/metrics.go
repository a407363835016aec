// Package metrics exports the rebalancer's counters and gauges to prometheus.
package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "expert_keeper"

const (
	ResultApplied = "applied"
	ResultFailed  = "failed"
	ResultAborted = "aborted"
	ResultSkipped = "skipped"
	KindBaseline  = "baseline"
	KindBalanced  = "balanced"
)

type Metrics struct {
	LayerImbalance  *prometheus.GaugeVec
	RebalanceCycles *prometheus.CounterVec
	MigratedExperts prometheus.Counter
	GatherFailures  prometheus.Counter
	PlanErrors      *prometheus.CounterVec
	UpdatorState    *prometheus.GaugeVec
	PlanDuration    prometheus.Histogram
}

func New() *Metrics {
	return &Metrics{
		LayerImbalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "layer_imbalance_ratio",
			Help:      "Max device load over average device load of a moe layer.",
		}, []string{"layer", "kind"}),
		RebalanceCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalance_cycles_total",
			Help:      "Rebalance cycles by result.",
		}, []string{"result"}),
		MigratedExperts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "migrated_experts_total",
			Help:      "Expert copies received by this rank.",
		}),
		GatherFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gather_failures_total",
			Help:      "Workload gathers that failed and skipped a cycle.",
		}),
		PlanErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plan_errors_total",
			Help:      "Planning errors by error kind.",
		}, []string{"kind"}),
		UpdatorState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "updator_state",
			Help:      "Current state of the update orchestrator, 1 for the active state.",
		}, []string{"rank", "state"}),
		PlanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_duration_seconds",
			Help:      "Time the worker spent on one placement and migration plan.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LayerImbalance,
		m.RebalanceCycles,
		m.MigratedExperts,
		m.GatherFailures,
		m.PlanErrors,
		m.UpdatorState,
		m.PlanDuration,
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) SetImbalance(layer int, baseline, balanced float64) {
	l := strconv.Itoa(layer)
	m.LayerImbalance.WithLabelValues(l, KindBaseline).Set(baseline)
	m.LayerImbalance.WithLabelValues(l, KindBalanced).Set(balanced)
}

// SetState marks state active among states for rank.
func (m *Metrics) SetState(rank int, state string, states []string) {
	r := strconv.Itoa(rank)
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		m.UpdatorState.WithLabelValues(r, s).Set(v)
	}
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// Default returns the process wide metrics registered on the default
// prometheus registry.
func Default() *Metrics {
	defaultOnce.Do(func() {
		defaultMetrics = New()
		if err := defaultMetrics.Register(prometheus.DefaultRegisterer); err != nil {
			panic(err)
		}
	})
	return defaultMetrics
}
