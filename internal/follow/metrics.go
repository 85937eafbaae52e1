package follow

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dreamware/shardfollow/internal/lease"
)

// Metrics are the follow task collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	LeaseRenewals     *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	OperationsApplied *prometheus.CounterVec
	FatalFailures     *prometheus.CounterVec
	GlobalCheckpoint  *prometheus.GaugeVec
	ActiveTasks       prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg (the default
// registerer when nil). Collectors that are already registered are reused.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		LeaseRenewals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_retention_lease_renewals_total",
			Help: "Retention lease renewal ticks by outcome.",
		}, []string{"outcome"}),
		Reconciliations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_metadata_reconciliations_total",
			Help: "Follower metadata reconciliation passes by kind and result.",
		}, []string{"kind", "result"}),
		OperationsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_operations_applied_total",
			Help: "Operations written to follower shards.",
		}, []string{"follower_index"}),
		FatalFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ccr_fatal_failures_total",
			Help: "Follow tasks that stopped on a fatal error, by error kind.",
		}, []string{"kind"}),
		GlobalCheckpoint: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ccr_follower_global_checkpoint",
			Help: "Follower shard global checkpoint.",
		}, []string{"follower_shard"}),
		ActiveTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ccr_active_follow_tasks",
			Help: "Follow tasks currently running on this node.",
		}),
	}

	var err error
	if m.LeaseRenewals, err = register(reg, m.LeaseRenewals); err != nil {
		return nil, err
	}
	if m.Reconciliations, err = register(reg, m.Reconciliations); err != nil {
		return nil, err
	}
	if m.OperationsApplied, err = register(reg, m.OperationsApplied); err != nil {
		return nil, err
	}
	if m.FatalFailures, err = register(reg, m.FatalFailures); err != nil {
		return nil, err
	}
	if m.GlobalCheckpoint, err = register(reg, m.GlobalCheckpoint); err != nil {
		return nil, err
	}
	if m.ActiveTasks, err = register(reg, m.ActiveTasks); err != nil {
		return nil, err
	}
	return m, nil
}

// register returns c, or the collector already registered under the same
// descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}
	return c, fmt.Errorf("register follow metrics: %w", err)
}

func (m *Metrics) leaseOutcome(o lease.Outcome) {
	if m == nil {
		return
	}
	m.LeaseRenewals.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) reconciled(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Reconciliations.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) applied(index string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.OperationsApplied.WithLabelValues(index).Add(float64(n))
}

func (m *Metrics) fatal(kind string) {
	if m == nil {
		return
	}
	m.FatalFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) checkpoint(shard string, v int64) {
	if m == nil {
		return
	}
	m.GlobalCheckpoint.WithLabelValues(shard).Set(float64(v))
}

func (m *Metrics) taskStarted() {
	if m != nil {
		m.ActiveTasks.Inc()
	}
}

func (m *Metrics) taskStopped() {
	if m != nil {
		m.ActiveTasks.Dec()
	}
}
