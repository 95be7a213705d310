// Package metrics exposes the engine's Prometheus instrumentation. One
// Metrics value implements both the executor's Telemetry and the rule
// evaluator's Observer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/triflow/triflow/pkg/schema"
)

// Metrics holds every collector the engine reports into.
type Metrics struct {
	registry *prometheus.Registry

	instancesTotal   *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	judgmentsTotal   *prometheus.CounterVec
	judgmentLatency  *prometheus.HistogramVec
	canaryLane       *prometheus.CounterVec
	deploymentsTotal *prometheus.CounterVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		instancesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triflow",
				Subsystem: "engine",
				Name:      "instances_total",
				Help:      "Workflow instances by terminal status.",
			},
			[]string{"workflow_id", "status"},
		),
		nodeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "triflow",
				Subsystem: "engine",
				Name:      "node_duration_seconds",
				Help:      "Node execution duration by node type and outcome.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"node_type", "status"},
		),
		judgmentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triflow",
				Subsystem: "rules",
				Name:      "judgments_total",
				Help:      "Rule judgments by ruleset, result and method.",
			},
			[]string{"ruleset_id", "result", "method"},
		),
		judgmentLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "triflow",
				Subsystem: "rules",
				Name:      "judgment_latency_seconds",
				Help:      "Rule evaluation latency by ruleset.",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
			},
			[]string{"ruleset_id"},
		),
		canaryLane: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triflow",
				Subsystem: "deploy",
				Name:      "canary_lane_total",
				Help:      "Judgments served per routing lane (active or canary).",
			},
			[]string{"ruleset_id", "lane"},
		),
		deploymentsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "triflow",
				Subsystem: "deploy",
				Name:      "operations_total",
				Help:      "Deployment operations by ruleset and kind.",
			},
			[]string{"ruleset_id", "operation"},
		),
	}

	registry.MustRegister(
		m.instancesTotal,
		m.nodeDuration,
		m.judgmentsTotal,
		m.judgmentLatency,
		m.canaryLane,
		m.deploymentsTotal,
	)
	return m
}

// Registry returns the registry to expose on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// InstanceFinished implements the executor's Telemetry.
func (m *Metrics) InstanceFinished(workflowID string, status schema.InstanceStatus, _ time.Duration) {
	m.instancesTotal.WithLabelValues(workflowID, string(status)).Inc()
}

// NodeExecuted implements the executor's Telemetry.
func (m *Metrics) NodeExecuted(nodeType schema.NodeType, status schema.NodeStatus, duration time.Duration) {
	m.nodeDuration.WithLabelValues(string(nodeType), string(status)).Observe(duration.Seconds())
}

// ObserveJudgment implements the rule evaluator's Observer.
func (m *Metrics) ObserveJudgment(rulesetID string, method schema.JudgmentMethod, result schema.JudgmentResult, latency time.Duration) {
	m.judgmentsTotal.WithLabelValues(rulesetID, string(result), string(method)).Inc()
	m.judgmentLatency.WithLabelValues(rulesetID).Observe(latency.Seconds())
}

// ObserveLane counts which routing lane served a judgment.
func (m *Metrics) ObserveLane(rulesetID string, canary bool) {
	lane := "active"
	if canary {
		lane = "canary"
	}
	m.canaryLane.WithLabelValues(rulesetID, lane).Inc()
}

// ObserveDeployment counts deployment manager operations.
func (m *Metrics) ObserveDeployment(rulesetID, operation string) {
	m.deploymentsTotal.WithLabelValues(rulesetID, operation).Inc()
}
