package deploy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/triflow/triflow/pkg/schema"
)

// MonitorConfig tunes automatic canary rollback.
type MonitorConfig struct {
	// FailureThreshold is the number of consecutive bad canary outcomes
	// before the canary is rolled back.
	FailureThreshold int
	// Cooldown suppresses re-tripping for the same ruleset after a
	// rollback, giving operators time to react.
	Cooldown time.Duration
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		FailureThreshold: 5,
		Cooldown:         5 * time.Minute,
	}
}

// canaryHealth tracks consecutive failures for one ruleset's canary.
type canaryHealth struct {
	mu                  sync.Mutex
	version             int
	consecutiveFailures int
	trippedAt           time.Time
}

// CanaryMonitor watches judgment outcomes served by canary versions and
// rolls the canary back when it produces a run of critical or fail-safe
// results. A bad ruleset version should never need a human to notice.
type CanaryMonitor struct {
	manager *Manager
	logger  *slog.Logger
	config  MonitorConfig

	mu     sync.Mutex
	health map[string]*canaryHealth
}

func NewCanaryMonitor(manager *Manager, logger *slog.Logger, config MonitorConfig) *CanaryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultMonitorConfig().FailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = DefaultMonitorConfig().Cooldown
	}
	return &CanaryMonitor{
		manager: manager,
		logger:  logger,
		config:  config,
		health:  make(map[string]*canaryHealth),
	}
}

// Observe feeds one judgment outcome into the monitor. Outcomes not
// served by the ruleset's current canary version are ignored. Returns
// true when this observation tripped an automatic rollback.
func (m *CanaryMonitor) Observe(ctx context.Context, rulesetID string, outcome *schema.JudgmentOutcome) bool {
	route, ok := m.manager.Status(rulesetID)
	if !ok || !route.HasCanary() || outcome.Version != route.CanaryVersion {
		return false
	}

	h := m.getOrCreate(rulesetID)
	h.mu.Lock()
	defer h.mu.Unlock()

	// A new canary version resets the window.
	if h.version != route.CanaryVersion {
		h.version = route.CanaryVersion
		h.consecutiveFailures = 0
	}
	if !h.trippedAt.IsZero() && time.Since(h.trippedAt) < m.config.Cooldown {
		return false
	}

	if isHealthy(outcome) {
		h.consecutiveFailures = 0
		return false
	}

	h.consecutiveFailures++
	if h.consecutiveFailures < m.config.FailureThreshold {
		return false
	}

	m.logger.ErrorContext(ctx, "canary health threshold breached, rolling back",
		"ruleset_id", rulesetID,
		"canary_version", route.CanaryVersion,
		"active_version", route.ActiveVersion,
		"consecutive_failures", h.consecutiveFailures)

	if _, err := m.manager.Rollback(ctx, rulesetID, route.ActiveVersion, "canary_health"); err != nil {
		m.logger.ErrorContext(ctx, "automatic canary rollback failed",
			"ruleset_id", rulesetID, "error", err)
		return false
	}
	h.trippedAt = time.Now()
	h.consecutiveFailures = 0
	return true
}

// Failures reports the current consecutive failure count for a ruleset.
func (m *CanaryMonitor) Failures(rulesetID string) int {
	h := m.getOrCreate(rulesetID)
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.consecutiveFailures
}

func isHealthy(outcome *schema.JudgmentOutcome) bool {
	return outcome.Method != schema.JudgmentMethodFailSafe &&
		outcome.Result != schema.JudgmentResultCritical
}

func (m *CanaryMonitor) getOrCreate(rulesetID string) *canaryHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.health[rulesetID]
	if !ok {
		h = &canaryHealth{}
		m.health[rulesetID] = h
	}
	return h
}
