package deploy

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// Manager owns the deployment lifecycle of rulesets. History is
// append-only; the current serving state is a fold over that history,
// kept as an atomically swapped routing table so the judgment hot path
// never takes the admin lock.
type Manager struct {
	store  store.Store
	logger *slog.Logger

	// adminMu serializes mutations (promote, canary, rollback) so two
	// concurrent admin calls cannot interleave their history records.
	adminMu  sync.Mutex
	snapshot atomic.Pointer[RoutingTable]

	// onChange is invoked after the routing table is rebuilt, letting
	// the evaluator drop stale compiled scripts.
	onChange func(rulesetID string)

	observer Observer
}

// Observer counts deployment lifecycle operations. Implemented by the
// metrics package; a nil Observer is ignored.
type Observer interface {
	ObserveDeployment(rulesetID, operation string)
}

type ManagerOption func(*Manager)

func OnChange(fn func(rulesetID string)) ManagerOption {
	return func(m *Manager) { m.onChange = fn }
}

func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

func NewManager(st store.Store, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{store: st, logger: logger}
	m.snapshot.Store(BuildRoutingTable(nil))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load rebuilds the routing table from the full deployment history.
// Call once at startup; mutations reload incrementally afterwards.
func (m *Manager) Load(ctx context.Context) error {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	return m.reloadLocked(ctx, "")
}

// Route implements the version router used by the rule evaluator.
func (m *Manager) Route(rulesetID, routingKey string) (int, bool, error) {
	return m.snapshot.Load().Route(rulesetID, routingKey)
}

// Status returns the current serving state for a ruleset.
func (m *Manager) Status(rulesetID string) (Route, bool) {
	return m.snapshot.Load().Lookup(rulesetID)
}

// Promote makes a version the active one for 100% of traffic, ending
// any running canary for the ruleset.
func (m *Manager) Promote(ctx context.Context, rulesetID string, version int, approver string) (*store.RuleDeployment, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	if err := m.verifyVersion(ctx, rulesetID, version); err != nil {
		return nil, err
	}
	rec := &store.RuleDeployment{
		ID:        uuid.NewString(),
		RulesetID: rulesetID,
		Version:   version,
		Status:    schema.DeploymentStatusActive,
		Approver:  approver,
	}
	if err := m.append(ctx, rec); err != nil {
		return nil, err
	}
	m.observe(rulesetID, "promote")
	m.logger.InfoContext(ctx, "ruleset version promoted",
		"ruleset_id", rulesetID, "version", version, "approver", approver)
	return rec, nil
}

// StartCanary routes a share of traffic to a version. pct is a fraction
// in (0, 1]; the remainder keeps hitting the active version.
func (m *Manager) StartCanary(ctx context.Context, rulesetID string, version int, pct float64, approver string) (*store.RuleDeployment, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	if pct <= 0 || pct > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeDeployment,
			"canary traffic share must be in (0, 1], got %v", pct)
	}
	if err := m.verifyVersion(ctx, rulesetID, version); err != nil {
		return nil, err
	}
	route, _ := m.snapshot.Load().Lookup(rulesetID)
	if route.ActiveVersion == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeDeployment,
			"ruleset %q needs an active version before a canary can start", rulesetID)
	}
	if route.ActiveVersion == version {
		return nil, schema.NewErrorf(schema.ErrCodeDeployment,
			"version %d is already active for ruleset %q", version, rulesetID)
	}
	rec := &store.RuleDeployment{
		ID:        uuid.NewString(),
		RulesetID: rulesetID,
		Version:   version,
		Status:    schema.DeploymentStatusCanary,
		CanaryPct: pct,
		Approver:  approver,
	}
	if err := m.append(ctx, rec); err != nil {
		return nil, err
	}
	m.observe(rulesetID, "canary_start")
	m.logger.InfoContext(ctx, "canary started",
		"ruleset_id", rulesetID, "version", version, "traffic_pct", pct)
	return rec, nil
}

// SetCanaryTraffic adjusts the traffic share of a running canary by
// appending a fresh canary record for the same version.
func (m *Manager) SetCanaryTraffic(ctx context.Context, rulesetID string, pct float64) (*store.RuleDeployment, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	if pct <= 0 || pct > 1 {
		return nil, schema.NewErrorf(schema.ErrCodeDeployment,
			"canary traffic share must be in (0, 1], got %v", pct)
	}
	route, ok := m.snapshot.Load().Lookup(rulesetID)
	if !ok || !route.HasCanary() {
		return nil, schema.NewErrorf(schema.ErrCodeDeployment,
			"no running canary for ruleset %q", rulesetID)
	}
	rec := &store.RuleDeployment{
		ID:        uuid.NewString(),
		RulesetID: rulesetID,
		Version:   route.CanaryVersion,
		Status:    schema.DeploymentStatusCanary,
		CanaryPct: pct,
	}
	if err := m.append(ctx, rec); err != nil {
		return nil, err
	}
	m.observe(rulesetID, "canary_traffic")
	m.logger.InfoContext(ctx, "canary traffic adjusted",
		"ruleset_id", rulesetID, "version", route.CanaryVersion, "traffic_pct", pct)
	return rec, nil
}

// Rollback re-activates an earlier version, ending any running canary.
// The rolled-back state is itself a history record, never an edit.
func (m *Manager) Rollback(ctx context.Context, rulesetID string, toVersion int, reason string) (*store.RuleDeployment, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	if err := m.verifyVersion(ctx, rulesetID, toVersion); err != nil {
		return nil, err
	}
	rec := &store.RuleDeployment{
		ID:         uuid.NewString(),
		RulesetID:  rulesetID,
		Version:    toVersion,
		Status:     schema.DeploymentStatusRolledBack,
		RollbackTo: toVersion,
		Reason:     reason,
	}
	if err := m.append(ctx, rec); err != nil {
		return nil, err
	}
	m.observe(rulesetID, "rollback")
	m.logger.WarnContext(ctx, "ruleset rolled back",
		"ruleset_id", rulesetID, "to_version", toVersion, "reason", reason)
	return rec, nil
}

// SaveDraft records a version as drafted without affecting routing.
func (m *Manager) SaveDraft(ctx context.Context, rulesetID string, version int, author string) (*store.RuleDeployment, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()

	if err := m.verifyVersion(ctx, rulesetID, version); err != nil {
		return nil, err
	}
	rec := &store.RuleDeployment{
		ID:        uuid.NewString(),
		RulesetID: rulesetID,
		Version:   version,
		Status:    schema.DeploymentStatusDraft,
		Approver:  author,
	}
	if err := m.append(ctx, rec); err != nil {
		return nil, err
	}
	m.observe(rulesetID, "draft")
	return rec, nil
}

func (m *Manager) observe(rulesetID, operation string) {
	if m.observer != nil {
		m.observer.ObserveDeployment(rulesetID, operation)
	}
}

// History returns the full append-only deployment history for a ruleset.
func (m *Manager) History(ctx context.Context, rulesetID string) ([]*store.RuleDeployment, error) {
	return m.store.ListDeployments(ctx, rulesetID)
}

func (m *Manager) verifyVersion(ctx context.Context, rulesetID string, version int) error {
	if version < 1 {
		return schema.NewErrorf(schema.ErrCodeDeployment, "version must be >= 1, got %d", version)
	}
	if _, err := m.store.GetRuleVersion(ctx, rulesetID, version); err != nil {
		return err
	}
	return nil
}

// append persists the record and rebuilds the routing snapshot. Caller
// must hold adminMu.
func (m *Manager) append(ctx context.Context, rec *store.RuleDeployment) error {
	if err := m.store.AppendDeployment(ctx, rec); err != nil {
		return err
	}
	return m.reloadLocked(ctx, rec.RulesetID)
}

func (m *Manager) reloadLocked(ctx context.Context, changedRuleset string) error {
	records, err := m.store.ListAllDeployments(ctx)
	if err != nil {
		return err
	}
	m.snapshot.Store(BuildRoutingTable(records))
	if m.onChange != nil && changedRuleset != "" {
		m.onChange(changedRuleset)
	}
	return nil
}
