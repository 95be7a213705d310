package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/triflow/triflow/pkg/schema"
)

// MemStore is an in-memory Store used by tests and ephemeral runs.
// All methods are safe for concurrent use.
type MemStore struct {
	mu sync.RWMutex

	workflows    map[string]*Workflow
	instances    map[string]*Instance
	events       map[string][]*Event // keyed by instance ID, sequence order
	nextEventID  int64
	traces       map[string]map[string]*NodeTrace // instance -> node
	rulesets     map[string]*Ruleset
	versions     map[string][]*RuleVersion // keyed by ruleset ID, ascending
	deployments  []*RuleDeployment
	nextDepSeq   int64
	judgments    []*JudgmentExecution
	approvals    map[string]*ApprovalRequest
	secrets      map[string][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		workflows: make(map[string]*Workflow),
		instances: make(map[string]*Instance),
		events:    make(map[string][]*Event),
		traces:    make(map[string]map[string]*NodeTrace),
		rulesets:  make(map[string]*Ruleset),
		versions:  make(map[string][]*RuleVersion),
		approvals: make(map[string]*ApprovalRequest),
		secrets:   make(map[string][]byte),
	}
}

func (s *MemStore) Migrate(ctx context.Context) error { return nil }
func (s *MemStore) Vacuum(ctx context.Context) error  { return nil }
func (s *MemStore) Close() error                      { return nil }

// --- Workflow definitions ---

func (s *MemStore) PutWorkflow(ctx context.Context, wf *Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *wf
	if cp.Digest == "" {
		cp.Digest = cp.Definition.Digest()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *MemStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (s *MemStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Workflow
	for _, wf := range s.workflows {
		if filter.Active != nil && wf.Active != *filter.Active {
			continue
		}
		if filter.TenantID != "" && wf.TenantID != filter.TenantID {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[id]; !ok {
		return storeNotFound("workflow", id)
	}
	delete(s.workflows, id)
	return nil
}

// --- Instances ---

func (s *MemStore) CreateInstance(ctx context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *inst
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = time.Now().UTC()
	cp.Context = copyMap(inst.Context)
	s.instances[inst.ID] = &cp
	return nil
}

func (s *MemStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instances[id]
	if !ok {
		return nil, storeNotFound("instance", id)
	}
	cp := *inst
	cp.Context = copyMap(inst.Context)
	return &cp, nil
}

func (s *MemStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[id]
	if !ok {
		return storeNotFound("instance", id)
	}
	if update.Status != nil {
		inst.Status = *update.Status
	}
	if update.Context != nil {
		inst.Context = copyMap(update.Context)
	}
	if update.CurrentNode != nil {
		inst.CurrentNode = *update.CurrentNode
	}
	if update.LastError != nil {
		inst.LastError = *update.LastError
	}
	if update.StartedAt != nil {
		t := *update.StartedAt
		inst.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := *update.CompletedAt
		inst.CompletedAt = &t
	}
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Instance
	for _, inst := range s.instances {
		if filter.WorkflowID != "" && inst.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.TenantID != "" && inst.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != nil && inst.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && inst.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *inst
		cp.Context = copyMap(inst.Context)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (s *MemStore) AppendEvent(ctx context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextEventID++
	cp := *event
	cp.ID = s.nextEventID
	cp.Sequence = int64(len(s.events[event.InstanceID])) + 1
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	s.events[event.InstanceID] = append(s.events[event.InstanceID], &cp)
	event.ID = cp.ID
	event.Sequence = cp.Sequence
	return nil
}

func (s *MemStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for _, e := range s.events[instanceID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Event
	for instID, events := range s.events {
		if filter.InstanceID != "" && instID != filter.InstanceID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.NodeID != "" && e.NodeID != filter.NodeID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Node traces ---

func (s *MemStore) UpsertNodeTrace(ctx context.Context, trace *NodeTrace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.traces[trace.InstanceID]
	if m == nil {
		m = make(map[string]*NodeTrace)
		s.traces[trace.InstanceID] = m
	}
	cp := *trace
	m[trace.NodeID] = &cp
	return nil
}

func (s *MemStore) GetNodeTrace(ctx context.Context, instanceID, nodeID string) (*NodeTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	nt, ok := s.traces[instanceID][nodeID]
	if !ok {
		return nil, storeNotFound("node_trace", instanceID+"/"+nodeID)
	}
	cp := *nt
	return &cp, nil
}

func (s *MemStore) ListNodeTraces(ctx context.Context, instanceID string) ([]*NodeTrace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*NodeTrace
	for _, nt := range s.traces[instanceID] {
		cp := *nt
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out, nil
}

// --- Rulesets and versions ---

func (s *MemStore) CreateRuleset(ctx context.Context, rs *Ruleset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rs
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.rulesets[rs.ID] = &cp
	return nil
}

func (s *MemStore) GetRuleset(ctx context.Context, id string) (*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rs, ok := s.rulesets[id]
	if !ok {
		return nil, storeNotFound("ruleset", id)
	}
	cp := *rs
	return &cp, nil
}

func (s *MemStore) ListRulesets(ctx context.Context, tenantID string) ([]*Ruleset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Ruleset
	for _, rs := range s.rulesets {
		if tenantID != "" && rs.TenantID != tenantID {
			continue
		}
		cp := *rs
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemStore) CreateRuleVersion(ctx context.Context, rv *RuleVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.versions[rv.RulesetID] {
		if v.Version == rv.Version {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"rule version %d already exists for ruleset %s", rv.Version, rv.RulesetID)
		}
	}
	cp := *rv
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.versions[rv.RulesetID] = append(s.versions[rv.RulesetID], &cp)
	sort.Slice(s.versions[rv.RulesetID], func(i, j int) bool {
		return s.versions[rv.RulesetID][i].Version < s.versions[rv.RulesetID][j].Version
	})
	return nil
}

func (s *MemStore) GetRuleVersion(ctx context.Context, rulesetID string, version int) (*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rv := range s.versions[rulesetID] {
		if rv.Version == version {
			cp := *rv
			return &cp, nil
		}
	}
	return nil, storeNotFound("rule_version", rulesetID)
}

func (s *MemStore) LatestRuleVersion(ctx context.Context, rulesetID string) (*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := s.versions[rulesetID]
	if len(versions) == 0 {
		return nil, storeNotFound("rule_version", rulesetID)
	}
	cp := *versions[len(versions)-1]
	return &cp, nil
}

func (s *MemStore) ListRuleVersions(ctx context.Context, rulesetID string) ([]*RuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RuleVersion
	for _, rv := range s.versions[rulesetID] {
		cp := *rv
		out = append(out, &cp)
	}
	return out, nil
}

// --- Deployment history ---

func (s *MemStore) AppendDeployment(ctx context.Context, dep *RuleDeployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextDepSeq++
	cp := *dep
	cp.Seq = s.nextDepSeq
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.deployments = append(s.deployments, &cp)
	dep.Seq = cp.Seq
	return nil
}

func (s *MemStore) ListDeployments(ctx context.Context, rulesetID string) ([]*RuleDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*RuleDeployment
	for _, d := range s.deployments {
		if d.RulesetID != rulesetID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemStore) ListAllDeployments(ctx context.Context) ([]*RuleDeployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*RuleDeployment, 0, len(s.deployments))
	for _, d := range s.deployments {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

// --- Judgments ---

func (s *MemStore) RecordJudgment(ctx context.Context, je *JudgmentExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *je
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.judgments = append(s.judgments, &cp)
	return nil
}

func (s *MemStore) ListJudgments(ctx context.Context, filter JudgmentFilter) ([]*JudgmentExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*JudgmentExecution
	for _, je := range s.judgments {
		if filter.RulesetID != "" && je.RulesetID != filter.RulesetID {
			continue
		}
		if filter.Version != nil && je.Version != *filter.Version {
			continue
		}
		if filter.Since != nil && je.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *je
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Approvals ---

func (s *MemStore) CreateApproval(ctx context.Context, ar *ApprovalRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ar
	if cp.Status == "" {
		cp.Status = ApprovalStatusPending
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.approvals[ar.ID] = &cp
	return nil
}

func (s *MemStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ar, ok := s.approvals[id]
	if !ok {
		return nil, storeNotFound("approval", id)
	}
	cp := *ar
	return &cp, nil
}

func (s *MemStore) ResolveApproval(ctx context.Context, id, status, resolvedBy, comment string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ar, ok := s.approvals[id]
	if !ok || ar.Status != ApprovalStatusPending {
		return storeNotFound("approval", id)
	}
	ar.Status = status
	ar.ResolvedBy = resolvedBy
	ar.Comment = comment
	now := time.Now().UTC()
	ar.ResolvedAt = &now
	return nil
}

func (s *MemStore) ListPendingApprovals(ctx context.Context, instanceID string) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*ApprovalRequest
	for _, ar := range s.approvals {
		if ar.Status != ApprovalStatusPending {
			continue
		}
		if instanceID != "" && ar.InstanceID != instanceID {
			continue
		}
		cp := *ar
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

func (s *MemStore) ListExpiredApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	now := time.Now().UTC()
	var out []*ApprovalRequest
	for _, ar := range s.approvals {
		if ar.Status != ApprovalStatusPending || ar.DeadlineAt.After(now) {
			continue
		}
		cp := *ar
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

// --- Secrets ---

func (s *MemStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[key]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	cp := make([]byte, len(v))
	copy(cp, v)
	return cp, nil
}

func (s *MemStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	// JSON round-trip keeps stored state detached from caller mutation.
	raw, err := json.Marshal(m)
	if err != nil {
		out := make(map[string]any, len(m))
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return m
	}
	return out
}

var _ Store = (*MemStore)(nil)
