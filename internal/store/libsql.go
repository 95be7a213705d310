package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/triflow/triflow/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. event log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow definitions ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	if wf.Digest == "" {
		wf.Digest = wf.Definition.Digest()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, version, tenant_id, definition, dsl_digest, active, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name=excluded.name, version=excluded.version, definition=excluded.definition,
		   dsl_digest=excluded.dsl_digest, active=excluded.active, updated_at=CURRENT_TIMESTAMP`,
		wf.ID, wf.Name, wf.Version, nullStr(wf.TenantID), string(def), wf.Digest,
		boolInt(wf.Active), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var tenantID sql.NullString
	var defJSON string
	var active int
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, version, tenant_id, definition, dsl_digest, active, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Version, &tenantID, &defJSON, &wf.Digest, &active, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.TenantID = tenantID.String
	wf.Active = active != 0
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Active != nil {
		where = append(where, "active = ?")
		args = append(args, boolInt(*filter.Active))
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}

	query := `SELECT id, name, version, tenant_id, definition, dsl_digest, active, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY name"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var tenantID sql.NullString
		var defJSON string
		var active int
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &tenantID, &defJSON, &wf.Digest, &active, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.TenantID = tenantID.String
		wf.Active = active != 0
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	contextJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow_id, workflow_version, tenant_id, status, context, current_node, last_error, created_at, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkflowID, inst.WorkflowVersion, nullStr(inst.TenantID),
		string(inst.Status), string(contextJSON), nullStr(inst.CurrentNode), nullStr(inst.LastError),
		timeOrNow(inst.CreatedAt), nullTime(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	inst := &Instance{}
	var (
		tenantID, currentNode, lastError sql.NullString
		contextJSON, status              string
		startedAt, completedAt           sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, tenant_id, status, context, current_node, last_error, created_at, started_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &tenantID, &status, &contextJSON,
		&currentNode, &lastError, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst.TenantID = tenantID.String
	inst.Status = schema.InstanceStatus(status)
	inst.CurrentNode = currentNode.String
	inst.LastError = lastError.String
	if contextJSON != "" {
		_ = json.Unmarshal([]byte(contextJSON), &inst.Context)
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Context != nil {
		contextJSON, err := marshalMapOrDefault(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(contextJSON))
	}
	if update.CurrentNode != nil {
		sets = append(sets, "current_node = ?")
		args = append(args, nullStr(*update.CurrentNode))
	}
	if update.LastError != nil {
		sets = append(sets, "last_error = ?")
		args = append(args, nullStr(*update.LastError))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE instances SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, filter.TenantID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, workflow_version, tenant_id, status, context, current_node, last_error, created_at, started_at, completed_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst := &Instance{}
		var (
			tenantID, currentNode, lastError sql.NullString
			contextJSON, status              string
			startedAt, completedAt           sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &tenantID, &status, &contextJSON,
			&currentNode, &lastError, &inst.CreatedAt, &startedAt, &completedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.TenantID = tenantID.String
		inst.Status = schema.InstanceStatus(status)
		inst.CurrentNode = currentNode.String
		inst.LastError = lastError.String
		if contextJSON != "" {
			_ = json.Unmarshal([]byte(contextJSON), &inst.Context)
		}
		if startedAt.Valid {
			inst.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Events ---

func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Get next sequence number for this instance
	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload := nullRaw(event.Payload)
	ts := timeOrNow(event.Timestamp)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, node_id, event_type, payload, tenant_id, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.NodeID), event.Type, payload, nullStr(event.TenantID), ts, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node_id, event_type, payload, tenant_id, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence ASC`,
		instanceID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, instance_id, node_id, event_type, payload, tenant_id, timestamp, sequence FROM events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY timestamp DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, tenantID sql.NullString
		var payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &nodeID, &e.Type, &payload, &tenantID, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.TenantID = tenantID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Node traces ---

func (s *LibSQLStore) UpsertNodeTrace(ctx context.Context, trace *NodeTrace) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO node_traces (instance_id, node_id, status, output, error, retry_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(instance_id, node_id) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   retry_count=excluded.retry_count, started_at=excluded.started_at, completed_at=excluded.completed_at,
		   duration_ms=excluded.duration_ms`,
		trace.InstanceID, trace.NodeID, string(trace.Status),
		nullRaw(trace.Output), nullRaw(trace.Error),
		trace.RetryCount, nullTime(trace.StartedAt), nullTime(trace.CompletedAt), trace.DurationMs,
	)
	return err
}

func (s *LibSQLStore) GetNodeTrace(ctx context.Context, instanceID, nodeID string) (*NodeTrace, error) {
	nt := &NodeTrace{}
	var status string
	var output, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, node_id, status, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM node_traces WHERE instance_id = ? AND node_id = ?`, instanceID, nodeID,
	).Scan(&nt.InstanceID, &nt.NodeID, &status, &output, &errJSON,
		&nt.RetryCount, &startedAt, &completedAt, &nt.DurationMs)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("node_trace", instanceID+"/"+nodeID)
	}
	if err != nil {
		return nil, err
	}
	nt.Status = schema.NodeStatus(status)
	nt.Output = rawOrNil(output)
	nt.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		nt.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		nt.CompletedAt = &completedAt.Time
	}
	return nt, nil
}

func (s *LibSQLStore) ListNodeTraces(ctx context.Context, instanceID string) ([]*NodeTrace, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, node_id, status, output, error, retry_count, started_at, completed_at, duration_ms
		 FROM node_traces WHERE instance_id = ?`, instanceID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var traces []*NodeTrace
	for rows.Next() {
		nt := &NodeTrace{}
		var status string
		var output, errJSON sql.NullString
		var startedAt, completedAt sql.NullTime
		if err := rows.Scan(&nt.InstanceID, &nt.NodeID, &status, &output, &errJSON,
			&nt.RetryCount, &startedAt, &completedAt, &nt.DurationMs); err != nil {
			return nil, err
		}
		nt.Status = schema.NodeStatus(status)
		nt.Output = rawOrNil(output)
		nt.Error = rawOrNil(errJSON)
		if startedAt.Valid {
			nt.StartedAt = &startedAt.Time
		}
		if completedAt.Valid {
			nt.CompletedAt = &completedAt.Time
		}
		traces = append(traces, nt)
	}
	return traces, rows.Err()
}

// --- Rulesets and versions ---

func (s *LibSQLStore) CreateRuleset(ctx context.Context, rs *Ruleset) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rulesets (id, name, description, target_kpi, tenant_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rs.ID, rs.Name, nullStr(rs.Description), nullStr(rs.TargetKPI), nullStr(rs.TenantID), timeOrNow(rs.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRuleset(ctx context.Context, id string) (*Ruleset, error) {
	rs := &Ruleset{}
	var desc, kpi, tenantID sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, target_kpi, tenant_id, created_at FROM rulesets WHERE id = ?`, id,
	).Scan(&rs.ID, &rs.Name, &desc, &kpi, &tenantID, &rs.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("ruleset", id)
	}
	if err != nil {
		return nil, err
	}
	rs.Description = desc.String
	rs.TargetKPI = kpi.String
	rs.TenantID = tenantID.String
	return rs, nil
}

func (s *LibSQLStore) ListRulesets(ctx context.Context, tenantID string) ([]*Ruleset, error) {
	query := `SELECT id, name, description, target_kpi, tenant_id, created_at FROM rulesets`
	var args []any
	if tenantID != "" {
		query += " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY name"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rulesets []*Ruleset
	for rows.Next() {
		rs := &Ruleset{}
		var desc, kpi, tenant sql.NullString
		if err := rows.Scan(&rs.ID, &rs.Name, &desc, &kpi, &tenant, &rs.CreatedAt); err != nil {
			return nil, err
		}
		rs.Description = desc.String
		rs.TargetKPI = kpi.String
		rs.TenantID = tenant.String
		rulesets = append(rulesets, rs)
	}
	return rulesets, rows.Err()
}

func (s *LibSQLStore) CreateRuleVersion(ctx context.Context, rv *RuleVersion) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_versions (ruleset_id, version, script, changelog, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rv.RulesetID, rv.Version, string(rv.Script), nullStr(rv.Changelog), nullStr(rv.CreatedBy), timeOrNow(rv.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRuleVersion(ctx context.Context, rulesetID string, version int) (*RuleVersion, error) {
	rv := &RuleVersion{}
	var script string
	var changelog, createdBy sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT ruleset_id, version, script, changelog, created_by, created_at
		 FROM rule_versions WHERE ruleset_id = ? AND version = ?`, rulesetID, version,
	).Scan(&rv.RulesetID, &rv.Version, &script, &changelog, &createdBy, &rv.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("rule_version", fmt.Sprintf("%s/v%d", rulesetID, version))
	}
	if err != nil {
		return nil, err
	}
	rv.Script = json.RawMessage(script)
	rv.Changelog = changelog.String
	rv.CreatedBy = createdBy.String
	return rv, nil
}

func (s *LibSQLStore) LatestRuleVersion(ctx context.Context, rulesetID string) (*RuleVersion, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM rule_versions WHERE ruleset_id = ?`, rulesetID,
	).Scan(&version)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, storeNotFound("rule_version", rulesetID)
	}
	return s.GetRuleVersion(ctx, rulesetID, version)
}

func (s *LibSQLStore) ListRuleVersions(ctx context.Context, rulesetID string) ([]*RuleVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ruleset_id, version, script, changelog, created_by, created_at
		 FROM rule_versions WHERE ruleset_id = ? ORDER BY version ASC`, rulesetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []*RuleVersion
	for rows.Next() {
		rv := &RuleVersion{}
		var script string
		var changelog, createdBy sql.NullString
		if err := rows.Scan(&rv.RulesetID, &rv.Version, &script, &changelog, &createdBy, &rv.CreatedAt); err != nil {
			return nil, err
		}
		rv.Script = json.RawMessage(script)
		rv.Changelog = changelog.String
		rv.CreatedBy = createdBy.String
		versions = append(versions, rv)
	}
	return versions, rows.Err()
}

// --- Deployment history ---

func (s *LibSQLStore) AppendDeployment(ctx context.Context, dep *RuleDeployment) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rule_deployments (id, ruleset_id, version, status, canary_pct, rollback_to, approver, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dep.ID, dep.RulesetID, dep.Version, string(dep.Status), dep.CanaryPct, dep.RollbackTo,
		nullStr(dep.Approver), nullStr(dep.Reason), timeOrNow(dep.CreatedAt),
	)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		dep.Seq = seq
	}
	return nil
}

func (s *LibSQLStore) ListDeployments(ctx context.Context, rulesetID string) ([]*RuleDeployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, ruleset_id, version, status, canary_pct, rollback_to, approver, reason, created_at
		 FROM rule_deployments WHERE ruleset_id = ? ORDER BY seq ASC`, rulesetID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeployments(rows)
}

func (s *LibSQLStore) ListAllDeployments(ctx context.Context) ([]*RuleDeployment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, seq, ruleset_id, version, status, canary_pct, rollback_to, approver, reason, created_at
		 FROM rule_deployments ORDER BY seq ASC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDeployments(rows)
}

func scanDeployments(rows *sql.Rows) ([]*RuleDeployment, error) {
	var deps []*RuleDeployment
	for rows.Next() {
		d := &RuleDeployment{}
		var status string
		var approver, reason sql.NullString
		if err := rows.Scan(&d.ID, &d.Seq, &d.RulesetID, &d.Version, &status, &d.CanaryPct,
			&d.RollbackTo, &approver, &reason, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Status = schema.DeploymentStatus(status)
		d.Approver = approver.String
		d.Reason = reason.String
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// --- Judgments ---

func (s *LibSQLStore) RecordJudgment(ctx context.Context, je *JudgmentExecution) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO judgments (id, ruleset_id, version, instance_id, node_id, inputs_hash, result, confidence, explanation, rule_trace, method_used, cache_hit, latency_ms, trace_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		je.ID, je.RulesetID, je.Version, nullStr(je.InstanceID), nullStr(je.NodeID), je.InputsHash,
		string(je.Result), je.Confidence, nullStr(je.Explanation), nullRaw(je.RuleTrace), string(je.Method),
		boolInt(je.CacheHit), je.LatencyMs, nullStr(je.TraceID), timeOrNow(je.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListJudgments(ctx context.Context, filter JudgmentFilter) ([]*JudgmentExecution, error) {
	var where []string
	var args []any

	if filter.RulesetID != "" {
		where = append(where, "ruleset_id = ?")
		args = append(args, filter.RulesetID)
	}
	if filter.Version != nil {
		where = append(where, "version = ?")
		args = append(args, *filter.Version)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, ruleset_id, version, instance_id, node_id, inputs_hash, result, confidence, explanation, rule_trace, method_used, cache_hit, latency_ms, trace_id, created_at FROM judgments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var judgments []*JudgmentExecution
	for rows.Next() {
		je := &JudgmentExecution{}
		var instanceID, nodeID, explanation, ruleTrace, traceID sql.NullString
		var result, method string
		var cacheHit int
		if err := rows.Scan(&je.ID, &je.RulesetID, &je.Version, &instanceID, &nodeID, &je.InputsHash,
			&result, &je.Confidence, &explanation, &ruleTrace, &method, &cacheHit, &je.LatencyMs,
			&traceID, &je.CreatedAt); err != nil {
			return nil, err
		}
		je.InstanceID = instanceID.String
		je.NodeID = nodeID.String
		je.Result = schema.JudgmentResult(result)
		je.Explanation = explanation.String
		je.Method = schema.JudgmentMethod(method)
		je.RuleTrace = rawOrNil(ruleTrace)
		je.CacheHit = cacheHit != 0
		je.TraceID = traceID.String
		judgments = append(judgments, je)
	}
	return judgments, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ar *ApprovalRequest) error {
	approvers, err := json.Marshal(ar.Approvers)
	if err != nil {
		return fmt.Errorf("marshal approvers: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, instance_id, node_id, approvers, status, deadline_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.InstanceID, ar.NodeID, string(approvers), ar.Status, ar.DeadlineAt, timeOrNow(ar.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*ApprovalRequest, error) {
	ar := &ApprovalRequest{}
	var approvers, resolvedBy, comment sql.NullString
	var resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, instance_id, node_id, approvers, status, deadline_at, resolved_by, comment, resolved_at, created_at
		 FROM approvals WHERE id = ?`, id,
	).Scan(&ar.ID, &ar.InstanceID, &ar.NodeID, &approvers, &ar.Status, &ar.DeadlineAt,
		&resolvedBy, &comment, &resolvedAt, &ar.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	if err != nil {
		return nil, err
	}
	if approvers.Valid && approvers.String != "" {
		_ = json.Unmarshal([]byte(approvers.String), &ar.Approvers)
	}
	ar.ResolvedBy = resolvedBy.String
	ar.Comment = comment.String
	if resolvedAt.Valid {
		ar.ResolvedAt = &resolvedAt.Time
	}
	return ar, nil
}

func (s *LibSQLStore) ResolveApproval(ctx context.Context, id, status, resolvedBy, comment string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, comment = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, nullStr(resolvedBy), nullStr(comment), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", id)
}

func (s *LibSQLStore) ListPendingApprovals(ctx context.Context, instanceID string) ([]*ApprovalRequest, error) {
	query := `SELECT id, instance_id, node_id, approvers, status, deadline_at, resolved_by, comment, resolved_at, created_at
	 FROM approvals WHERE status = 'pending'`
	var args []any
	if instanceID != "" {
		query += " AND instance_id = ?"
		args = append(args, instanceID)
	}
	query += " ORDER BY deadline_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApprovals(rows)
}

func (s *LibSQLStore) ListExpiredApprovals(ctx context.Context) ([]*ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node_id, approvers, status, deadline_at, resolved_by, comment, resolved_at, created_at
		 FROM approvals WHERE status = 'pending' AND deadline_at <= ? ORDER BY deadline_at ASC`,
		time.Now().UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanApprovals(rows)
}

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "secret %q not found", key)
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func scanApprovals(rows *sql.Rows) ([]*ApprovalRequest, error) {
	var approvals []*ApprovalRequest
	for rows.Next() {
		ar := &ApprovalRequest{}
		var approvers, resolvedBy, comment sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&ar.ID, &ar.InstanceID, &ar.NodeID, &approvers, &ar.Status, &ar.DeadlineAt,
			&resolvedBy, &comment, &resolvedAt, &ar.CreatedAt); err != nil {
			return nil, err
		}
		if approvers.Valid && approvers.String != "" {
			_ = json.Unmarshal([]byte(approvers.String), &ar.Approvers)
		}
		ar.ResolvedBy = resolvedBy.String
		ar.Comment = comment.String
		if resolvedAt.Valid {
			ar.ResolvedAt = &resolvedAt.Time
		}
		approvals = append(approvals, ar)
	}
	return approvals, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.EngineError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

var _ Store = (*LibSQLStore)(nil)
