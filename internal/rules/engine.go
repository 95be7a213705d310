package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triflow/triflow/internal/store"
	"github.com/triflow/triflow/pkg/schema"
)

// VersionRouter decides which ruleset version serves a request. The
// deployment manager implements this; canary reports whether the
// request was bucketed into canary traffic.
type VersionRouter interface {
	Route(rulesetID, routingKey string) (version int, canary bool, err error)
}

// Observer receives judgment telemetry. Implemented by the metrics
// package; a nil Observer is ignored.
type Observer interface {
	ObserveJudgment(rulesetID string, method schema.JudgmentMethod, result schema.JudgmentResult, latency time.Duration)
	ObserveLane(rulesetID string, canary bool)
}

// JudgmentRequest carries everything needed to produce one judgment.
// RoutingKey feeds the canary bucketing hash; it should be stable per
// subject (line ID, station ID) so a subject sees a consistent version.
type JudgmentRequest struct {
	RulesetID  string
	RoutingKey string
	InstanceID string
	NodeID     string
	TenantID   string
	Input      map[string]any
}

// Evaluator produces judgments from versioned rule scripts. Evaluation
// failures never propagate: the evaluator degrades to a fail-safe
// warning outcome so workflows keep moving under rule defects.
type Evaluator struct {
	store    store.Store
	router   VersionRouter
	runner   *ScriptRunner
	cache    *JudgmentCache
	observer Observer
	logger   *slog.Logger

	mu      sync.RWMutex
	scripts map[scriptKey]*schema.RuleScript
}

type scriptKey struct {
	rulesetID string
	version   int
}

type EvaluatorOption func(*Evaluator)

func WithObserver(o Observer) EvaluatorOption {
	return func(e *Evaluator) { e.observer = o }
}

func WithCache(c *JudgmentCache) EvaluatorOption {
	return func(e *Evaluator) { e.cache = c }
}

func NewEvaluator(st store.Store, router VersionRouter, logger *slog.Logger, opts ...EvaluatorOption) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{
		store:   st,
		router:  router,
		runner:  NewScriptRunner(nil),
		cache:   NewJudgmentCache(DefaultCacheTTL, DefaultCacheSize),
		logger:  logger,
		scripts: make(map[scriptKey]*schema.RuleScript),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Judge routes the request to a deployed version, consults the cache,
// and evaluates the rule script. The returned outcome is never nil and
// the error is non-nil only for storage-level failures; rule defects
// degrade to a fail-safe warning.
func (e *Evaluator) Judge(ctx context.Context, req JudgmentRequest) (*schema.JudgmentOutcome, error) {
	start := time.Now()

	version, canary, err := e.router.Route(req.RulesetID, req.RoutingKey)
	if err != nil {
		e.logger.WarnContext(ctx, "routing failed, serving fail-safe judgment",
			"ruleset_id", req.RulesetID, "error", err)
		return e.failSafe(ctx, req, 0, start, err), nil
	}
	if e.observer != nil {
		e.observer.ObserveLane(req.RulesetID, canary)
	}

	key, err := HashInputs(req.RulesetID, version, req.Input)
	if err != nil {
		return e.failSafe(ctx, req, version, start, err), nil
	}

	if cached, ok := e.cache.Get(key); ok {
		outcome := *cached
		outcome.Method = schema.JudgmentMethodCache
		outcome.CacheHit = true
		outcome.LatencyMs = time.Since(start).Milliseconds()
		e.record(ctx, req, key, &outcome)
		return &outcome, nil
	}

	script, err := e.loadScript(ctx, req.RulesetID, version)
	if err != nil {
		return e.failSafe(ctx, req, version, start, err), nil
	}

	outcome, err := e.runner.Run(ctx, script, req.Input)
	if err != nil {
		return e.failSafe(ctx, req, version, start, err), nil
	}
	outcome.Version = version
	outcome.LatencyMs = time.Since(start).Milliseconds()
	if canary {
		e.logger.DebugContext(ctx, "judgment served by canary version",
			"ruleset_id", req.RulesetID, "version", version)
	}

	// Record first so the trace ID assigned there lands in the cached
	// copy; Put snapshots the outcome by value.
	e.record(ctx, req, key, outcome)
	e.cache.Put(key, outcome)
	return outcome, nil
}

// Simulate evaluates an explicit version against the input, bypassing
// routing and the cache. Used by deployment previews and simulate
// nodes; outcomes are recorded with the simulation method.
func (e *Evaluator) Simulate(ctx context.Context, rulesetID string, version int, input map[string]any) (*schema.JudgmentOutcome, error) {
	start := time.Now()

	script, err := e.loadScript(ctx, rulesetID, version)
	if err != nil {
		return nil, err
	}
	outcome, err := e.runner.Run(ctx, script, input)
	if err != nil {
		return nil, err
	}
	outcome.Version = version
	outcome.Method = schema.JudgmentMethodSimulation
	outcome.LatencyMs = time.Since(start).Milliseconds()

	key, err := HashInputs(rulesetID, version, input)
	if err != nil {
		return nil, err
	}
	e.record(ctx, JudgmentRequest{RulesetID: rulesetID, Input: input}, key, outcome)
	return outcome, nil
}

// InvalidateScripts drops compiled scripts for a ruleset. Called after
// a new version is deployed so the next judgment reloads from storage.
func (e *Evaluator) InvalidateScripts(rulesetID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for k := range e.scripts {
		if k.rulesetID == rulesetID {
			delete(e.scripts, k)
		}
	}
}

func (e *Evaluator) loadScript(ctx context.Context, rulesetID string, version int) (*schema.RuleScript, error) {
	key := scriptKey{rulesetID, version}

	e.mu.RLock()
	script, ok := e.scripts[key]
	e.mu.RUnlock()
	if ok {
		return script, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if script, ok := e.scripts[key]; ok {
		return script, nil
	}
	rv, err := e.store.GetRuleVersion(ctx, rulesetID, version)
	if err != nil {
		return nil, err
	}
	script, err = schema.ParseRuleScript(rv.Script)
	if err != nil {
		return nil, err
	}
	e.scripts[key] = script
	return script, nil
}

func (e *Evaluator) failSafe(ctx context.Context, req JudgmentRequest, version int, start time.Time, cause error) *schema.JudgmentOutcome {
	outcome := &schema.JudgmentOutcome{
		Result:      schema.JudgmentResultWarning,
		Confidence:  0,
		Explanation: fmt.Sprintf("fail-safe engaged: %v", cause),
		Method:      schema.JudgmentMethodFailSafe,
		Version:     version,
		LatencyMs:   time.Since(start).Milliseconds(),
	}
	e.logger.ErrorContext(ctx, "judgment fail-safe engaged",
		"ruleset_id", req.RulesetID, "version", version,
		"instance_id", req.InstanceID, "error", cause)
	key, err := HashInputs(req.RulesetID, version, req.Input)
	if err != nil {
		key = ""
	}
	e.record(ctx, req, key, outcome)
	return outcome
}

func (e *Evaluator) record(ctx context.Context, req JudgmentRequest, inputsHash string, outcome *schema.JudgmentOutcome) {
	if e.observer != nil {
		e.observer.ObserveJudgment(req.RulesetID, outcome.Method, outcome.Result,
			time.Duration(outcome.LatencyMs)*time.Millisecond)
	}

	// Cache hits reuse the originating evaluation's trace ID so audit
	// rows link back to the run that actually executed the script.
	if outcome.TraceID == "" {
		outcome.TraceID = uuid.NewString()
	}

	trace, err := marshalTrace(outcome.RuleTrace)
	if err != nil {
		e.logger.WarnContext(ctx, "rule trace not serializable", "error", err)
	}
	exec := &store.JudgmentExecution{
		ID:          uuid.NewString(),
		RulesetID:   req.RulesetID,
		Version:     outcome.Version,
		InstanceID:  req.InstanceID,
		NodeID:      req.NodeID,
		InputsHash:  inputsHash,
		Result:      outcome.Result,
		Confidence:  outcome.Confidence,
		Explanation: outcome.Explanation,
		RuleTrace:   trace,
		Method:      outcome.Method,
		CacheHit:    outcome.CacheHit,
		LatencyMs:   outcome.LatencyMs,
		TraceID:     outcome.TraceID,
	}
	if err := e.store.RecordJudgment(ctx, exec); err != nil {
		// Telemetry loss must not fail the judgment path.
		e.logger.WarnContext(ctx, "judgment record not persisted",
			"ruleset_id", req.RulesetID, "error", err)
	}
}

func marshalTrace(trace []schema.RuleTraceEntry) (json.RawMessage, error) {
	if len(trace) == 0 {
		return nil, nil
	}
	return json.Marshal(trace)
}
