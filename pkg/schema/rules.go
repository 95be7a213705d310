package schema

import (
	"encoding/json"
	"fmt"
)

// DeploymentStatus classifies a rule deployment record. Records are
// append-only; the routing view is derived by folding the ordered
// history of a ruleset.
type DeploymentStatus string

const (
	DeploymentStatusDraft      DeploymentStatus = "draft"
	DeploymentStatusCanary     DeploymentStatus = "canary"
	DeploymentStatusActive     DeploymentStatus = "active"
	DeploymentStatusRolledBack DeploymentStatus = "rolled_back"
)

// JudgmentResult is the outcome class of a rule evaluation.
type JudgmentResult string

const (
	JudgmentResultNormal   JudgmentResult = "normal"
	JudgmentResultWarning  JudgmentResult = "warning"
	JudgmentResultCritical JudgmentResult = "critical"
	JudgmentResultUnknown  JudgmentResult = "unknown"
)

// Severity ranks judgment results for comparison. Unknown ranks lowest.
func (r JudgmentResult) Severity() int {
	switch r {
	case JudgmentResultNormal:
		return 1
	case JudgmentResultWarning:
		return 2
	case JudgmentResultCritical:
		return 3
	}
	return 0
}

// Valid reports whether the result is one of the known classes.
func (r JudgmentResult) Valid() bool {
	return r.Severity() > 0
}

// JudgmentMethod records how a judgment outcome was produced.
type JudgmentMethod string

const (
	JudgmentMethodRule       JudgmentMethod = "rule"
	JudgmentMethodCache      JudgmentMethod = "cache"
	JudgmentMethodFailSafe   JudgmentMethod = "fail_safe"
	JudgmentMethodSimulation JudgmentMethod = "simulation"
)

// Rule is a single ordered entry of a rule script. When its predicate
// matches, the rule's result and confidence apply; Stop short-circuits
// evaluation of later rules.
type Rule struct {
	ID         string         `json:"id"`
	When       string         `json:"when"`
	Result     JudgmentResult `json:"result"`
	Confidence float64        `json:"confidence"`
	Stop       bool           `json:"stop,omitempty"`
}

// RuleScript is the stored form of one rule version: an ordered list of
// rules plus the defaults applied when no rule matches.
type RuleScript struct {
	Rules             []Rule         `json:"rules"`
	DefaultResult     JudgmentResult `json:"default_result"`
	DefaultConfidence float64        `json:"default_confidence"`
}

// ParseRuleScript decodes and structurally validates a rule script.
func ParseRuleScript(raw []byte) (*RuleScript, error) {
	var script RuleScript
	if err := json.Unmarshal(raw, &script); err != nil {
		return nil, NewError(ErrCodeValidation, "rule script is not valid JSON").WithCause(err)
	}
	if len(script.Rules) == 0 {
		return nil, NewError(ErrCodeValidation, "rule script has no rules")
	}
	if !script.DefaultResult.Valid() {
		return nil, NewErrorf(ErrCodeValidation, "invalid default_result %q", script.DefaultResult)
	}
	seen := make(map[string]bool, len(script.Rules))
	for i, rule := range script.Rules {
		if rule.ID == "" {
			return nil, NewErrorf(ErrCodeValidation, "rule %d has empty id", i)
		}
		if seen[rule.ID] {
			return nil, NewErrorf(ErrCodeValidation, "duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = true
		if rule.When == "" {
			return nil, NewErrorf(ErrCodeValidation, "rule %q has empty predicate", rule.ID)
		}
		if !rule.Result.Valid() {
			return nil, NewErrorf(ErrCodeValidation, "rule %q has invalid result %q", rule.ID, rule.Result)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return nil, NewErrorf(ErrCodeValidation, "rule %q confidence %v out of [0,1]", rule.ID, rule.Confidence)
		}
	}
	return &script, nil
}

// RuleTraceEntry records one rule's evaluation during a judgment, in
// script order up to the first short-circuit. Result is what the rule
// proposed, applied only when Matched and the severity resolution picked
// this rule.
type RuleTraceEntry struct {
	RuleID     string         `json:"rule_id"`
	Expression string         `json:"expression,omitempty"`
	Matched    bool           `json:"matched"`
	Result     JudgmentResult `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// JudgmentOutcome is the full result of evaluating inputs against a
// rule version.
type JudgmentOutcome struct {
	Result      JudgmentResult   `json:"result"`
	Confidence  float64          `json:"confidence"`
	RuleTrace   []RuleTraceEntry `json:"rule_trace"`
	MatchedRule string           `json:"matched_rule,omitempty"`
	Explanation string           `json:"explanation,omitempty"`
	Method      JudgmentMethod   `json:"method_used"`
	Version     int              `json:"version"`
	CacheHit    bool             `json:"cache_hit"`
	LatencyMs   int64            `json:"latency_ms"`

	// TraceID names the originating script evaluation in the audit log.
	// Cache hits carry the source evaluation's trace ID.
	TraceID string `json:"trace_id,omitempty"`
}

func (o *JudgmentOutcome) String() string {
	return fmt.Sprintf("%s (confidence=%.2f, v%d, %s)", o.Result, o.Confidence, o.Version, o.Method)
}
