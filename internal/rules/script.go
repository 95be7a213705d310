package rules

import (
	"context"
	"fmt"

	"github.com/triflow/triflow/internal/expressions"
	"github.com/triflow/triflow/pkg/schema"
)

// ScriptRunner evaluates a parsed rule script against an input payload.
// Rules run in declaration order; each predicate failure is recorded in
// the trace and evaluation continues with the next rule.
type ScriptRunner struct {
	engine *expressions.ExprEngine
}

func NewScriptRunner(engine *expressions.ExprEngine) *ScriptRunner {
	if engine == nil {
		engine = expressions.NewExprEngine()
	}
	return &ScriptRunner{engine: engine}
}

// Run walks the script's rules in order. The first matching rule whose
// Stop flag is set short-circuits; otherwise the most severe match wins
// (critical > warning > normal), ties going to the earliest rule. When
// nothing matches, the script defaults apply. Run returns an error only
// when every rule predicate errored, meaning no judgment can be trusted.
func (r *ScriptRunner) Run(ctx context.Context, script *schema.RuleScript, input map[string]any) (*schema.JudgmentOutcome, error) {
	outcome := &schema.JudgmentOutcome{
		Result:     script.DefaultResult,
		Confidence: script.DefaultConfidence,
		Method:     schema.JudgmentMethodRule,
		RuleTrace:  make([]schema.RuleTraceEntry, 0, len(script.Rules)),
	}

	errored := 0
	matchedWhen := ""
	for _, rule := range script.Rules {
		matched, err := r.engine.EvaluateBool(ctx, rule.When, input)
		if err != nil {
			errored++
			outcome.RuleTrace = append(outcome.RuleTrace, schema.RuleTraceEntry{
				RuleID:     rule.ID,
				Expression: rule.When,
				Result:     rule.Result,
				Error:      err.Error(),
			})
			continue
		}
		outcome.RuleTrace = append(outcome.RuleTrace, schema.RuleTraceEntry{
			RuleID:     rule.ID,
			Expression: rule.When,
			Matched:    matched,
			Result:     rule.Result,
		})
		if !matched {
			continue
		}
		if outcome.MatchedRule == "" || rule.Result.Severity() > outcome.Result.Severity() {
			outcome.Result = rule.Result
			outcome.Confidence = rule.Confidence
			outcome.MatchedRule = rule.ID
			matchedWhen = rule.When
		}
		if rule.Stop {
			break
		}
	}

	if errored == len(script.Rules) {
		return nil, schema.NewError(schema.ErrCodeRuleEvaluation,
			"all rule predicates failed").WithDetails(map[string]any{
			"rule_count": len(script.Rules),
		})
	}

	if outcome.MatchedRule != "" {
		outcome.Explanation = fmt.Sprintf("rule %q matched: %s", outcome.MatchedRule, matchedWhen)
	} else {
		outcome.Explanation = fmt.Sprintf("no rule matched, default %q applied", script.DefaultResult)
	}
	return outcome, nil
}
