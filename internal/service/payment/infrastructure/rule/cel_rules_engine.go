// internal/service/payment/infrastructure/rule/cel_rules_engine.go
package rule

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"inventorycore/internal/service/payment/domain"
)

// IssueRule 一条分类规则：表达式为 true 时记为 Issue
type IssueRule struct {
	Issue      string
	Expression string
}

type compiledRule struct {
	issue      string
	expression string
	program    cel.Program
}

// CELRuleEngineAdapter 是 domain.IssueClassifier 的实现，使用 CEL 表达式对卡单分类。
// 规则按配置顺序评估，第一条命中的规则生效。
type CELRuleEngineAdapter struct {
	rules []compiledRule
}

// NewCELRuleEngineAdapter 在启动时编译全部规则。语法错误或结果不是 bool 的规则直接返回错误。
//
// 可用变量: provider, provider_payment_id, status, raw_response (string), age_hours (double)
// 例如: provider == "stripe" && raw_response.contains("requires_action")
func NewCELRuleEngineAdapter(rules []IssueRule) (*CELRuleEngineAdapter, error) {
	env, err := cel.NewEnv(
		cel.Variable("provider", cel.StringType),
		cel.Variable("provider_payment_id", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("age_hours", cel.DoubleType),
		cel.Variable("raw_response", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for i, r := range rules {
		ast, iss := env.Compile(r.Expression)
		if iss != nil && iss.Err() != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Issue, iss.Err())
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, fmt.Errorf("rule %d (%s): expression must return bool, got %s", i, r.Issue, ast.OutputType())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, r.Issue, err)
		}
		compiled = append(compiled, compiledRule{issue: r.Issue, expression: r.Expression, program: prg})
	}
	return &CELRuleEngineAdapter{rules: compiled}, nil
}

// Classify 实现了 domain.IssueClassifier 接口。
func (a *CELRuleEngineAdapter) Classify(fact domain.Fact) (string, string, error) {
	vars := map[string]interface{}{
		"provider":            fact.Provider,
		"provider_payment_id": fact.ProviderPaymentID,
		"status":              fact.Status,
		"age_hours":           fact.AgeHours,
		"raw_response":        fact.RawResponse,
	}
	for _, r := range a.rules {
		out, _, err := r.program.Eval(vars)
		if err != nil {
			return "", "", fmt.Errorf("evaluate rule %s: %w", r.issue, err)
		}
		if matched, ok := out.Value().(bool); ok && matched {
			return r.issue, r.expression, nil
		}
	}
	return domain.IssuePendingPastCutoff, "", nil
}
