// Package policy authorizes run-requests with an OPA rego policy.
package policy

import (
	"context"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

// Decisions returned by the run policy.
const (
	DecisionAllow = "allow"
	DecisionBlock = "block"
)

// RunInput is the policy input of one run-request.
type RunInput struct {
	UserID   string `json:"user_id"`
	RoomID   string `json:"room_id"`
	Language string `json:"language"`
	Member   bool   `json:"member"`
	CodeSize int    `json:"code_size"`
}

// Engine is the OPA policy engine.
type Engine struct {
	decision rego.PreparedEvalQuery
	reason   rego.PreparedEvalQuery
}

// NewEngine creates a new policy engine with the given policy content. The module
// must define data.run_policy.decision and may define data.run_policy.reason.
func NewEngine(ctx context.Context, policyContent string) (*Engine, error) {
	decision, err := rego.New(
		rego.Query("data.run_policy.decision"),
		rego.Module("run_policy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	reason, err := rego.New(
		rego.Query("data.run_policy.reason"),
		rego.Module("run_policy.rego", policyContent),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	return &Engine{decision: decision, reason: reason}, nil
}

// Evaluate returns the decision for input and, when blocked, the reason.
func (e *Engine) Evaluate(ctx context.Context, input RunInput) (string, string, error) {
	results, err := e.decision.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return "", "", fmt.Errorf("failed to evaluate policy: %w", err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		// The policy declares a default, so an undefined result means a broken module.
		return DecisionBlock, "policy undefined", nil
	}

	decision, ok := results[0].Expressions[0].Value.(string)
	if !ok {
		return DecisionBlock, "unexpected policy result", nil
	}
	if decision == DecisionAllow {
		return decision, "", nil
	}

	return decision, e.explain(ctx, input), nil
}

func (e *Engine) explain(ctx context.Context, input RunInput) string {
	results, err := e.reason.Eval(ctx, rego.EvalInput(input))
	if err != nil || len(results) == 0 || len(results[0].Expressions) == 0 {
		return "blocked by policy"
	}
	if s, ok := results[0].Expressions[0].Value.(string); ok && s != "" {
		return s
	}
	return "blocked by policy"
}

// Allowed reports whether input may run.
func (e *Engine) Allowed(ctx context.Context, input RunInput) (bool, string, error) {
	decision, reason, err := e.Evaluate(ctx, input)
	if err != nil {
		return false, "", err
	}
	return decision == DecisionAllow, reason, nil
}

// DefaultPolicy is the default policy content.
const DefaultPolicy = `
package run_policy

supported_languages = {"javascript", "typescript", "python", "java", "csharp", "php"}

max_code_size = 65536

default decision = "allow"

decision = "block" {
	not input.member
}

decision = "block" {
	not supported_languages[input.language]
}

decision = "block" {
	input.code_size > max_code_size
}

default reason = ""

reason = "not a member of this room" {
	not input.member
} else = "unsupported language" {
	not supported_languages[input.language]
} else = "code too large" {
	input.code_size > max_code_size
}
`
