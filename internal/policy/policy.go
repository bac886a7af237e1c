// Package policy defines the auto-respond and information-boundary
// evaluator interfaces. The LLM backing these evaluators is an external
// collaborator (spec Non-goals) -- this package only specifies the
// contract and a safe-default wrapper around it.
package policy

import "context"

// Decision is the outcome of evaluating a policy or boundary check.
type Decision string

const (
	DecisionAllow    Decision = "allow"
	DecisionDeny     Decision = "deny"
	DecisionEscalate Decision = "escalate"
)

// BoundaryInput is passed to the information-boundary evaluator (spec
// §4.7 step 3).
type BoundaryInput struct {
	Boundaries string
	Content    string
}

// BoundaryResult is the boundary evaluator's verdict.
type BoundaryResult struct {
	Decision Decision
	Reason   string
}

// AutoRespondInput is passed to the auto-respond policy evaluator (spec
// §4.7 step 6).
type AutoRespondInput struct {
	Policy        string
	MessageBody   string
	SenderAddress string
	Nickname      string
}

// AutoRespondResult is the auto-respond evaluator's verdict, recorded
// verbatim to the activity feed as auto_respond_decision.
type AutoRespondResult struct {
	Decision   Decision
	Confidence float64
	Reasoning  string
}

// Evaluator is the interface the enforcement pipeline calls; the LLM
// implementation lives outside this repo.
type Evaluator interface {
	EvaluateBoundary(ctx context.Context, in BoundaryInput) (BoundaryResult, error)
	EvaluatePolicy(ctx context.Context, in AutoRespondInput) (AutoRespondResult, error)
}

// SafeDefault wraps an Evaluator so that any error from the underlying
// implementation becomes an "escalate" decision rather than propagating,
// per spec §4.7's "any evaluator exception -> escalate to human (safe
// default)" and §7's "policy evaluator failure: treated as escalate".
type SafeDefault struct {
	Inner Evaluator
}

// EvaluateBoundary calls the inner evaluator, converting errors to an
// escalate decision.
func (s SafeDefault) EvaluateBoundary(ctx context.Context, in BoundaryInput) BoundaryResult {
	res, err := s.Inner.EvaluateBoundary(ctx, in)
	if err != nil {
		return BoundaryResult{Decision: DecisionEscalate, Reason: "evaluator error: " + err.Error()}
	}
	return res
}

// EvaluatePolicy calls the inner evaluator, converting errors to an
// escalate decision.
func (s SafeDefault) EvaluatePolicy(ctx context.Context, in AutoRespondInput) AutoRespondResult {
	res, err := s.Inner.EvaluatePolicy(ctx, in)
	if err != nil {
		return AutoRespondResult{Decision: DecisionEscalate, Reasoning: "evaluator error: " + err.Error()}
	}
	return res
}
