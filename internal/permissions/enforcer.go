// Package permissions implements the deny-by-default permissions
// enforcer the pipeline consults before any inbound message is allowed
// to proceed automatically.
package permissions

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/policy"
)

// Verdict is the enforcer's decision for one inbound message.
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictDeny     Verdict = "deny"
	VerdictEscalate Verdict = "escalate"
)

// Kind distinguishes which of spec §4.7's breaker counters a deny feeds:
// a plain manifest/actions-tier violation, an information-boundary probe,
// or a spending-cap breach.
type Kind string

const (
	KindManifest Kind = "manifest"
	KindBoundary Kind = "boundary"
	KindSpending Kind = "spending"
)

// Result carries the verdict plus the reason recorded to the audit trail.
type Result struct {
	Verdict Verdict
	Reason  string
	Kind    Kind
}

// actionRequest is the structured action-execution request a message body
// may carry: {"action": "...", "cost": 12.50}. A body that does not parse
// as this shape is treated as a plain message, not an action request.
type actionRequest struct {
	Action string  `json:"action"`
	Cost   float64 `json:"cost"`
}

// Enforcer checks an inbound message body against a connection's
// permissions manifest and, when configured, an information-boundary
// policy evaluator.
type Enforcer struct {
	Evaluator policy.SafeDefault
}

// New creates an Enforcer around a boundary/policy evaluator.
func New(evaluator policy.SafeDefault) *Enforcer {
	return &Enforcer{Evaluator: evaluator}
}

// Check implements spec §4.7 step 3:
//   - unknown or non-active connection -> deny
//   - a structured action request -> check the actions tier and, when a
//     cost is named, the per-transaction spending cap
//   - information boundaries configured -> evaluate; deny/escalate/allow
//   - each disallowed custom category -> evaluate the same way
func (e *Enforcer) Check(ctx context.Context, conn *connstore.Connection, body string) Result {
	if conn == nil || conn.State != connstore.StateActive {
		return Result{Verdict: VerdictDeny, Reason: "unknown sender", Kind: KindManifest}
	}

	var req actionRequest
	if err := json.Unmarshal([]byte(body), &req); err == nil && req.Action != "" {
		if res, ok := e.checkAction(conn, req); ok {
			return res
		}
	}

	if conn.Permissions.InformationBoundaries != "" {
		res := e.Evaluator.EvaluateBoundary(ctx, policy.BoundaryInput{
			Boundaries: conn.Permissions.InformationBoundaries,
			Content:    body,
		})
		if v, ok := translate(res.Decision); ok && v != VerdictAllow {
			return Result{Verdict: v, Reason: fmt.Sprintf("information boundary: %s", res.Reason), Kind: KindBoundary}
		}
	}

	for _, cat := range conn.Permissions.CustomCategories {
		if cat.Allowed {
			continue
		}
		res := e.Evaluator.EvaluateBoundary(ctx, policy.BoundaryInput{
			Boundaries: cat.Description,
			Content:    body,
		})
		if v, ok := translate(res.Decision); ok && v != VerdictAllow {
			return Result{Verdict: v, Reason: fmt.Sprintf("custom category %q: %s", cat.Name, res.Reason), Kind: KindBoundary}
		}
	}

	return Result{Verdict: VerdictAllow}
}

// checkAction validates a structured action request against the
// connection's actions tier and spending caps. ok is false when the
// request is within bounds and the caller should fall through to the
// remaining checks.
func (e *Enforcer) checkAction(conn *connstore.Connection, req actionRequest) (Result, bool) {
	switch conn.Permissions.Actions {
	case connstore.ActionsNone, "":
		return Result{Verdict: VerdictDeny, Reason: "actions not permitted", Kind: KindManifest}, true
	case connstore.ActionsScoped:
		allowed := false
		for _, scope := range conn.Permissions.ActionScopes {
			if scope == req.Action {
				allowed = true
				break
			}
		}
		if !allowed {
			return Result{Verdict: VerdictDeny, Reason: fmt.Sprintf("action %q not in scope", req.Action), Kind: KindManifest}, true
		}
	}

	caps := conn.Permissions.Spending
	if req.Cost > 0 && caps.PerTransaction > 0 && req.Cost > caps.PerTransaction {
		return Result{Verdict: VerdictDeny, Reason: fmt.Sprintf(
			"spending cap exceeded: action %q costs %.2f, per-transaction cap is %.2f", req.Action, req.Cost, caps.PerTransaction), Kind: KindSpending}, true
	}
	return Result{}, false
}

func translate(d policy.Decision) (Verdict, bool) {
	switch d {
	case policy.DecisionDeny:
		return VerdictDeny, true
	case policy.DecisionEscalate:
		return VerdictEscalate, true
	case policy.DecisionAllow:
		return VerdictAllow, true
	default:
		return "", false
	}
}
