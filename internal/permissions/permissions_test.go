package permissions

import (
	"context"
	"testing"
	"time"

	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/policy"
)

type stubEvaluator struct {
	boundary policy.BoundaryResult
}

func (s stubEvaluator) EvaluateBoundary(ctx context.Context, in policy.BoundaryInput) (policy.BoundaryResult, error) {
	return s.boundary, nil
}

func (s stubEvaluator) EvaluatePolicy(ctx context.Context, in policy.AutoRespondInput) (policy.AutoRespondResult, error) {
	return policy.AutoRespondResult{}, nil
}

func TestCheckDeniesUnknownConnection(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	res := e.Check(context.Background(), nil, "hi")
	if res.Verdict != VerdictDeny {
		t.Fatalf("expected deny for nil connection, got %q", res.Verdict)
	}
}

func TestCheckDeniesNonActiveConnection(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StatePendingInbound
	res := e.Check(context.Background(), conn, "hi")
	if res.Verdict != VerdictDeny {
		t.Fatalf("expected deny for non-active connection, got %q", res.Verdict)
	}
}

func TestCheckAllowsActiveConnectionWithNoBoundaries(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	res := e.Check(context.Background(), conn, "hi")
	if res.Verdict != VerdictAllow {
		t.Fatalf("expected allow, got %q", res.Verdict)
	}
}

func TestCheckDeniesOnBoundaryViolation(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{boundary: policy.BoundaryResult{Decision: policy.DecisionDeny, Reason: "salary data"}}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.InformationBoundaries = "never share salary info"
	res := e.Check(context.Background(), conn, "what's my salary")
	if res.Verdict != VerdictDeny {
		t.Fatalf("expected deny on boundary violation, got %q", res.Verdict)
	}
}

func TestCheckEvaluatesDisallowedCustomCategories(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{boundary: policy.BoundaryResult{Decision: policy.DecisionEscalate}}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.CustomCategories = []connstore.CustomCategory{
		{Name: "medical", Description: "medical history", Allowed: false},
	}
	res := e.Check(context.Background(), conn, "how's your health")
	if res.Verdict != VerdictEscalate {
		t.Fatalf("expected escalate from disallowed category, got %q", res.Verdict)
	}
}

func TestCheckTagsBoundaryDenialWithBoundaryKind(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{boundary: policy.BoundaryResult{Decision: policy.DecisionDeny, Reason: "salary data"}}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.InformationBoundaries = "never share salary info"
	res := e.Check(context.Background(), conn, "what's my salary")
	if res.Kind != KindBoundary {
		t.Fatalf("expected KindBoundary, got %q", res.Kind)
	}
}

func TestCheckDeniesActionOutsideScope(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.Actions = connstore.ActionsScoped
	conn.Permissions.ActionScopes = []string{"send_email"}
	res := e.Check(context.Background(), conn, `{"action":"delete_account"}`)
	if res.Verdict != VerdictDeny || res.Kind != KindManifest {
		t.Fatalf("expected manifest deny for out-of-scope action, got %+v", res)
	}
}

func TestCheckDeniesActionsWhenTierIsNone(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	res := e.Check(context.Background(), conn, `{"action":"send_email"}`)
	if res.Verdict != VerdictDeny || res.Kind != KindManifest {
		t.Fatalf("expected manifest deny when actions tier is none, got %+v", res)
	}
}

func TestCheckTagsSpendingCapBreachWithSpendingKind(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.Actions = connstore.ActionsFull
	conn.Permissions.Spending = connstore.SpendingCaps{PerTransaction: 10}
	res := e.Check(context.Background(), conn, `{"action":"buy_gift","cost":25}`)
	if res.Verdict != VerdictDeny || res.Kind != KindSpending {
		t.Fatalf("expected spending deny, got %+v", res)
	}
}

func TestCheckAllowsActionWithinScopeAndCap(t *testing.T) {
	e := New(policy.SafeDefault{Inner: stubEvaluator{}})
	conn := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn.State = connstore.StateActive
	conn.Permissions.Actions = connstore.ActionsScoped
	conn.Permissions.ActionScopes = []string{"send_email"}
	conn.Permissions.Spending = connstore.SpendingCaps{PerTransaction: 10}
	res := e.Check(context.Background(), conn, `{"action":"send_email","cost":1}`)
	if res.Verdict != VerdictAllow {
		t.Fatalf("expected allow for in-scope, in-cap action, got %+v", res)
	}
}

func TestManifestYAMLRoundTrip(t *testing.T) {
	m := connstore.Manifest{
		Calendar:              connstore.CalendarFreeBusyOnly,
		Files:                 connstore.FilesSpecificFolders,
		FileFolders:           []string{"/shared"},
		Actions:               connstore.ActionsScoped,
		Spending:              connstore.SpendingCaps{PerTransaction: 10, PerDay: 50, PerConnection: 200},
		InformationBoundaries: "no medical data",
		CustomCategories:      []connstore.CustomCategory{{Name: "legal", Description: "legal matters", Allowed: true}},
	}

	data, err := ExportYAML(m)
	if err != nil {
		t.Fatalf("ExportYAML: %v", err)
	}
	got, err := ImportYAML(data)
	if err != nil {
		t.Fatalf("ImportYAML: %v", err)
	}
	if got.Calendar != m.Calendar || got.Files != m.Files || got.Actions != m.Actions {
		t.Fatalf("tier mismatch: got %+v want %+v", got, m)
	}
	if got.Spending != m.Spending {
		t.Fatalf("spending mismatch: got %+v want %+v", got.Spending, m.Spending)
	}
}
