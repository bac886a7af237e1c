package pipeline

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/pinch-protocol/pinch/internal/agentstore"
	"github.com/pinch-protocol/pinch/internal/audit"
	"github.com/pinch-protocol/pinch/internal/breaker"
	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/permissions"
	"github.com/pinch-protocol/pinch/internal/policy"
)

type stubEvaluator struct {
	autoRespond policy.AutoRespondResult
}

func (s stubEvaluator) EvaluateBoundary(ctx context.Context, in policy.BoundaryInput) (policy.BoundaryResult, error) {
	return policy.BoundaryResult{Decision: policy.DecisionAllow}, nil
}

func (s stubEvaluator) EvaluatePolicy(ctx context.Context, in policy.AutoRespondInput) (policy.AutoRespondResult, error) {
	return s.autoRespond, nil
}

func newTestPipeline(t *testing.T, evaluator policy.Evaluator) (*Pipeline, *connstore.Store) {
	t.Helper()
	conns, err := connstore.Open(filepath.Join(t.TempDir(), "connections.json"))
	if err != nil {
		t.Fatalf("connstore.Open: %v", err)
	}
	db, err := agentstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("agentstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	log := audit.New(agentstore.NewActivityStore(db))
	enforcer := permissions.New(policy.SafeDefault{Inner: evaluator})
	br := breaker.New(breaker.DefaultConfig())
	p := New(conns, enforcer, br, policy.SafeDefault{Inner: evaluator}, log, nil)
	return p, conns
}

func activeConnection(address string) *connstore.Connection {
	c := connstore.NewConnection(address, time.Now())
	c.State = connstore.StateActive
	return c
}

func TestMutedConnectionBypassesPermissionsAndBreaker(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	conn.Muted = true
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateDelivered {
		t.Fatalf("expected delivered for muted connection, got %q", out.State)
	}
}

func TestPassthroughEscalatesToHuman(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	conn.Passthrough = true
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateEscalatedToHuman {
		t.Fatalf("expected escalated_to_human, got %q", out.State)
	}
}

func TestUnknownSenderIsDenied(t *testing.T) {
	p, _ := newTestPipeline(t, stubEvaluator{})
	out, err := p.HandleInbound(context.Background(), "pinch:stranger@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateFailed {
		t.Fatalf("expected failed for unknown sender, got %q", out.State)
	}
}

func TestFullManualEscalatesToHuman(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateEscalatedToHuman {
		t.Fatalf("expected escalated_to_human under full_manual, got %q", out.State)
	}
}

func TestNotifyAutonomyReadsWithoutEscalation(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	conn.Autonomy = connstore.AutonomyNotify
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateReadByAgent {
		t.Fatalf("expected read_by_agent under notify, got %q", out.State)
	}
}

func TestFullAutoReadsImmediately(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	conn.Autonomy = connstore.AutonomyFullAuto
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateReadByAgent {
		t.Fatalf("expected read_by_agent under full_auto, got %q", out.State)
	}
}

func TestAutoRespondWithoutPolicyEscalates(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	conn := activeConnection("pinch:alice@localhost")
	conn.Autonomy = connstore.AutonomyAutoRespond
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateEscalatedToHuman {
		t.Fatalf("expected escalated_to_human without a configured policy, got %q", out.State)
	}
}

func TestAutoRespondPolicyDenyFailsMessage(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{autoRespond: policy.AutoRespondResult{Decision: policy.DecisionDeny, Reasoning: "off topic"}})
	conn := activeConnection("pinch:alice@localhost")
	conn.Autonomy = connstore.AutonomyAutoRespond
	conn.AutoRespondPolicy = "only discuss scheduling"
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "what's the meaning of life")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateFailed {
		t.Fatalf("expected failed on policy deny, got %q", out.State)
	}
}

func TestCircuitBreakerTripDowngradesAutonomyMidPipeline(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	p.Breaker = breaker.New(breaker.Config{MessageFlood: breaker.Thresholds{Count: 1, Window: time.Minute}})
	conn := activeConnection("pinch:alice@localhost")
	conn.Autonomy = connstore.AutonomyFullAuto
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "hello")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateEscalatedToHuman {
		t.Fatalf("expected routing to see the downgraded autonomy within the same message, got %q", out.State)
	}

	got, ok := conns.Get("pinch:alice@localhost")
	if !ok {
		t.Fatal("expected connection to still exist")
	}
	if got.Autonomy != connstore.AutonomyFullManual || !got.CircuitBreakerTripped {
		t.Fatalf("expected autonomy downgraded and breaker tripped, got %+v", got)
	}
}

func TestPermissionViolationTripAppliesOnTheDenyingMessageItself(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	p.Breaker = breaker.New(breaker.Config{PermissionViolation: breaker.Thresholds{Count: 1, Window: time.Minute}})
	conn := activeConnection("pinch:alice@localhost")
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// No actions tier configured -> denied as a manifest violation, which
	// should trip the permission-violation counter on this very message,
	// not merely a later one.
	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", `{"action":"send_email"}`)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateFailed {
		t.Fatalf("expected failed, got %q", out.State)
	}

	got, ok := conns.Get("pinch:alice@localhost")
	if !ok {
		t.Fatal("expected connection to still exist")
	}
	if !got.CircuitBreakerTripped {
		t.Fatal("expected the permission-violation trip to be applied immediately on the denying message")
	}
}

func TestBoundaryProbeTripsItsOwnCounterSeparatelyFromPermissionViolation(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	p.Breaker = breaker.New(breaker.Config{
		PermissionViolation: breaker.Thresholds{Count: 100, Window: time.Minute},
		BoundaryProbe:       breaker.Thresholds{Count: 1, Window: time.Minute},
	})
	conn := activeConnection("pinch:alice@localhost")
	conn.Permissions.InformationBoundaries = "never share salary info"
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}
	p.Policy = policy.SafeDefault{Inner: boundaryDenyEvaluator{}}
	p.Permissions = permissions.New(p.Policy)

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", "what's my salary")
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateFailed {
		t.Fatalf("expected failed, got %q", out.State)
	}

	got, ok := conns.Get("pinch:alice@localhost")
	if !ok {
		t.Fatal("expected connection to still exist")
	}
	if !got.CircuitBreakerTripped {
		t.Fatal("expected the boundary-probe counter (not permission-violation) to trip on a single boundary denial")
	}
}

func TestSpendingCapBreachTripsSpendingCounter(t *testing.T) {
	p, conns := newTestPipeline(t, stubEvaluator{})
	p.Breaker = breaker.New(breaker.Config{SpendingExceeded: breaker.Thresholds{Count: 1, Window: time.Minute}})
	conn := activeConnection("pinch:alice@localhost")
	conn.Permissions.Actions = connstore.ActionsFull
	conn.Permissions.Spending = connstore.SpendingCaps{PerTransaction: 10}
	if err := conns.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	out, err := p.HandleInbound(context.Background(), "pinch:alice@localhost", `{"action":"buy_gift","cost":50}`)
	if err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	if out.State != agentstore.MessageStateFailed {
		t.Fatalf("expected failed, got %q", out.State)
	}

	got, ok := conns.Get("pinch:alice@localhost")
	if !ok {
		t.Fatal("expected connection to still exist")
	}
	if !got.CircuitBreakerTripped {
		t.Fatal("expected the spending-exceeded counter to trip on a single spending-cap breach")
	}
}

type boundaryDenyEvaluator struct{}

func (boundaryDenyEvaluator) EvaluateBoundary(ctx context.Context, in policy.BoundaryInput) (policy.BoundaryResult, error) {
	return policy.BoundaryResult{Decision: policy.DecisionDeny, Reason: "salary data"}, nil
}

func (boundaryDenyEvaluator) EvaluatePolicy(ctx context.Context, in policy.AutoRespondInput) (policy.AutoRespondResult, error) {
	return policy.AutoRespondResult{Decision: policy.DecisionEscalate}, nil
}
