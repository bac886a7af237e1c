// Package pipeline implements the single inbound enforcement chokepoint:
// mute -> passthrough -> permissions -> circuit breaker -> autonomy
// routing -> auto-respond policy evaluation (spec §4.7).
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/pinch-protocol/pinch/internal/agentstore"
	"github.com/pinch-protocol/pinch/internal/audit"
	"github.com/pinch-protocol/pinch/internal/breaker"
	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/permissions"
	"github.com/pinch-protocol/pinch/internal/policy"
)

// AuditRecorder is the subset of internal/audit.Log the pipeline needs,
// kept as an interface so tests don't need a real SQLite handle.
type AuditRecorder interface {
	Record(e audit.Event) (*agentstore.ActivityEvent, error)
}

// Pipeline wires the collaborators the enforcement order needs.
type Pipeline struct {
	Connections *connstore.Store
	Permissions *permissions.Enforcer
	Breaker     *breaker.Breaker
	Policy      policy.SafeDefault
	Audit       AuditRecorder
	Now         func() time.Time
}

// New creates a Pipeline. now defaults to time.Now if nil.
func New(conns *connstore.Store, perm *permissions.Enforcer, br *breaker.Breaker, pol policy.SafeDefault, aud AuditRecorder, now func() time.Time) *Pipeline {
	if now == nil {
		now = time.Now
	}
	return &Pipeline{Connections: conns, Permissions: perm, Breaker: br, Policy: pol, Audit: aud, Now: now}
}

// Outcome is the resulting message state plus an optional failure reason
// the caller persists to the message record.
type Outcome struct {
	State         agentstore.MessageState
	FailureReason string
}

// HandleInbound runs one decrypted inbound message through the full
// enforcement order and returns the resulting message state.
func (p *Pipeline) HandleInbound(ctx context.Context, peerAddress, body string) (Outcome, error) {
	now := p.Now()
	conn, ok := p.Connections.Get(peerAddress)

	// 1. Mute check -- bypasses permissions and the circuit breaker
	// entirely, matching the testable invariant that muted connections
	// are never observed by the breaker.
	if ok && conn.Muted {
		p.recordEvent(peerAddress, "message_received_muted", "")
		return Outcome{State: agentstore.MessageStateDelivered}, nil
	}

	// 2. Passthrough check.
	if ok && conn.Passthrough {
		p.recordEvent(peerAddress, "message_during_intervention", "")
		return Outcome{State: agentstore.MessageStateEscalatedToHuman}, nil
	}

	// 3. Permissions.
	permResult := p.Permissions.Check(ctx, conn, body)
	switch permResult.Verdict {
	case permissions.VerdictDeny:
		var res breaker.Result
		switch permResult.Kind {
		case permissions.KindBoundary:
			res = p.Breaker.RecordBoundaryProbe(peerAddress, now)
		case permissions.KindSpending:
			res = p.Breaker.RecordSpendingExceeded(peerAddress, now)
		default:
			res = p.Breaker.RecordPermissionViolation(peerAddress, now)
		}
		if err := p.applyBreakerTrip(peerAddress, res); err != nil {
			return Outcome{}, err
		}
		p.recordEvent(peerAddress, "permission_denied", permResult.Reason)
		return Outcome{State: agentstore.MessageStateFailed, FailureReason: permResult.Reason}, nil
	case permissions.VerdictEscalate:
		p.recordEvent(peerAddress, "permission_escalated", permResult.Reason)
		return Outcome{State: agentstore.MessageStateEscalatedToHuman, FailureReason: permResult.Reason}, nil
	}

	// 4. Circuit breaker recording + evaluation.
	res := p.Breaker.RecordMessage(peerAddress, now)
	if err := p.applyBreakerTrip(peerAddress, res); err != nil {
		return Outcome{}, err
	}

	// Re-fetch: autonomy may have just been downgraded by the trip above,
	// and routing must see that downgrade immediately (spec §5 ordering
	// note).
	conn, ok = p.Connections.Get(peerAddress)
	if !ok {
		return Outcome{State: agentstore.MessageStateEscalatedToHuman}, nil
	}

	// 5. Autonomy routing.
	switch conn.Autonomy {
	case connstore.AutonomyNotify:
		p.recordEvent(peerAddress, "message_processed_autonomously", "")
		return Outcome{State: agentstore.MessageStateReadByAgent}, nil
	case connstore.AutonomyAutoRespond:
		return p.evaluateAutoRespond(ctx, conn, body)
	case connstore.AutonomyFullAuto:
		return Outcome{State: agentstore.MessageStateReadByAgent}, nil
	default: // full_manual or unrecognized
		return Outcome{State: agentstore.MessageStateEscalatedToHuman}, nil
	}
}

// 6. Auto-respond policy evaluation.
func (p *Pipeline) evaluateAutoRespond(ctx context.Context, conn *connstore.Connection, body string) (Outcome, error) {
	if conn.AutoRespondPolicy == "" {
		return Outcome{State: agentstore.MessageStateEscalatedToHuman}, nil
	}
	result := p.Policy.EvaluatePolicy(ctx, policy.AutoRespondInput{
		Policy:        conn.AutoRespondPolicy,
		MessageBody:   body,
		SenderAddress: conn.PeerAddress,
		Nickname:      conn.Nickname,
	})
	p.recordEvent(conn.PeerAddress, "auto_respond_decision", fmt.Sprintf(
		"action=%s confidence=%.2f reasoning=%s", result.Decision, result.Confidence, result.Reasoning))

	switch result.Decision {
	case policy.DecisionAllow:
		return Outcome{State: agentstore.MessageStateReadByAgent}, nil
	case policy.DecisionDeny:
		return Outcome{State: agentstore.MessageStateFailed, FailureReason: result.Reasoning}, nil
	default: // escalate or unrecognized
		return Outcome{State: agentstore.MessageStateEscalatedToHuman}, nil
	}
}

// applyBreakerTrip downgrades autonomy and records the circuit_breaker_tripped
// event when a breaker evaluation trips, regardless of which counter fired.
// Shared by the permissions-deny path (step 3) and the flood-recording path
// (step 4) so a trip on the denying message itself takes effect immediately.
// A connection already marked CircuitBreakerTripped is left as it is, so
// the trip is applied and recorded once until autonomy is changed again.
func (p *Pipeline) applyBreakerTrip(peerAddress string, res breaker.Result) error {
	if !res.Tripped {
		return nil
	}
	conn, ok := p.Connections.Get(peerAddress)
	if !ok {
		return nil
	}
	if conn.CircuitBreakerTripped {
		return nil
	}
	conn.Autonomy = connstore.AutonomyFullManual
	conn.CircuitBreakerTripped = true
	if err := p.Connections.Put(conn); err != nil {
		return fmt.Errorf("pipeline: persist circuit breaker trip: %w", err)
	}
	p.recordEvent(peerAddress, "circuit_breaker_tripped", fmt.Sprintf(
		"trigger=%s count=%d threshold=%d window_ms=%d",
		res.Trigger, res.Count, res.Threshold, res.Window.Milliseconds()))
	return nil
}

func (p *Pipeline) recordEvent(peerAddress, eventType, details string) {
	if p.Audit == nil {
		return
	}
	_, _ = p.Audit.Record(audit.Event{
		ConnectionAddress: peerAddress,
		EventType:         eventType,
		Details:           details,
	})
}
