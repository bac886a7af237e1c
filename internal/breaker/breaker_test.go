package breaker

import (
	"testing"
	"time"
)

func TestFloodThresholdTripsExactlyOnNthMessage(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageFlood = Thresholds{Count: 5, Window: 60 * time.Second}
	b := New(cfg)

	base := time.Now()
	var last Result
	for i := 0; i < 5; i++ {
		last = b.RecordMessage("pinch:alice@localhost", base.Add(time.Duration(i)*time.Millisecond))
		if i < 4 && last.Tripped {
			t.Fatalf("breaker tripped early at message %d", i+1)
		}
	}
	if !last.Tripped || last.Trigger != TriggerMessageFlood {
		t.Fatalf("expected flood trip on 5th message, got %+v", last)
	}
	if last.Count != 5 || last.Threshold != 5 {
		t.Fatalf("unexpected counts: %+v", last)
	}
}

func TestOldEventsOutsideWindowAreNotCounted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageFlood = Thresholds{Count: 3, Window: time.Second}
	b := New(cfg)

	base := time.Now()
	b.RecordMessage("pinch:alice@localhost", base)
	b.RecordMessage("pinch:alice@localhost", base.Add(100*time.Millisecond))

	// Third event arrives well after the window has elapsed -- the first
	// two should have aged out, so this must not trip.
	res := b.RecordMessage("pinch:alice@localhost", base.Add(2*time.Second))
	if res.Tripped {
		t.Fatalf("expected no trip once earlier events aged out of window, got %+v", res)
	}
}

func TestCountersAreIndependentPerConnection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageFlood = Thresholds{Count: 2, Window: time.Minute}
	b := New(cfg)

	now := time.Now()
	b.RecordMessage("pinch:alice@localhost", now)
	res := b.RecordMessage("pinch:bob@localhost", now)
	if res.Tripped {
		t.Fatalf("expected bob's independent counter not to trip from alice's events, got %+v", res)
	}
}

func TestResetClearsCounters(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MessageFlood = Thresholds{Count: 1, Window: time.Minute}
	b := New(cfg)

	now := time.Now()
	res := b.RecordMessage("pinch:alice@localhost", now)
	if !res.Tripped {
		t.Fatalf("expected immediate trip with threshold 1, got %+v", res)
	}
	b.Reset("pinch:alice@localhost")

	res = b.RecordMessage("pinch:alice@localhost", now.Add(time.Millisecond))
	if !res.Tripped {
		t.Fatalf("expected fresh counter to trip again at threshold 1, got %+v", res)
	}
}

func TestPermissionViolationTripsIndependentlyOfFlood(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PermissionViolation = Thresholds{Count: 2, Window: time.Minute}
	b := New(cfg)

	now := time.Now()
	b.RecordPermissionViolation("pinch:alice@localhost", now)
	res := b.RecordPermissionViolation("pinch:alice@localhost", now.Add(time.Millisecond))
	if !res.Tripped || res.Trigger != TriggerPermissionViolation {
		t.Fatalf("expected permission_violation trip, got %+v", res)
	}
}
