package audit

import (
	"path/filepath"
	"testing"

	"github.com/pinch-protocol/pinch/internal/agentstore"
)

func newTestLog(t *testing.T) *Log {
	t.Helper()
	db, err := agentstore.Open(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("agentstore.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(agentstore.NewActivityStore(db))
}

func TestRecordChainsPrevHash(t *testing.T) {
	log := newTestLog(t)

	e1, err := log.Record(Event{ConnectionAddress: "pinch:bob@localhost", EventType: "message_received"})
	if err != nil {
		t.Fatalf("Record e1: %v", err)
	}
	if e1.PrevHash != "" {
		t.Fatalf("expected genesis entry to have empty prev_hash, got %q", e1.PrevHash)
	}

	e2, err := log.Record(Event{ConnectionAddress: "pinch:bob@localhost", EventType: "message_processed_autonomously"})
	if err != nil {
		t.Fatalf("Record e2: %v", err)
	}
	if e2.PrevHash != e1.EntryHash {
		t.Fatalf("expected e2.prev_hash == e1.entry_hash, got %q vs %q", e2.PrevHash, e1.EntryHash)
	}
}

func TestVerifyDetectsTamperedField(t *testing.T) {
	log := newTestLog(t)
	for i := 0; i < 5; i++ {
		if _, err := log.Record(Event{ConnectionAddress: "pinch:bob@localhost", EventType: "message_received"}); err != nil {
			t.Fatalf("Record e%d: %v", i, err)
		}
	}

	entries, err := log.Export()
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 entries, got %d", len(entries))
	}

	if v := Verify(entries); v != nil {
		t.Fatalf("expected untampered chain to verify, got %v", v)
	}

	entries[2].ConnectionAddress = "pinch:mallory@localhost"
	v := Verify(entries)
	if v == nil {
		t.Fatal("expected tampered chain to fail verification")
	}
	if v.Index != 2 {
		t.Fatalf("expected first failure at index 2, got %d", v.Index)
	}
}

func TestActionTypeDefaultsToEventType(t *testing.T) {
	log := newTestLog(t)
	e, err := log.Record(Event{ConnectionAddress: "pinch:bob@localhost", EventType: "message_during_intervention"})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if e.ActionType != "message_during_intervention" {
		t.Fatalf("expected action_type to default to event_type, got %q", e.ActionType)
	}
}

func TestRecentReturnsNewestFirst(t *testing.T) {
	log := newTestLog(t)
	for _, et := range []string{"a", "b", "c"} {
		if _, err := log.Record(Event{ConnectionAddress: "pinch:bob@localhost", EventType: et}); err != nil {
			t.Fatalf("Record %s: %v", et, err)
		}
	}
	recent, err := log.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 || recent[0].EventType != "c" || recent[1].EventType != "b" {
		t.Fatalf("unexpected recent order: %+v", recent)
	}
}
