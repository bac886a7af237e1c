package connmgr_test

import (
	"crypto/ed25519"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pinch-protocol/pinch/internal/connmgr"
	"github.com/pinch-protocol/pinch/internal/connstore"
	"github.com/pinch-protocol/pinch/internal/protocol"
)

// recordingSender captures every envelope passed to Send without
// touching the network, mirroring how internal/hub's tests stub out
// transports they don't need for a given assertion.
type recordingSender struct {
	mu   sync.Mutex
	sent []*protocol.Envelope
	fail error
}

func (r *recordingSender) Send(env *protocol.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.sent = append(r.sent, env)
	return nil
}

func (r *recordingSender) last() *protocol.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sent) == 0 {
		return nil
	}
	return r.sent[len(r.sent)-1]
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func newTestManager(t *testing.T) (*connmgr.Manager, *connstore.Store, *recordingSender) {
	t.Helper()
	store, err := connstore.Open(filepath.Join(t.TempDir(), "connections.json"))
	if err != nil {
		t.Fatalf("connstore.Open: %v", err)
	}
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sender := &recordingSender{}
	mgr := connmgr.New(store, sender, "pinch:me@localhost", pub, nil)
	return mgr, store, sender
}

func TestSendRequestPersistsPendingOutboundAndSendsEnvelope(t *testing.T) {
	mgr, store, sender := newTestManager(t)

	if err := mgr.SendRequest("pinch:alice@localhost", "let's connect"); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	env := sender.last()
	if env == nil || env.Type != protocol.MessageTypeConnectionRequest {
		t.Fatalf("expected a ConnectionRequest envelope, got %+v", env)
	}
	if env.ConnectionRequest.Message != "let's connect" {
		t.Fatalf("unexpected message: %q", env.ConnectionRequest.Message)
	}

	conn, ok := store.Get("pinch:alice@localhost")
	if !ok {
		t.Fatal("expected connection to be persisted")
	}
	if conn.State != connstore.StatePendingOutbound {
		t.Fatalf("expected pending_outbound, got %q", conn.State)
	}
}

func TestSendRequestRejectsOverlongMessage(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	overlong := make([]byte, connmgr.MaxMessageLen+1)
	for i := range overlong {
		overlong[i] = 'a'
	}
	if err := mgr.SendRequest("pinch:alice@localhost", string(overlong)); err == nil {
		t.Fatal("expected overlong message to be rejected")
	}
}

func TestHandleIncomingRequestPersistsPendingInboundAndFiresCallback(t *testing.T) {
	mgr, store, _ := newTestManager(t)

	var gotPeer, gotMessage string
	mgr.OnIncomingRequest(func(peer, msg string) {
		gotPeer, gotMessage = peer, msg
	})

	req := &protocol.ConnectionRequest{FromAddress: "pinch:alice@localhost", Message: "hi"}
	if err := mgr.HandleIncomingRequest(req); err != nil {
		t.Fatalf("HandleIncomingRequest: %v", err)
	}

	conn, ok := store.Get("pinch:alice@localhost")
	if !ok || conn.State != connstore.StatePendingInbound {
		t.Fatalf("expected pending_inbound, got %+v ok=%v", conn, ok)
	}
	if gotPeer != "pinch:alice@localhost" || gotMessage != "hi" {
		t.Fatalf("callback did not receive expected args: peer=%q msg=%q", gotPeer, gotMessage)
	}
}

func TestHandleIncomingRequestSurvivesPanickingCallback(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	mgr.OnIncomingRequest(func(peer, msg string) {
		panic("boom")
	})

	req := &protocol.ConnectionRequest{FromAddress: "pinch:alice@localhost", Message: "hi"}
	if err := mgr.HandleIncomingRequest(req); err != nil {
		t.Fatalf("HandleIncomingRequest should not propagate a callback panic: %v", err)
	}
	if _, ok := store.Get("pinch:alice@localhost"); !ok {
		t.Fatal("expected connection to be persisted despite callback panic")
	}
}

func TestApproveRequestSendsAcceptedResponseAndMarksActive(t *testing.T) {
	mgr, store, sender := newTestManager(t)
	req := &protocol.ConnectionRequest{FromAddress: "pinch:alice@localhost", Message: "hi"}
	if err := mgr.HandleIncomingRequest(req); err != nil {
		t.Fatalf("HandleIncomingRequest: %v", err)
	}

	if err := mgr.ApproveRequest("pinch:alice@localhost"); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	env := sender.last()
	if env == nil || env.Type != protocol.MessageTypeConnectionResponse || !env.ConnectionResponse.Accepted {
		t.Fatalf("expected an accepted ConnectionResponse, got %+v", env)
	}
	conn, ok := store.Get("pinch:alice@localhost")
	if !ok || conn.State != connstore.StateActive {
		t.Fatalf("expected active, got %+v ok=%v", conn, ok)
	}
}

func TestApproveRequestFailsWithoutPendingInbound(t *testing.T) {
	mgr, _, _ := newTestManager(t)
	if err := mgr.ApproveRequest("pinch:alice@localhost"); err == nil {
		t.Fatal("expected error approving a connection with no pending_inbound request")
	}
}

func TestRejectRequestSendsNothingAndRevokesLocally(t *testing.T) {
	mgr, store, sender := newTestManager(t)
	req := &protocol.ConnectionRequest{FromAddress: "pinch:alice@localhost", Message: "hi"}
	if err := mgr.HandleIncomingRequest(req); err != nil {
		t.Fatalf("HandleIncomingRequest: %v", err)
	}

	if err := mgr.RejectRequest("pinch:alice@localhost"); err != nil {
		t.Fatalf("RejectRequest: %v", err)
	}
	if sender.count() != 0 {
		t.Fatalf("expected silent rejection, but %d envelope(s) were sent", sender.count())
	}
	conn, ok := store.Get("pinch:alice@localhost")
	if !ok || conn.State != connstore.StateRevoked {
		t.Fatalf("expected revoked, got %+v ok=%v", conn, ok)
	}
}

func TestHandleIncomingResponseAcceptedActivatesConnection(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	if err := mgr.SendRequest("pinch:alice@localhost", "hi"); err != nil {
		t.Fatalf("SendRequest: %v", err)
	}

	responderPub, _, _ := ed25519.GenerateKey(nil)
	resp := &protocol.ConnectionResponse{FromAddress: "pinch:alice@localhost", Accepted: true, ResponderPublicKey: responderPub}
	if err := mgr.HandleIncomingResponse(resp); err != nil {
		t.Fatalf("HandleIncomingResponse: %v", err)
	}

	conn, ok := store.Get("pinch:alice@localhost")
	if !ok || conn.State != connstore.StateActive {
		t.Fatalf("expected active, got %+v ok=%v", conn, ok)
	}
}

func TestBlockAndUnblockConnection(t *testing.T) {
	mgr, store, sender := newTestManager(t)
	conn := connstore.NewConnection("pinch:alice@localhost", time.Now())
	conn.State = connstore.StateActive
	if err := store.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := mgr.BlockConnection("pinch:alice@localhost"); err != nil {
		t.Fatalf("BlockConnection: %v", err)
	}
	if env := sender.last(); env == nil || env.Type != protocol.MessageTypeBlockNotification {
		t.Fatalf("expected BlockNotification, got %+v", env)
	}
	got, _ := store.Get("pinch:alice@localhost")
	if got.State != connstore.StateBlocked {
		t.Fatalf("expected blocked, got %q", got.State)
	}

	if err := mgr.UnblockConnection("pinch:alice@localhost"); err != nil {
		t.Fatalf("UnblockConnection: %v", err)
	}
	if env := sender.last(); env == nil || env.Type != protocol.MessageTypeUnblockNotification {
		t.Fatalf("expected UnblockNotification, got %+v", env)
	}
	got, _ = store.Get("pinch:alice@localhost")
	if got.State != connstore.StateActive {
		t.Fatalf("expected active after unblock, got %q", got.State)
	}
}

func TestRevokeConnectionAndHandleIncomingRevoke(t *testing.T) {
	mgr, store, sender := newTestManager(t)
	conn := connstore.NewConnection("pinch:alice@localhost", time.Now())
	conn.State = connstore.StateActive
	if err := store.Put(conn); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := mgr.RevokeConnection("pinch:alice@localhost"); err != nil {
		t.Fatalf("RevokeConnection: %v", err)
	}
	if env := sender.last(); env == nil || env.Type != protocol.MessageTypeConnectionRevoke {
		t.Fatalf("expected ConnectionRevoke, got %+v", env)
	}
	got, _ := store.Get("pinch:alice@localhost")
	if got.State != connstore.StateRevoked {
		t.Fatalf("expected revoked, got %q", got.State)
	}

	conn2 := connstore.NewConnection("pinch:bob@localhost", time.Now())
	conn2.State = connstore.StateActive
	if err := store.Put(conn2); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := mgr.HandleIncomingRevoke(&protocol.ConnectionRevoke{FromAddress: "pinch:bob@localhost"}); err != nil {
		t.Fatalf("HandleIncomingRevoke: %v", err)
	}
	got2, _ := store.Get("pinch:bob@localhost")
	if got2.State != connstore.StateRevoked {
		t.Fatalf("expected bob revoked, got %q", got2.State)
	}
}

func TestExpirePendingRequestsRevokesPastDeadline(t *testing.T) {
	mgr, store, _ := newTestManager(t)
	past := connstore.NewConnection("pinch:alice@localhost", time.Now().Add(-48*time.Hour))
	past.State = connstore.StatePendingOutbound
	past.ExpiresAt = time.Now().Add(-time.Hour)
	if err := store.Put(past); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := mgr.ExpirePendingRequests(); err != nil {
		t.Fatalf("ExpirePendingRequests: %v", err)
	}
	got, _ := store.Get("pinch:alice@localhost")
	if got.State != connstore.StateRevoked {
		t.Fatalf("expected expired pending request to be revoked, got %q", got.State)
	}
}
