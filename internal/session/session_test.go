package session

import (
	"testing"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/rs/zerolog"
)

type allowAllStore struct{ scopes auth.ScopeSet }

func (a allowAllStore) Lookup(token string) (auth.ScopeSet, *time.Time, bool) {
	return a.scopes, nil, true
}

func TestHandshakeHappyPath(t *testing.T) {
	cred := allowAllStore{scopes: auth.AdminOpen()}
	chain := auth.NewChain(auth.NewCPSKValidator(cred))
	mgr := NewManager(zerolog.Nop(), ManagerConfig{Validator: chain, Caps: DefaultCaps()})

	sess, err := mgr.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sess.State() != StateHello {
		t.Fatalf("new session should start in Hello, got %v", sess.State())
	}
	if err := mgr.HandleHello(sess, 1, "client", nil, "cpsk_x"); err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	if sess.State() != StateReady {
		t.Fatalf("expected Ready after successful HELLO, got %v", sess.State())
	}
}

func TestHandshakeVersionMismatch(t *testing.T) {
	chain := auth.NewChain()
	mgr := NewManager(zerolog.Nop(), ManagerConfig{Validator: chain, Caps: DefaultCaps()})
	sess, _ := mgr.Accept()
	if err := mgr.HandleHello(sess, 2, "client", nil, ""); err != ErrVersionMismatch {
		t.Fatalf("got %v, want ErrVersionMismatch", err)
	}
	if sess.State() != StateClosed {
		t.Fatalf("expected Closed after version mismatch, got %v", sess.State())
	}
}

func TestHandshakeAuthDeniedClosedMode(t *testing.T) {
	chain := auth.NewChain()
	mgr := NewManager(zerolog.Nop(), ManagerConfig{Validator: chain, OpenMode: false, Caps: DefaultCaps()})
	sess, _ := mgr.Accept()
	if err := mgr.HandleHello(sess, 1, "client", nil, ""); err != ErrAuthDenied {
		t.Fatalf("got %v, want ErrAuthDenied", err)
	}
}

func TestAdmissionRefusesOverCap(t *testing.T) {
	guard := NewAdmissionGuard(AdmissionConfig{MaxSessions: 1})
	mgr := NewManager(zerolog.Nop(), ManagerConfig{Validator: auth.NewChain(), Admission: guard, Caps: DefaultCaps()})
	if _, err := mgr.Accept(); err != nil {
		t.Fatalf("first Accept should succeed: %v", err)
	}
	if _, err := mgr.Accept(); err == nil {
		t.Fatalf("second Accept should be refused over MaxSessions cap")
	}
}

func TestOutboundQueueStreamDropsOldestFirst(t *testing.T) {
	q := NewOutboundQueue(2)
	q.Enqueue(QueuedFrame{Data: []byte("s1"), Kind: store.SignalStream})
	q.Enqueue(QueuedFrame{Data: []byte("s2"), Kind: store.SignalStream})
	if err := q.Enqueue(QueuedFrame{Data: []byte("s3"), Kind: store.SignalStream}); err != nil {
		t.Fatalf("stream enqueue over capacity should evict, not error: %v", err)
	}
	f, ok := q.Dequeue()
	if !ok || string(f.Data) != "s2" {
		t.Fatalf("expected oldest stream (s1) evicted, got %q", f.Data)
	}
}

func TestOutboundQueueSaturatedOnParam(t *testing.T) {
	q := NewOutboundQueue(1)
	q.Enqueue(QueuedFrame{Data: []byte("p1"), Kind: store.SignalParam})
	if err := q.Enqueue(QueuedFrame{Data: []byte("p2"), Kind: store.SignalParam}); err != ErrQueueSaturated {
		t.Fatalf("got %v, want ErrQueueSaturated", err)
	}
}

func TestSubscriptionCapEnforced(t *testing.T) {
	sess := newSession("s1", Caps{MaxSubscriptions: 1, OutboundQueueSize: 10})
	if err := sess.ReserveSubscriptionSlot("a"); err != nil {
		t.Fatalf("first reservation should succeed: %v", err)
	}
	if err := sess.ReserveSubscriptionSlot("b"); err != ErrResourceExhausted {
		t.Fatalf("got %v, want ErrResourceExhausted", err)
	}
}
