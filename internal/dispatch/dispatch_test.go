package dispatch

import (
	"testing"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/subindex"
	"github.com/lumencanvas/clasp-sub004/internal/value"
	"github.com/rs/zerolog"
)

func fullAccessSession(t *testing.T, mgr *session.Manager) *session.Session {
	t.Helper()
	sess, err := mgr.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if err := mgr.HandleHello(sess, session.SupportedVersion, "tester", nil, ""); err != nil {
		t.Fatalf("HandleHello: %v", err)
	}
	return sess
}

func newHarness(t *testing.T) (*Dispatcher, *session.Manager, *session.Session) {
	t.Helper()
	mgr := session.NewManager(zerolog.Nop(), session.ManagerConfig{
		Validator: auth.NewChain(),
		OpenMode:  true,
		Caps:      session.DefaultCaps(),
	})
	st := store.New()
	subs := subindex.New()
	d := New(zerolog.Nop(), Config{Store: st, Subs: subs, Sessions: mgr})
	sess := fullAccessSession(t, mgr)
	return d, mgr, sess
}

func TestHandleSetThenGet(t *testing.T) {
	d, _, sess := newHarness(t)

	ack := d.HandleSet(sess, frame.Set{Address: "/lights/zone-1/brightness", Value: value.Float(0.5)})
	if !ack.OK {
		t.Fatalf("expected SET to succeed")
	}

	snap, fail, ok := d.HandleGet(sess, frame.Get{Address: "/lights/zone-1/brightness"})
	if !ok || fail.OK {
		t.Fatalf("expected GET to find the value")
	}
	got, _ := snap.Params[0].Value.AsFloat()
	if len(snap.Params) != 1 || got != 0.5 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestHandleSetIdempotentNoFanout(t *testing.T) {
	d, mgr, writer := newHarness(t)
	reader, err := mgr.Accept()
	if err != nil {
		t.Fatal(err)
	}
	if err := mgr.HandleHello(reader, session.SupportedVersion, "reader", nil, ""); err != nil {
		t.Fatal(err)
	}

	if _, err := d.HandleSubscribe(reader, frame.Subscribe{ID: "sub1", Pattern: "/lights/**"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	d.HandleSet(writer, frame.Set{Address: "/lights/zone-1/brightness", Value: value.Float(0.5)})
	if n := reader.Outbound.Len(); n != 1 {
		t.Fatalf("expected 1 queued delivery after first SET, got %d", n)
	}
	reader.Outbound.Dequeue()

	d.HandleSet(writer, frame.Set{Address: "/lights/zone-1/brightness", Value: value.Float(0.5)})
	if n := reader.Outbound.Len(); n != 0 {
		t.Fatalf("identical SET must not fan out (P9), got %d queued", n)
	}
}

func TestHandleSubscribeDeniedWithoutScope(t *testing.T) {
	cred := memCredentialStore{scopes: auth.ScopeSet{{Action: auth.ActionRead, Pattern: mustPattern(t, "/audio/**")}}}
	chain := auth.NewChain(auth.NewCPSKValidator(cred))
	mgr := session.NewManager(zerolog.Nop(), session.ManagerConfig{Validator: chain, Caps: session.DefaultCaps()})

	st := store.New()
	subs := subindex.New()
	d := New(zerolog.Nop(), Config{Store: st, Subs: subs, Sessions: mgr})

	sess, _ := mgr.Accept()
	if err := mgr.HandleHello(sess, session.SupportedVersion, "c", nil, "cpsk_x"); err != nil {
		t.Fatalf("HandleHello: %v", err)
	}

	if _, err := d.HandleSubscribe(sess, frame.Subscribe{ID: "sub1", Pattern: "/lights/**"}); err != auth.ErrAuthDenied {
		t.Fatalf("got %v, want ErrAuthDenied", err)
	}
}

type memCredentialStore struct{ scopes auth.ScopeSet }

func (m memCredentialStore) Lookup(token string) (auth.ScopeSet, *time.Time, bool) {
	return m.scopes, nil, true
}

func mustPattern(t *testing.T, p string) address.Pattern {
	t.Helper()
	pat, err := address.Compile(p)
	if err != nil {
		t.Fatalf("Compile(%q): %v", p, err)
	}
	return pat
}
