package router

import (
	"testing"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/value"
	"github.com/rs/zerolog"
)

func TestHandshakeThenSetGetRoundTrip(t *testing.T) {
	r := New(Config{
		Log:       zerolog.Nop(),
		Validator: auth.NewChain(),
		OpenMode:  true,
		Caps:      session.DefaultCaps(),
	})

	sess, err := r.Sessions.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}

	hello, err := frame.Encode(frame.Hello{Version: session.SupportedVersion, Name: "test"}, frame.Options{})
	if err != nil {
		t.Fatalf("encode HELLO: %v", err)
	}
	if err := r.HandleFrame(sess, hello); err != nil {
		t.Fatalf("HandleFrame(HELLO): %v", err)
	}
	if sess.State() != session.StateReady {
		t.Fatalf("expected Ready after HELLO, got %v", sess.State())
	}
	if _, ok := sess.Outbound.Dequeue(); !ok {
		t.Fatalf("expected WELCOME queued after HELLO")
	}

	set, _ := frame.Encode(frame.Set{Address: "/a/b", Value: value.Int(1)}, frame.Options{})
	if err := r.HandleFrame(sess, set); err != nil {
		t.Fatalf("HandleFrame(SET): %v", err)
	}
	if _, ok := sess.Outbound.Dequeue(); !ok {
		t.Fatalf("expected ACK queued after SET")
	}

	get, _ := frame.Encode(frame.Get{Address: "/a/b"}, frame.Options{})
	if err := r.HandleFrame(sess, get); err != nil {
		t.Fatalf("HandleFrame(GET): %v", err)
	}
	qf, ok := sess.Outbound.Dequeue()
	if !ok {
		t.Fatalf("expected SNAPSHOT queued after GET")
	}
	decoded, err := frame.Decode(qf.Data, 0)
	if err != nil {
		t.Fatalf("decode queued frame: %v", err)
	}
	respMsg, err := frame.DecodeMessage(decoded)
	if err != nil {
		t.Fatalf("decode message: %v", err)
	}
	if _, ok := respMsg.(frame.Snapshot); !ok {
		t.Fatalf("expected SNAPSHOT response, got %T", respMsg)
	}
}
