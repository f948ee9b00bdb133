package wsbridge

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/rs/zerolog"
)

type fakeRouter struct{}

func (fakeRouter) HandleFrame(sess *session.Session, raw []byte) error {
	decoded, err := frame.Decode(raw, 0)
	if err != nil {
		return err
	}
	msg, err := frame.DecodeMessage(decoded)
	if err != nil {
		return err
	}
	if hello, ok := msg.(frame.Hello); ok {
		_ = hello
		sess.Outbound.Enqueue(session.QueuedFrame{})
	}
	return nil
}
func (fakeRouter) MaxFramePayload() int { return 0 }

func TestServeHTTPUpgradesAndBridges(t *testing.T) {
	mgr := session.NewManager(zerolog.Nop(), session.ManagerConfig{
		Validator: auth.NewChain(),
		OpenMode:  true,
		Caps:      session.DefaultCaps(),
	})

	b := New(Config{Log: zerolog.Nop(), Router: fakeRouter{}, Sessions: mgr})
	srv := httptest.NewServer(b)
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, _, err := ws.Dial(context.Background(), wsURL)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello, _ := frame.Encode(frame.Hello{Version: 1, Name: "t"}, frame.Options{})
	if err := wsutil.WriteClientMessage(conn, ws.OpText, hello); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := wsutil.ReadServerData(conn); err != nil {
		t.Fatalf("read: %v", err)
	}
}
