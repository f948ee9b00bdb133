// Package wsbridge is a reference transport adapter: it terminates
// WebSocket connections with gobwas/ws and feeds decoded bytes into a
// router.Router, draining each session's outbound queue back out over the
// same connection. CLASP's transport contract (§6) is generic byte
// streams; this is the one the default binary wires in.
//
// Grounded in ws/internal/shared/handlers_ws.go's upgrade handler
// (admission + rate-limit checks before ws.UpgradeHTTP) and its
// readPump/writePump pair (wsutil.ReadClientData/WriteServerMessage,
// pong-deadline liveness, ticker-driven ping), generalized from a
// single-protocol relay's fixed client struct to a bridge over the
// router's session-agnostic Router.HandleFrame/Session.Outbound contract.
package wsbridge

import (
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	pongWait  = 30 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Router is the subset of *router.Router the bridge depends on, narrowed
// to avoid an import of the router package's full surface.
type Router interface {
	HandleFrame(sess *session.Session, raw []byte) error
	MaxFramePayload() int
}

// SessionAcceptor is the subset of *session.Manager the bridge needs to
// create and tear down sessions around a connection's lifetime.
type SessionAcceptor interface {
	Accept() (*session.Session, error)
	Close(sess *session.Session, reason session.CloseReason)
}

// Config configures Bridge's admission gates and the collaborators it
// hands connections to.
type Config struct {
	Log      zerolog.Logger
	Router   Router
	Sessions SessionAcceptor

	// RateLimiter and Admission are optional; when nil the corresponding
	// check is skipped.
	RateLimiter *session.ConnectionRateLimiter
	Admission   *session.AdmissionGuard

	MaxConnections int // size of the connection-slot semaphore; 0 disables the cap
}

// Bridge is an http.Handler that upgrades requests to WebSocket and bridges
// the connection to one CLASP session.
type Bridge struct {
	cfg  Config
	sem  chan struct{}
	down int32
}

func New(cfg Config) *Bridge {
	b := &Bridge{cfg: cfg}
	if cfg.MaxConnections > 0 {
		b.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return b
}

// Shutdown marks the bridge as refusing new upgrades; in-flight
// connections are left to the router's own drain/grace-period handling.
func (b *Bridge) Shutdown() { atomic.StoreInt32(&b.down, 1) }

func (b *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if atomic.LoadInt32(&b.down) == 1 {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	remoteAddr := clientAddr(r)
	if b.cfg.RateLimiter != nil && !b.cfg.RateLimiter.Allow(remoteAddr) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return
	}
	if b.cfg.Admission != nil {
		if ok, reason := b.cfg.Admission.ShouldAccept(); !ok {
			b.cfg.Log.Warn().Str("reason", reason).Str("remote_addr", remoteAddr).Msg("wsbridge: admission refused")
			http.Error(w, "server at capacity", http.StatusServiceUnavailable)
			return
		}
	}

	if b.sem != nil {
		select {
		case b.sem <- struct{}{}:
		default:
			http.Error(w, "too many connections", http.StatusServiceUnavailable)
			return
		}
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		b.cfg.Log.Debug().Err(err).Str("remote_addr", remoteAddr).Msg("wsbridge: upgrade failed")
		b.release()
		return
	}

	sess, err := b.cfg.Sessions.Accept()
	if err != nil {
		b.cfg.Log.Warn().Err(err).Msg("wsbridge: session accept failed")
		conn.Close()
		b.release()
		return
	}
	if b.cfg.Admission != nil {
		b.cfg.Admission.SessionAdmitted()
	}

	go b.serve(conn, sess, remoteAddr)
}

func (b *Bridge) release() {
	if b.sem != nil {
		<-b.sem
	}
}

// serve owns one connection end to end: it launches the write pump and
// runs the read pump inline, tearing both down together on first error.
func (b *Bridge) serve(conn net.Conn, sess *session.Session, remoteAddr string) {
	defer func() {
		conn.Close()
		sess.Outbound.Close()
		b.cfg.Sessions.Close(sess, session.CloseTransport)
		if b.cfg.Admission != nil {
			b.cfg.Admission.SessionClosed()
		}
		b.release()
	}()

	done := make(chan struct{})
	go b.writePump(conn, sess, done)
	b.readPump(conn, sess)
	close(done)
}

func (b *Bridge) readPump(conn net.Conn, sess *session.Session) {
	conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		msg, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if op != ws.OpText && op != ws.OpBinary {
			continue
		}
		if err := b.cfg.Router.HandleFrame(sess, msg); err != nil {
			b.cfg.Log.Debug().Err(err).Str("session", string(sess.ID)).Msg("wsbridge: frame rejected")
		}
		if sess.State() == session.StateClosed {
			return
		}
	}
}

func (b *Bridge) writePump(conn net.Conn, sess *session.Session, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	notify := sess.Outbound.Notify()

	for {
		select {
		case <-done:
			return
		case <-notify:
			for {
				f, ok := sess.Outbound.Dequeue()
				if !ok {
					break
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := wsutil.WriteServerMessage(conn, ws.OpText, f.Data); err != nil {
					return
				}
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
		}
	}
}

func clientAddr(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
