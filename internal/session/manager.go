package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/rs/zerolog"
)

// CloseReason classifies why a session transitioned to Closed, for
// observability and for choosing the ERROR code to emit first (§7).
type CloseReason string

const (
	CloseTransport       CloseReason = "transport_close"
	CloseHandshakeTimeout CloseReason = "handshake_timeout"
	CloseVersionMismatch  CloseReason = "version_mismatch"
	CloseAuthDenied       CloseReason = "auth_denied"
	CloseIdleTimeout      CloseReason = "idle_timeout"
	CloseSlowConsumer     CloseReason = "slow_consumer"
	CloseDrainComplete    CloseReason = "drain_complete"
	CloseProtocolViolation CloseReason = "protocol_violation"
)

var (
	ErrVersionMismatch = errors.New("session: unsupported protocol version")
	ErrAuthDenied      = auth.ErrAuthDenied
)

const SupportedVersion = 1

// Manager owns the session table and drives the handshake FSM (§4.5).
type Manager struct {
	log       zerolog.Logger
	validator *auth.Chain
	admission *AdmissionGuard
	openMode  bool
	caps      Caps

	mu       sync.RWMutex
	sessions map[store.SessionID]*Session

	onClose func(*Session, CloseReason)
}

type ManagerConfig struct {
	Validator *auth.Chain
	Admission *AdmissionGuard
	OpenMode  bool // grants admin:/** when no token is supplied (§4.4)
	Caps      Caps
	OnClose   func(*Session, CloseReason)
}

func NewManager(log zerolog.Logger, cfg ManagerConfig) *Manager {
	caps := cfg.Caps
	if caps == (Caps{}) {
		caps = DefaultCaps()
	}
	return &Manager{
		log:       log,
		validator: cfg.Validator,
		admission: cfg.Admission,
		openMode:  cfg.OpenMode,
		caps:      caps,
		sessions:  make(map[store.SessionID]*Session),
		onClose:   cfg.OnClose,
	}
}

// Accept runs admission control and creates a new session in state Hello,
// awaiting HELLO (§4.5).
func (m *Manager) Accept() (*Session, error) {
	if m.admission != nil {
		if ok, reason := m.admission.ShouldAccept(); !ok {
			return nil, &ResourceExhaustedErr{Reason: reason}
		}
	}

	id := newSessionID()
	sess := newSession(id, m.caps)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	if m.admission != nil {
		m.admission.SessionAdmitted()
	}
	return sess, nil
}

// ResourceExhaustedErr is returned by Accept when admission control refuses
// a new session (SPEC_FULL.md's admission-control hardening).
type ResourceExhaustedErr struct{ Reason string }

func (e *ResourceExhaustedErr) Error() string { return "session: resource exhausted: " + e.Reason }

// HandleHello validates version and token, transitioning Hello -> Ready on
// success (§4.5). On failure HandleHello closes the session itself
// (state Closed, outbound queue closed, removed from the table) before
// returning the error.
func (m *Manager) HandleHello(sess *Session, version int, name string, features []string, token string) error {
	if version != SupportedVersion {
		m.closeSession(sess, CloseVersionMismatch)
		return ErrVersionMismatch
	}

	var scopes auth.ScopeSet
	if token == "" {
		if !m.openMode {
			m.closeSession(sess, CloseAuthDenied)
			return ErrAuthDenied
		}
		scopes = auth.AdminOpen()
	} else {
		var err error
		scopes, err = m.validator.Validate(token)
		if err != nil {
			m.closeSession(sess, CloseAuthDenied)
			return err
		}
	}

	sess.Name = name
	sess.Features = features
	sess.Scopes = scopes
	sess.setState(StateReady)
	return nil
}

// Touch records inbound liveness (§4.5 idle timeout tracking).
func (m *Manager) Touch(sess *Session, nowUs uint64) {
	sess.mu.Lock()
	sess.LastHeardUs = nowUs
	sess.mu.Unlock()
}

// Drain transitions every Ready session to Draining, e.g. on router
// shutdown request (§4.5).
func (m *Manager) Drain() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.sessions {
		if s.State() == StateReady {
			s.setState(StateDraining)
		}
	}
}

// Close transitions a session to Closed, removes it from the table, and
// releases its admission-control slot.
func (m *Manager) Close(sess *Session, reason CloseReason) {
	m.closeSession(sess, reason)
}

func (m *Manager) closeSession(sess *Session, reason CloseReason) {
	sess.setState(StateClosed)
	sess.Outbound.Close()

	m.mu.Lock()
	delete(m.sessions, sess.ID)
	m.mu.Unlock()

	if m.admission != nil {
		m.admission.SessionClosed()
	}
	if m.onClose != nil {
		m.onClose(sess, reason)
	}
}

// Get looks up a live session by id.
func (m *Manager) Get(id store.SessionID) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Count returns the number of live sessions (observability, §6).
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetTimeout pairs an expired outstanding GET id with its owning session,
// for the caller to ACK(ok=false, Timeout) (§4.5, §7).
type GetTimeout struct {
	Session *Session
	ID      string
}

// SweepTimeouts closes sessions that have exceeded their handshake or idle
// deadline, and returns the ids of GET requests that expired across all
// sessions (caller ACKs each with Timeout, §7).
func (m *Manager) SweepTimeouts(now time.Time, nowUs uint64) []GetTimeout {
	m.mu.RLock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.RUnlock()

	var expiredGets []GetTimeout
	for _, s := range snapshot {
		switch s.State() {
		case StateHello:
			if now.Sub(s.ConnectedAt) > s.Caps.HandshakeTimeout {
				m.closeSession(s, CloseHandshakeTimeout)
				continue
			}
		case StateReady:
			lastHeard := time.UnixMicro(int64(s.LastHeardUs))
			if s.LastHeardUs > 0 && now.Sub(lastHeard) > s.Caps.IdleTimeout {
				m.closeSession(s, CloseIdleTimeout)
				continue
			}
		case StateDraining:
			if s.Outbound.Len() == 0 {
				m.closeSession(s, CloseDrainComplete)
				continue
			}
		}
		for _, id := range s.ExpiredGets(now) {
			expiredGets = append(expiredGets, GetTimeout{Session: s, ID: id})
		}
	}
	return expiredGets
}

func newSessionID() store.SessionID {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return store.SessionID(hex.EncodeToString(b[:]))
}
