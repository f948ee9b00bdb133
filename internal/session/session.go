// Package session implements CLASP's session manager (C5, §4.5): the
// handshake state machine, the outbound queue with backpressure, and
// per-session resource caps.
package session

import (
	"sync"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/store"
)

// State is one of the handshake FSM's states (§4.5).
type State uint8

const (
	StateHello State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHello:
		return "Hello"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "unknown"
	}
}

// Caps bounds a session's resource usage (§4.5: "configurable but MUST be
// enforced").
type Caps struct {
	MaxSubscriptions  int
	MaxOutstandingGETs int
	OutboundQueueSize int
	HandshakeTimeout  time.Duration
	IdleTimeout       time.Duration
	GetTimeout        time.Duration
}

func DefaultCaps() Caps {
	return Caps{
		MaxSubscriptions:   1000,
		MaxOutstandingGETs: 64,
		OutboundQueueSize:  256,
		HandshakeTimeout:   5 * time.Second,
		IdleTimeout:        300 * time.Second,
		GetTimeout:         5 * time.Second,
	}
}

// Session is one authenticated peer connection (§3): the unit of
// authorization and subscription ownership.
type Session struct {
	ID       store.SessionID
	Name     string
	Features []string
	Scopes   auth.ScopeSet

	ConnectedAt  time.Time
	LastHeardUs  uint64

	Outbound *OutboundQueue
	Caps     Caps

	mu              sync.Mutex
	state           State
	subscriptionIDs map[string]struct{}
	outstandingGETs map[string]time.Time
}

func newSession(id store.SessionID, caps Caps) *Session {
	return &Session{
		ID:              id,
		ConnectedAt:     time.Now(),
		Caps:            caps,
		state:           StateHello,
		subscriptionIDs: make(map[string]struct{}),
		outstandingGETs: make(map[string]time.Time),
		Outbound:        NewOutboundQueue(caps.OutboundQueueSize),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// ReserveSubscriptionSlot enforces MaxSubscriptions (§4.5: exceeding a cap
// returns ResourceExhausted for the offending operation, does not
// terminate the session).
func (s *Session) ReserveSubscriptionSlot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.subscriptionIDs[id]; exists {
		return nil
	}
	if len(s.subscriptionIDs) >= s.Caps.MaxSubscriptions {
		return ErrResourceExhausted
	}
	s.subscriptionIDs[id] = struct{}{}
	return nil
}

func (s *Session) ReleaseSubscriptionSlot(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subscriptionIDs, id)
}

// ReserveGetSlot enforces MaxOutstandingGETs, returning a deadline the
// caller must honor (the GET request id), and ErrResourceExhausted if the
// cap is exceeded.
func (s *Session) ReserveGetSlot(id string) (deadline time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.outstandingGETs) >= s.Caps.MaxOutstandingGETs {
		return time.Time{}, ErrResourceExhausted
	}
	deadline = time.Now().Add(s.Caps.GetTimeout)
	s.outstandingGETs[id] = deadline
	return deadline, nil
}

func (s *Session) ReleaseGetSlot(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.outstandingGETs, id)
}

// ExpiredGets returns outstanding GET ids whose deadline has passed, for
// the caller to ACK(ok=false, Timeout) (§4.5, §7).
func (s *Session) ExpiredGets(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, deadline := range s.outstandingGETs {
		if now.After(deadline) {
			out = append(out, id)
			delete(s.outstandingGETs, id)
		}
	}
	return out
}
