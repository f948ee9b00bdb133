// Package store implements CLASP's state store (C6, §4.6): per-address
// ParamState with revisions, writer identity, TTL, and pluggable conflict
// policies, plus Gesture/Timeline/Event/Stream signal-kind handling.
package store

import (
	"errors"
	"sync"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/value"
)

type SessionID string

// SignalKind distinguishes storage/delivery policy (§3, §4.6).
type SignalKind uint8

const (
	SignalParam SignalKind = iota
	SignalEvent
	SignalStream
	SignalGesture
	SignalTimeline
)

// ParamState is the store's unit of state, one per concrete address
// holding a Param (§3).
type ParamState struct {
	Address       string
	Value         value.Value
	Revision      uint64
	Writer        SessionID
	TimestampUs   uint64
	TTLDeadlineUs *uint64
	Lock          *SessionID
}

// Errors surfaced by store operations, mapped onto §7's taxonomy by the
// dispatcher.
var (
	ErrLocked             = errors.New("store: address locked by another session")
	ErrNoMergeFn          = errors.New("store: no merge function registered for address")
	ErrNotNumericForPolicy = errors.New("store: max/min conflict policy requires numeric values")
	ErrNotFound           = errors.New("store: address not found")
)

// ConflictPolicyKind selects how concurrent SETs at an address resolve
// (§4.6).
type ConflictPolicyKind uint8

const (
	PolicyLWW ConflictPolicyKind = iota
	PolicyMax
	PolicyMin
	PolicyMerge
)

// MergeFunc resolves a SET against the current value under PolicyMerge.
type MergeFunc func(old, incoming value.Value) (value.Value, error)

// ConflictPolicy configures set_param's resolution rule for one address (or
// the store-wide default).
type ConflictPolicy struct {
	Kind  ConflictPolicyKind
	Merge MergeFunc
}

// Clock returns the router's microsecond clock; overridable for tests.
type Clock func() uint64

func SystemClock() uint64 { return uint64(time.Now().UnixMicro()) }

type gestureState struct {
	phase string
	value value.Value
}

// Store holds every address's ParamState plus a Gesture side-table keeping
// the last phase/value per gesture id (§4.6). Timeline envelopes are not
// stored: a Timeline publish is only fanned out. A single
// RWMutex gives per-address write linearizability (stricter than required)
// and lets snapshot take a consistent read-lock view in one linearization
// point (§4.6's snapshot-consistency requirement, option (a) of §5).
type Store struct {
	mu       sync.RWMutex
	params   map[string]*ParamState
	gestures map[string]gestureState

	defaultPolicy  ConflictPolicy
	addressPolicy  map[string]ConflictPolicy
	paramTTL       time.Duration // 0 disables TTL
	clock          Clock
}

type Option func(*Store)

func WithDefaultPolicy(p ConflictPolicy) Option {
	return func(s *Store) { s.defaultPolicy = p }
}

func WithAddressPolicy(addr string, p ConflictPolicy) Option {
	return func(s *Store) { s.addressPolicy[addr] = p }
}

func WithParamTTL(d time.Duration) Option {
	return func(s *Store) { s.paramTTL = d }
}

func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

func New(opts ...Option) *Store {
	s := &Store{
		params:        make(map[string]*ParamState),
		gestures:      make(map[string]gestureState),
		addressPolicy: make(map[string]ConflictPolicy),
		clock:         SystemClock,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) policyFor(addr string) ConflictPolicy {
	if p, ok := s.addressPolicy[addr]; ok {
		return p
	}
	return s.defaultPolicy
}

// SetParam applies the address's conflict policy and allocates a new
// revision (§4.6). changed reports whether the stored value actually
// differed, per P9: identical repeated SETs must not bump revision or fan
// out.
func (s *Store) SetParam(addr string, incoming value.Value, writer SessionID) (st ParamState, changed bool, err error) {
	if err := address.Validate(addr); err != nil {
		return ParamState{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.params[addr]
	if ok && existing.Lock != nil && *existing.Lock != writer {
		return ParamState{}, false, ErrLocked
	}

	policy := s.policyFor(addr)
	resolved := incoming
	if ok {
		resolved, err = resolve(policy, existing.Value, incoming)
		if err != nil {
			return ParamState{}, false, err
		}
	}

	if ok && resolved.Equal(existing.Value) {
		return *existing, false, nil
	}

	now := s.clock()
	rev := uint64(1)
	if ok {
		rev = existing.Revision + 1
	}
	var ttl *uint64
	if s.paramTTL > 0 {
		deadline := now + uint64(s.paramTTL.Microseconds())
		ttl = &deadline
	}

	var lock *SessionID
	if ok {
		lock = existing.Lock
	}

	newState := ParamState{
		Address:       addr,
		Value:         resolved,
		Revision:      rev,
		Writer:        writer,
		TimestampUs:   now,
		TTLDeadlineUs: ttl,
		Lock:          lock,
	}
	s.params[addr] = &newState
	return newState, true, nil
}

// BatchWrite is one write within an atomic batch (§4.9 Bundle handling).
type BatchWrite struct {
	Address string
	Value   value.Value
	Writer  SessionID
}

// ApplyBatch applies every write in the batch under a single critical
// section, so a Bundle's writes are indivisible with respect to any other
// concurrent SetParam/ApplyBatch call (P5 bundle atomicity). A lock
// conflict or a conflict-policy error on any entry aborts the whole batch
// with no partial effect. nowUs overrides the store's clock for every entry's
// timestamp (0 means use the store's clock); a fired scheduled bundle
// passes its deliver_at_us here (§4.9).
func (s *Store) ApplyBatch(writes []BatchWrite, nowUs uint64) (states []ParamState, changed []bool, err error) {
	for _, w := range writes {
		if err := address.Validate(w.Address); err != nil {
			return nil, nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range writes {
		if existing, ok := s.params[w.Address]; ok && existing.Lock != nil && *existing.Lock != w.Writer {
			return nil, nil, ErrLocked
		}
	}

	states = make([]ParamState, len(writes))
	changed = make([]bool, len(writes))
	now := nowUs
	if now == 0 {
		now = s.clock()
	}
	saved := make(map[string]*ParamState)
	for i, w := range writes {
		existing, ok := s.params[w.Address]
		policy := s.policyFor(w.Address)
		resolved := w.Value
		if ok {
			resolved, err = resolve(policy, existing.Value, w.Value)
			if err != nil {
				// Restore every entry this batch already wrote.
				for addr, prev := range saved {
					if prev == nil {
						delete(s.params, addr)
					} else {
						s.params[addr] = prev
					}
				}
				return nil, nil, err
			}
		}
		if ok && resolved.Equal(existing.Value) {
			states[i] = *existing
			changed[i] = false
			continue
		}

		rev := uint64(1)
		var lock *SessionID
		if ok {
			rev = existing.Revision + 1
			lock = existing.Lock
		}
		var ttl *uint64
		if s.paramTTL > 0 {
			deadline := now + uint64(s.paramTTL.Microseconds())
			ttl = &deadline
		}
		newState := ParamState{
			Address:       w.Address,
			Value:         resolved,
			Revision:      rev,
			Writer:        w.Writer,
			TimestampUs:   now,
			TTLDeadlineUs: ttl,
			Lock:          lock,
		}
		if _, seen := saved[w.Address]; !seen {
			saved[w.Address] = existing
		}
		s.params[w.Address] = &newState
		states[i] = newState
		changed[i] = true
	}
	return states, changed, nil
}

func resolve(policy ConflictPolicy, old, incoming value.Value) (value.Value, error) {
	switch policy.Kind {
	case PolicyMax, PolicyMin:
		oldN, okOld := old.Numeric()
		newN, okNew := incoming.Numeric()
		if !okOld || !okNew {
			return value.Value{}, ErrNotNumericForPolicy
		}
		if policy.Kind == PolicyMax {
			if newN > oldN {
				return incoming, nil
			}
			return old, nil
		}
		if newN < oldN {
			return incoming, nil
		}
		return old, nil
	case PolicyMerge:
		if policy.Merge == nil {
			return value.Value{}, ErrNoMergeFn
		}
		return policy.Merge(old, incoming)
	default: // PolicyLWW
		return incoming, nil
	}
}

// Get returns the current ParamState at addr, or ok=false if absent.
func (s *Store) Get(addr string) (ParamState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.params[addr]
	if !ok {
		return ParamState{}, false
	}
	return *st, true
}

// Snapshot returns every ParamState matching pattern and visible under
// visible, taken under a single read-lock so the result is consistent with
// one linearization point (§4.6 P2).
func (s *Store) Snapshot(pattern address.Pattern, visible func(addr string) bool) []ParamState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ParamState, 0)
	for addr, st := range s.params {
		if !pattern.Matches(addr) {
			continue
		}
		if visible != nil && !visible(addr) {
			continue
		}
		out = append(out, *st)
	}
	return out
}

// AcquireLock grants addr's write lock to session if unheld (§4.6: first
// acquirer wins).
func (s *Store) AcquireLock(addr string, session SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.params[addr]
	if !ok {
		st = &ParamState{Address: addr}
		s.params[addr] = st
	}
	if st.Lock != nil && *st.Lock != session {
		return ErrLocked
	}
	sess := session
	st.Lock = &sess
	return nil
}

// ReleaseLock releases addr's write lock if held by session.
func (s *Store) ReleaseLock(addr string, session SessionID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.params[addr]
	if !ok || st.Lock == nil || *st.Lock != session {
		return nil
	}
	st.Lock = nil
	return nil
}

// GesturePhase records a Gesture's current phase/value, keeping only the
// last "update" per gesture id (§4.6 signal-kind policy table).
func (s *Store) GesturePhase(id string, phase string, v value.Value) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gestures[id] = gestureState{phase: phase, value: v}
}

// ExpiredEntry describes a ParamState dropped by TTL expiry.
type ExpiredEntry struct {
	Address string
}

// ExpireDue drops every ParamState whose TTL deadline has passed, returning
// the addresses removed so the caller (dispatcher) can publish expiry
// notifications (§4.6, Open Question on TTL semantics resolved as: yes,
// signal=event with null payload).
func (s *Store) ExpireDue(nowUs uint64) []ExpiredEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []ExpiredEntry
	for addr, st := range s.params {
		if st.TTLDeadlineUs != nil && *st.TTLDeadlineUs <= nowUs {
			delete(s.params, addr)
			expired = append(expired, ExpiredEntry{Address: addr})
		}
	}
	return expired
}
