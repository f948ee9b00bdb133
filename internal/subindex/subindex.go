// Package subindex implements CLASP's subscription index (C7, §4.7):
// pattern -> set of sessions, with fast matches_for(address) lookup and
// per-subscription throttling/coalescing.
//
// The fanout-hot lookup path is grounded in
// ws/internal/shared/connection.go's SubscriptionIndex: an atomic.Value
// holding an immutable slice snapshot, replaced copy-on-write under a
// serializing mutex so readers never block. The teacher's version keys
// subscriptions by exact channel string; this generalizes the same
// technique to compiled glob Patterns, since CLASP subscriptions are not
// exact-match.
package subindex

import (
	"sync"
	"sync/atomic"

	"github.com/lumencanvas/clasp-sub004/internal/address"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/value"
	"golang.org/x/time/rate"
)

type SubscriptionID string

// Subscription is a live subscription's immutable identity plus mutable
// throttle/coalescing state (§3, §4.7).
type Subscription struct {
	ID        SubscriptionID
	Session   store.SessionID
	Pattern   address.Pattern
	MaxRateHz float64
	Epsilon   float64

	throttleMu sync.Mutex
	limiters   map[string]*rate.Limiter
	lastValue  map[string]value.Value
	pending    map[string]value.Value // coalesced value awaiting eventual delivery (P8)
}

func newSubscription(id SubscriptionID, session store.SessionID, pat address.Pattern, maxRate, epsilon float64) *Subscription {
	return &Subscription{
		ID:        id,
		Session:   session,
		Pattern:   pat,
		MaxRateHz: maxRate,
		Epsilon:   epsilon,
		limiters:  make(map[string]*rate.Limiter),
		lastValue: make(map[string]value.Value),
		pending:   make(map[string]value.Value),
	}
}

func (s *Subscription) limiterFor(addr string) *rate.Limiter {
	l, ok := s.limiters[addr]
	if !ok {
		// Burst of 1: "at most one delivery per 1/rate seconds" (§4.7).
		l = rate.NewLimiter(rate.Limit(s.MaxRateHz), 1)
		s.limiters[addr] = l
	}
	return l
}

// Decision is the outcome of evaluating whether a publish should be
// delivered to a subscription right now.
type Decision int

const (
	Deliver Decision = iota
	Suppress
	DropHard // Event excess beyond max_rate_hz: dropped, never delivered
)

// Evaluate applies throttling (max_rate_hz) and epsilon gating (§4.7) for a
// single address's new value against this subscription, coalescing
// suppressed values so SweepPending can eventually flush the latest one.
func (s *Subscription) Evaluate(kind store.SignalKind, addr string, v value.Value) Decision {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()

	if kind == store.SignalParam && s.Epsilon > 0 {
		if last, ok := s.lastValue[addr]; ok {
			newN, newOK := v.Numeric()
			lastN, lastOK := last.Numeric()
			if newOK && lastOK {
				delta := newN - lastN
				if delta < 0 {
					delta = -delta
				}
				if delta < s.Epsilon {
					s.pending[addr] = v
					return Suppress
				}
			}
		}
	}

	if s.MaxRateHz > 0 {
		limiter := s.limiterFor(addr)
		if !limiter.Allow() {
			if kind == store.SignalEvent {
				return DropHard
			}
			s.pending[addr] = v
			return Suppress
		}
	}

	delete(s.pending, addr)
	s.lastValue[addr] = v
	return Deliver
}

// DrainPending returns and clears any coalesced values now eligible for
// delivery (rate limiter token available), satisfying P8's "no permanent
// staleness" guarantee via periodic sweep rather than per-key timers.
func (s *Subscription) DrainPending() map[string]value.Value {
	s.throttleMu.Lock()
	defer s.throttleMu.Unlock()

	if len(s.pending) == 0 {
		return nil
	}
	out := make(map[string]value.Value, len(s.pending))
	for addr, v := range s.pending {
		if s.MaxRateHz > 0 && !s.limiterFor(addr).Allow() {
			continue
		}
		out[addr] = v
		s.lastValue[addr] = v
		delete(s.pending, addr)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Index maintains the pattern -> subscription mapping and the inverted
// address -> matching-subscriptions lookup (§4.7).
type Index struct {
	writeMu sync.Mutex // serializes Add/Remove; readers use the atomic snapshot
	snap    atomic.Value // []*Subscription

	bySession map[store.SessionID]map[SubscriptionID]*Subscription
}

func New() *Index {
	idx := &Index{bySession: make(map[store.SessionID]map[SubscriptionID]*Subscription)}
	idx.snap.Store([]*Subscription{})
	return idx
}

func (idx *Index) current() []*Subscription {
	return idx.snap.Load().([]*Subscription)
}

// Add registers a new subscription, authorized by the caller before this is
// reached (§4.7: "authorize read on every address currently or potentially
// matched").
func (idx *Index) Add(id SubscriptionID, session store.SessionID, pat address.Pattern, maxRateHz, epsilon float64) *Subscription {
	sub := newSubscription(id, session, pat, maxRateHz, epsilon)

	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current()
	next := make([]*Subscription, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, sub)
	idx.snap.Store(next)

	if idx.bySession[session] == nil {
		idx.bySession[session] = make(map[SubscriptionID]*Subscription)
	}
	idx.bySession[session][id] = sub
	return sub
}

// Remove unregisters a subscription by (session, id). Safe to call if
// already absent.
func (idx *Index) Remove(session store.SessionID, id SubscriptionID) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current()
	next := make([]*Subscription, 0, len(cur))
	for _, s := range cur {
		if s.Session == session && s.ID == id {
			continue
		}
		next = append(next, s)
	}
	idx.snap.Store(next)

	if m, ok := idx.bySession[session]; ok {
		delete(m, id)
		if len(m) == 0 {
			delete(idx.bySession, session)
		}
	}
}

// RemoveSession unregisters every subscription belonging to session
// (§5: "the session is removed from the subscription index before the
// outbound queue drains, so no further deliveries are attempted").
func (idx *Index) RemoveSession(session store.SessionID) {
	idx.writeMu.Lock()
	defer idx.writeMu.Unlock()

	cur := idx.current()
	next := make([]*Subscription, 0, len(cur))
	for _, s := range cur {
		if s.Session != session {
			next = append(next, s)
		}
	}
	idx.snap.Store(next)
	delete(idx.bySession, session)
}

// MatchesFor returns every subscription whose pattern matches addr
// (§4.2's matches_for), read lock-free off the current snapshot.
func (idx *Index) MatchesFor(addr string) []*Subscription {
	cur := idx.current()
	out := make([]*Subscription, 0, len(cur))
	for _, s := range cur {
		if s.Pattern.Matches(addr) {
			out = append(out, s)
		}
	}
	return out
}

// All returns every live subscription, for sweep/metrics purposes.
func (idx *Index) All() []*Subscription {
	return idx.current()
}

// Count returns the number of live subscriptions (observability, §6).
func (idx *Index) Count() int {
	return len(idx.current())
}

// SweepPending flushes coalesced pending values across every subscription,
// calling deliver(sub, addr, value) for each one now eligible (P8). Meant
// to be invoked on a ticker driven by the dispatcher/router.
func (idx *Index) SweepPending(deliver func(sub *Subscription, addr string, v value.Value)) {
	for _, sub := range idx.current() {
		for addr, v := range sub.DrainPending() {
			deliver(sub, addr, v)
		}
	}
}
