package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// perAddrLimiters keeps one token-bucket limiter per remote address, with
// idle-entry cleanup so long-running routers don't accumulate one limiter
// per ever-seen IP forever (grounded in the teacher's ipLimiterEntry TTL
// cleanup design).
type perAddrLimiters struct {
	mu       sync.Mutex
	limiters map[string]*addrEntry
	rate     float64
	burst    int
	ttl      time.Duration
}

type addrEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newPerAddrLimiters(r float64, burst int) *perAddrLimiters {
	p := &perAddrLimiters{
		limiters: make(map[string]*addrEntry),
		rate:     r,
		burst:    burst,
		ttl:      10 * time.Minute,
	}
	return p
}

func (p *perAddrLimiters) allow(addr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.limiters[addr]
	if !ok {
		e = &addrEntry{limiter: rate.NewLimiter(rate.Limit(p.rate), p.burst)}
		p.limiters[addr] = e
	}
	e.lastSeen = time.Now()
	return e.limiter.Allow()
}

// Cleanup removes limiter entries idle longer than the configured TTL;
// intended to run on a periodic ticker from the router.
func (p *perAddrLimiters) Cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	cutoff := time.Now().Add(-p.ttl)
	for addr, e := range p.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(p.limiters, addr)
		}
	}
}
