package session

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"golang.org/x/time/rate"
)

// AdmissionConfig configures AdmissionGuard's static + dynamic ceilings.
// Grounded in ws/internal/shared/limits/resource_guard.go's ResourceGuard,
// generalized from a single-purpose WebSocket relay's connection gate to
// CLASP's session handshake admission check (SPEC_FULL.md "Admission
// control on the session manager").
type AdmissionConfig struct {
	MaxSessions      int64
	MaxCPUPercent    float64 // 0 disables the CPU check
	MaxMemoryPercent float64 // 0 disables the memory check
}

// AdmissionGuard gates new Hello handshakes on configured session-count,
// CPU, and memory ceilings, refusing admission with ResourceExhausted
// before a Session is even created.
type AdmissionGuard struct {
	cfg           AdmissionConfig
	currentCount  int64
	sampleCPU     func() (float64, error)
	sampleMemory  func() (float64, error)
}

func NewAdmissionGuard(cfg AdmissionConfig) *AdmissionGuard {
	return &AdmissionGuard{
		cfg: cfg,
		sampleCPU: func() (float64, error) {
			percents, err := cpu.Percent(0, false)
			if err != nil || len(percents) == 0 {
				return 0, err
			}
			return percents[0], nil
		},
		sampleMemory: func() (float64, error) {
			vm, err := mem.VirtualMemory()
			if err != nil {
				return 0, err
			}
			return vm.UsedPercent, nil
		},
	}
}

// ShouldAccept reports whether a new session may be admitted, and a reason
// string for logging/metrics when it may not (mirrors the teacher's
// ShouldAcceptConnection(reason string) shape).
func (g *AdmissionGuard) ShouldAccept() (bool, string) {
	if g.cfg.MaxSessions > 0 && atomic.LoadInt64(&g.currentCount) >= g.cfg.MaxSessions {
		return false, "max_sessions"
	}
	if g.cfg.MaxCPUPercent > 0 {
		if pct, err := g.sampleCPU(); err == nil && pct > g.cfg.MaxCPUPercent {
			return false, "cpu_overload"
		}
	}
	if g.cfg.MaxMemoryPercent > 0 {
		if pct, err := g.sampleMemory(); err == nil && pct > g.cfg.MaxMemoryPercent {
			return false, "memory_overload"
		}
	}
	return true, ""
}

func (g *AdmissionGuard) SessionAdmitted() { atomic.AddInt64(&g.currentCount, 1) }
func (g *AdmissionGuard) SessionClosed()   { atomic.AddInt64(&g.currentCount, -1) }
func (g *AdmissionGuard) CurrentCount() int64 { return atomic.LoadInt64(&g.currentCount) }

// ConnectionRateLimiter bounds handshake-accept rate globally and per
// remote address, grounded in
// ws/internal/shared/limits/connection_rate_limiter.go's per-IP + global
// token-bucket design.
type ConnectionRateLimiter struct {
	global  *rate.Limiter
	perAddr *perAddrLimiters
}

func NewConnectionRateLimiter(globalRate float64, globalBurst int, perAddrRate float64, perAddrBurst int) *ConnectionRateLimiter {
	return &ConnectionRateLimiter{
		global:  rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		perAddr: newPerAddrLimiters(perAddrRate, perAddrBurst),
	}
}

// Allow reports whether a new connection attempt from remoteAddr may
// proceed to the handshake.
func (c *ConnectionRateLimiter) Allow(remoteAddr string) bool {
	if !c.global.Allow() {
		return false
	}
	return c.perAddr.allow(remoteAddr)
}

// Cleanup evicts per-address limiter entries idle past their TTL, so a
// long-running router doesn't accumulate one limiter per ever-seen
// address forever. Intended to run on the router's periodic sweep.
func (c *ConnectionRateLimiter) Cleanup() {
	c.perAddr.Cleanup()
}
