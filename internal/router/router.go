// Package router is CLASP's composition root: it wires the frame codec
// (C1), address matcher (C2), value model (C3), auth chain (C4), session
// manager (C5), state store (C6), subscription index (C7), dispatcher
// (C8), and bundle scheduler (C9) into a single façade a transport adapter
// drives.
//
// Grounded in ws/internal/shared/server.go's Server: a struct owning every
// subsystem plus a background sweep loop, with Start/Shutdown managing a
// cancellable context and a WaitGroup for in-flight work, generalized from
// a single-protocol relay's Kafka+WebSocket wiring to CLASP's codec/
// store/dispatch/scheduler wiring.
package router

import (
	"context"
	"sync"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/bundle"
	"github.com/lumencanvas/clasp-sub004/internal/dispatch"
	"github.com/lumencanvas/clasp-sub004/internal/frame"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/store"
	"github.com/lumencanvas/clasp-sub004/internal/subindex"
	"github.com/rs/zerolog"
)

// Config bundles every collaborator Router needs. Metrics and Persistence
// are optional (a noop is substituted when nil).
type Config struct {
	Log         zerolog.Logger
	Validator   *auth.Chain
	Admission   *session.AdmissionGuard
	RateLimiter *session.ConnectionRateLimiter
	OpenMode    bool
	Caps        session.Caps

	StoreOptions []store.Option

	WriteRule      dispatch.WriteRuleHook
	SnapshotFilter dispatch.SnapshotFilterHook
	Persistence    dispatch.PersistenceHook
	Metrics        dispatch.Metrics

	MaxFramePayload int

	SweepInterval time.Duration // TTL expiry + pending-delivery sweep cadence
}

// Router owns the live session table, state store, subscription index,
// dispatcher, and scheduler, and is what a transport adapter calls into
// per inbound frame.
type Router struct {
	log         zerolog.Logger
	Sessions    *session.Manager
	Store       *store.Store
	Subs        *subindex.Index
	Dispatch    *dispatch.Dispatcher
	Scheduler   *bundle.Scheduler
	RateLimiter *session.ConnectionRateLimiter

	maxFramePayload int

	sweepInterval time.Duration
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

func New(cfg Config) *Router {
	st := store.New(cfg.StoreOptions...)
	subs := subindex.New()

	sweepInterval := cfg.SweepInterval
	if sweepInterval == 0 {
		sweepInterval = time.Second
	}
	maxPayload := cfg.MaxFramePayload
	if maxPayload == 0 {
		maxPayload = frame.DefaultMaxPayload
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Router{
		log:             cfg.Log,
		Store:           st,
		Subs:            subs,
		RateLimiter:     cfg.RateLimiter,
		maxFramePayload: maxPayload,
		sweepInterval:   sweepInterval,
		ctx:             ctx,
		cancel:          cancel,
	}

	r.Sessions = session.NewManager(cfg.Log, session.ManagerConfig{
		Validator: cfg.Validator,
		Admission: cfg.Admission,
		OpenMode:  cfg.OpenMode,
		Caps:      cfg.Caps,
		OnClose: func(sess *session.Session, reason session.CloseReason) {
			subs.RemoveSession(sess.ID)
		},
	})

	r.Dispatch = dispatch.New(cfg.Log, dispatch.Config{
		Store:          st,
		Subs:           subs,
		Sessions:       r.Sessions,
		WriteRule:      cfg.WriteRule,
		SnapshotFilter: cfg.SnapshotFilter,
		Persistence:    cfg.Persistence,
		Clock:          store.SystemClock,
		Metrics:        cfg.Metrics,
	})

	r.Scheduler = bundle.New(func() uint64 { return store.SystemClock() })

	return r
}

// MaxFramePayload is the configured decode-side payload ceiling (§4.1).
func (r *Router) MaxFramePayload() int { return r.maxFramePayload }

// Start launches the background sweep loop (TTL expiry, timeout sweep,
// pending-delivery flush). Call once; Shutdown stops it.
func (r *Router) Start() {
	r.wg.Add(1)
	go r.sweepLoop()
}

func (r *Router) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			nowUs := store.SystemClock()
			for _, timeout := range r.Sessions.SweepTimeouts(now, nowUs) {
				r.send(timeout.Session, frame.Ack{ID: timeout.ID, OK: false, Code: "Timeout"})
			}
			for _, expired := range r.Store.ExpireDue(nowUs) {
				r.Dispatch.FanoutExpiry(expired.Address, nowUs)
			}
			r.Dispatch.DeliverPendingSweep()
			if r.RateLimiter != nil {
				r.RateLimiter.Cleanup()
			}
		}
	}
}

// Shutdown drains every Ready session to Draining, stops the sweep loop
// and scheduler, and waits for in-flight background work to finish
// (§5: in-flight operations are allowed to complete; scheduled bundles
// from closed sessions are not cancelled).
func (r *Router) Shutdown(ctx context.Context) error {
	r.log.Info().Msg("router: initiating graceful shutdown")
	r.Sessions.Drain()
	r.cancel()
	r.Scheduler.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
