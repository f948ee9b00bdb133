// Command claspd is the reference CLASP router binary: it loads
// configuration, wires the session/store/dispatch/scheduler stack behind
// internal/router.Router, terminates WebSocket connections with
// internal/transport/wsbridge, and serves Prometheus metrics.
//
// Grounded in ws/cmd/single/main.go's startup sequence: automaxprocs,
// config load, server construction, Start, signal wait, graceful
// Shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/lumencanvas/clasp-sub004/internal/auth"
	"github.com/lumencanvas/clasp-sub004/internal/config"
	"github.com/lumencanvas/clasp-sub004/internal/journal"
	"github.com/lumencanvas/clasp-sub004/internal/logging"
	"github.com/lumencanvas/clasp-sub004/internal/metrics"
	"github.com/lumencanvas/clasp-sub004/internal/router"
	"github.com/lumencanvas/clasp-sub004/internal/session"
	"github.com/lumencanvas/clasp-sub004/internal/transport/wsbridge"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	cfg, err := config.Load(nil)
	if err != nil {
		os.Stderr.WriteString("claspd: config: " + err.Error() + "\n")
		os.Exit(1)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log.Info().Int("gomaxprocs", runtime.GOMAXPROCS(0)).Msg("claspd: starting")
	cfg.LogConfig(log)

	collector := metrics.NewCollector()

	jrnl, err := journal.Open(cfg.JournalPath, cfg.JournalMaxBytes)
	if err != nil {
		log.Fatal().Err(err).Msg("claspd: opening journal")
	}
	defer jrnl.Close()

	// No CredentialStore is wired by default, so this chain validates no
	// token: with CLASP_OPEN_MODE=true a HELLO without a token gets
	// admin:/**, and with the default (false) every HELLO is refused. A
	// deployment that needs scoped tokens injects a CredentialStore-backed
	// auth.CPSKValidator (and/or capability anchors) into this chain
	// before construction.
	validator := auth.NewChain()

	admission := session.NewAdmissionGuard(session.AdmissionConfig{
		MaxSessions:      cfg.MaxSessions,
		MaxCPUPercent:    cfg.MaxCPUPercent,
		MaxMemoryPercent: cfg.MaxMemoryPercent,
	})
	rateLimiter := session.NewConnectionRateLimiter(
		cfg.ConnRateGlobal, cfg.ConnRateGlobalBurst,
		cfg.ConnRatePerAddr, cfg.ConnRatePerAddrBurst,
	)

	r := router.New(router.Config{
		Log:         log,
		Validator:   validator,
		Admission:   admission,
		RateLimiter: rateLimiter,
		OpenMode:    cfg.OpenMode,
		Caps: session.Caps{
			MaxSubscriptions:   cfg.MaxSubscriptions,
			MaxOutstandingGETs: cfg.MaxOutstandingGETs,
			OutboundQueueSize:  cfg.OutboundQueueSize,
			HandshakeTimeout:   cfg.HandshakeTimeout,
			IdleTimeout:        cfg.IdleTimeout,
			GetTimeout:         cfg.GetTimeout,
		},
		Persistence:     jrnl,
		Metrics:         collector,
		MaxFramePayload: cfg.MaxFramePayloadBytes,
	})
	r.Start()

	bridge := wsbridge.New(wsbridge.Config{
		Log:            log,
		Router:         r,
		Sessions:       r.Sessions,
		RateLimiter:    r.RateLimiter,
		Admission:      admission,
		MaxConnections: int(cfg.MaxSessions),
	})

	mux := http.NewServeMux()
	mux.Handle("/clasp", bridge)
	httpServer := &http.Server{Addr: cfg.Addr, Handler: mux}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("claspd: ws listener starting")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("claspd: ws listener stopped")
		}
	}()
	go func() {
		log.Info().Str("addr", cfg.MetricsAddr).Msg("claspd: metrics listener starting")
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("claspd: metrics listener stopped")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("claspd: shutting down")
	bridge.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("claspd: router shutdown")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("claspd: ws listener shutdown")
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("claspd: metrics listener shutdown")
	}
}
