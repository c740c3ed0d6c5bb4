package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	hghttp "github.com/hivegrid/hivegrid/internal/adapter/http"
	hgnats "github.com/hivegrid/hivegrid/internal/adapter/nats"
	otelx "github.com/hivegrid/hivegrid/internal/adapter/otel"
	"github.com/hivegrid/hivegrid/internal/adapter/ristretto"
	"github.com/hivegrid/hivegrid/internal/adapter/ws"
	"github.com/hivegrid/hivegrid/internal/config"
	"github.com/hivegrid/hivegrid/internal/logger"
	"github.com/hivegrid/hivegrid/internal/port/executor"
	"github.com/hivegrid/hivegrid/internal/resilience"
	"github.com/hivegrid/hivegrid/internal/service"
)

// coordinatorID is the protocol address of the node itself.
const coordinatorID = "coordinator"

func main() {
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"nats_url", cfg.NATS.URL,
	)

	ctx := context.Background()

	// --- Observability ---
	shutdownOtel, err := otelx.Setup(ctx, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOtel(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	metrics, err := otelx.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---
	transport, err := hgnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = transport.Close() }()

	dedupe, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.DedupeTTL)
	if err != nil {
		return fmt.Errorf("dedupe cache: %w", err)
	}
	defer dedupe.Close()

	// --- Communication ---
	security := service.NewSecurityManager(cfg.Security.MasterSecret)
	router := service.NewRouter()
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	proto := service.NewProtocol(coordinatorID, cfg.Comm, router, security, transport, dedupe, breaker, metrics)
	router.Register(coordinatorID, coordinatorID)
	if err := proto.Attach(ctx, coordinatorID); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	defer proto.Stop()

	// --- Coordination ---
	hub := ws.NewHub()

	delegation := service.NewDelegationManager(cfg.Delegation, hub, metrics)
	delegation.Start(ctx)
	defer delegation.Stop()

	arb := service.NewRemoteArbiter(proto, cfg.Comm.RequestTimeout)
	resolvers := []service.Resolver{
		service.NewPriorityResolver(nil),
		service.FirstComeResolver{},
		service.NewAuctionResolver(arb),
		service.NewNegotiationResolver(nil),
		service.NewVotingResolver(arb),
	}

	conflicts := service.NewConflictManager(cfg.Conflict, service.NewDetector(nil), resolvers, hub, metrics)
	conflicts.Start(ctx, func() service.DetectSnapshot {
		return service.DetectSnapshot{
			Tasks:     delegation.ActiveTasks(),
			Pending:   delegation.PendingTasks(),
			Resources: conflicts.Resources(),
			Now:       time.Now(),
		}
	})
	defer conflicts.Stop()

	// Agents registered over the API run tasks through the protocol.
	factory := func(agentID string) executor.Executor {
		router.Register(agentID, agentID)
		return service.NewRemoteExecutor(proto, agentID, cfg.Comm.RequestTimeout)
	}

	// --- HTTP ---
	handlers := hghttp.NewHandlers(delegation, conflicts, factory)

	r := chi.NewRouter()
	r.Use(hghttp.CORS(cfg.Server.CORSOrigin))
	r.Use(hghttp.SecurityHeaders)
	r.Use(hghttp.RequestID)
	r.Use(hghttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/health", handlers.Health)
	r.Get("/ws", hub.HandleWS)
	hghttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
