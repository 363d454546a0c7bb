package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/aegisops/backend/internal/agents"
	"github.com/aegisops/backend/internal/api"
	"github.com/aegisops/backend/internal/config"
	"github.com/aegisops/backend/internal/decision"
	"github.com/aegisops/backend/internal/diagnostics"
	"github.com/aegisops/backend/internal/engine"
	"github.com/aegisops/backend/internal/events"
	"github.com/aegisops/backend/internal/guardian"
	"github.com/aegisops/backend/internal/infra"
	"github.com/aegisops/backend/internal/ledger"
	"github.com/aegisops/backend/internal/metrics"
	"github.com/aegisops/backend/internal/webhooks"
	"github.com/aegisops/backend/pb"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	setupLogging(cfg.Server.Env)
	logger := slog.Default()
	logger.Info("starting aegis decision engine", "env", cfg.Server.Env, "port", cfg.Server.Port)

	mets := metrics.New()

	// --- Approval ledger ---
	store, backend := buildLedgerStore(cfg, logger)
	ledgerOpts := []ledger.Option{ledger.WithMetrics(mets)}
	if cfg.Ledger.AuditMirror {
		// Real deployments dial the audit service and plug its client in
		// here; the mock keeps the mirror path exercised without one.
		ledgerOpts = append(ledgerOpts, ledger.WithMirror(ledger.NewAuditMirror(&pb.MockAuditClient{})))
	}
	ledgerSvc := ledger.NewService(store, backend, logger, ledgerOpts...)
	defer ledgerSvc.Close()

	// --- Decision matrix and guardian monitor ---
	matrix := decision.NewMatrix()
	monitor := guardian.NewMonitor(ledgerSvc)

	// --- Event bus ---
	var (
		emitter events.EventEmitter
		stream  api.EventStream
	)
	if cfg.Events.PubSubProject != "" {
		bus, err := events.NewPubSubEventBus(cfg.Events.PubSubProject, cfg.Events.PubSubTopic)
		if err != nil {
			log.Fatalf("Failed to connect to Pub/Sub: %v", err)
		}
		defer bus.Close()
		emitter, stream = bus, bus
	} else {
		bus := events.NewEventBus()
		emitter, stream = bus, bus
	}

	// --- State cache (Redis with in-memory fallback) ---
	var cache infra.Cache = infra.NewMemoryCache()
	var redisAdapter *infra.GoRedisAdapter
	if cfg.Redis.Addr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("Redis unavailable, using in-memory cache", "error", err)
		} else {
			cache = adapter
			redisAdapter = adapter
			defer adapter.Close()
		}
	}
	stateCache := infra.NewStateCache(cache, logger)

	// --- Guardian notifications ---
	registry := webhooks.NewRegistry()
	dispatcher := webhooks.NewDispatcher(registry, cfg.Webhooks.Workers)
	defer dispatcher.Shutdown()

	// --- Engine ---
	eng := engine.New(matrix, monitor, ledgerSvc,
		engine.WithEmitter(emitter),
		engine.WithNotifier(dispatcher),
		engine.WithStateCache(stateCache),
		engine.WithMetrics(mets),
	)
	monitor.OnLevelChange(eng.HandleLevelChange)

	// --- Diagnostics and self-healing ---
	var healer *diagnostics.Healer
	if cfg.Diagnostics.EnableHealing {
		healer = diagnostics.NewHealer(nil, eng, mets, logger)
	}
	runner := diagnostics.NewRunner(
		diagnostics.DefaultChecks(cfg.Diagnostics.DiskPath),
		healer,
		cfg.DiagnosticsInterval(),
		mets,
		logger,
	)
	runner.OnIncident(func(inc diagnostics.Incident) {
		evType, whType := events.TypeIncidentOpened, webhooks.EventIncidentOpened
		if inc.Status == "resolved" {
			evType, whType = events.TypeIncidentResolved, webhooks.EventIncidentResolved
		}
		data := map[string]interface{}{
			"incident_id": inc.IncidentID,
			"component":   inc.Component,
			"severity":    inc.Severity,
			"status":      inc.Status,
			"detail":      inc.Detail,
		}
		emitter.Emit(evType, "/diagnostics", inc.IncidentID, data)
		dispatcher.Emit(whType, inc.IncidentID, data)
	})
	monitor.SetIncidentSource(runner)
	runner.Start()
	defer runner.Stop()

	// --- Monitoring agents ---
	var agentSys *agents.System
	if cfg.Agents.Enabled {
		agentSys = buildAgents(cfg, monitor, matrix, ledgerSvc, redisAdapter, logger)
		agentSys.StartAll()
		defer agentSys.StopAll()
	}

	// --- HTTP server ---
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      api.NewServer(eng, runner, agentSys, registry, stream, cfg.Guardian.DefaultGuardianID).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutdown signal received, draining")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	logger.Info("server stopped")
}

func setupLogging(env string) {
	if env == "production" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))
		return
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

func buildLedgerStore(cfg *config.Config, logger *slog.Logger) (ledger.Store, string) {
	switch cfg.Ledger.Backend {
	case "postgres":
		store, err := ledger.NewPostgresStore(cfg.Ledger.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open Postgres ledger: %v", err)
		}
		logger.Info("approval ledger backend", "backend", "postgres")
		return store, "postgres"
	case "file":
		path := cfg.Ledger.FilePath
		if path == "" {
			path = "approvals.ledger"
		}
		store, err := ledger.NewFileStore(path)
		if err != nil {
			log.Fatalf("Failed to open ledger file: %v", err)
		}
		logger.Info("approval ledger backend", "backend", "file", "path", path)
		return store, "file"
	default:
		logger.Warn("approval ledger backend is in-memory; approvals will not survive restart")
		return ledger.NewMemoryStore(), "memory"
	}
}

func buildAgents(cfg *config.Config, monitor *guardian.Monitor, matrix *decision.Matrix, ledgerSvc *ledger.Service, redisAdapter *infra.GoRedisAdapter, logger *slog.Logger) *agents.System {
	probes := []agents.ComponentProbe{
		{Name: "ledger", Probe: func(ctx context.Context) error {
			_, err := ledgerSvc.GetStats(ctx)
			return err
		}},
	}
	if redisAdapter != nil {
		probes = append(probes, agents.ComponentProbe{Name: "redis", Probe: redisAdapter.Ping})
	}

	return agents.NewSystem(logger,
		agents.NewAgent(agents.NewPerformanceCollector(cfg.Diagnostics.DiskPath), agents.PerformanceInterval, monitor, logger),
		agents.NewAgent(agents.NewSecurityCollector(), agents.SecurityInterval, monitor, logger),
		agents.NewAgent(agents.NewHealthCollector(probes...), agents.HealthInterval, monitor, logger),
		agents.NewAgent(agents.NewDecisionCollector(matrix), agents.DecisionInterval, monitor, logger),
	)
}
