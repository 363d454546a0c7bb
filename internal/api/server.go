// Package api exposes the decision engine over REST/JSON plus a
// websocket event stream and the Prometheus scrape endpoint.
package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisops/backend/internal/agents"
	"github.com/aegisops/backend/internal/diagnostics"
	"github.com/aegisops/backend/internal/engine"
	"github.com/aegisops/backend/internal/events"
	"github.com/aegisops/backend/internal/webhooks"
)

// EventStream is the subscription surface the websocket handler needs.
// Both the in-memory EventBus and PubSubEventBus satisfy it.
type EventStream interface {
	Subscribe(eventTypes ...string) chan *events.CloudEvent
	Unsubscribe(ch chan *events.CloudEvent)
}

// Server holds handler dependencies.
type Server struct {
	engine    *engine.Engine
	runner    *diagnostics.Runner
	agentSys  *agents.System
	registry  *webhooks.Registry
	stream    EventStream
	guardian  string // default guardian id for unattributed overrides
	logger    *log.Logger
	startedAt time.Time
}

// NewServer wires the REST surface. runner, agentSys, registry, and
// stream may be nil; their endpoints then report unavailable.
func NewServer(eng *engine.Engine, runner *diagnostics.Runner, agentSys *agents.System, registry *webhooks.Registry, stream EventStream, defaultGuardian string) *Server {
	return &Server{
		engine:    eng,
		runner:    runner,
		agentSys:  agentSys,
		registry:  registry,
		stream:    stream,
		guardian:  defaultGuardian,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
		startedAt: time.Now(),
	}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(corsMiddleware, s.loggingMiddleware)

	// Decisions
	r.HandleFunc("/api/v1/decisions", s.handleSubmitDecision).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/decisions/history", s.handleDecisionHistory).Methods("GET")
	r.HandleFunc("/api/v1/decisions/metrics", s.handleDecisionMetrics).Methods("GET")

	// Approvals
	r.HandleFunc("/api/v1/approvals", s.handleRecordApproval).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/approvals", s.handleListApprovals).Methods("GET")
	r.HandleFunc("/api/v1/approvals/stats", s.handleApprovalStats).Methods("GET")
	r.HandleFunc("/api/v1/approvals/{decision_id}", s.handleGetApproval).Methods("GET")

	// Guardian
	r.HandleFunc("/api/v1/guardian/override", s.handleRecordApproval).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/guardian/status", s.handleGuardianStatus).Methods("GET")
	r.HandleFunc("/api/v1/guardian/level/pin", s.handlePinLevel).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/guardian/level/pin", s.handleUnpinLevel).Methods("DELETE")

	// Diagnostics
	r.HandleFunc("/api/v1/diagnostics", s.handleDiagnostics).Methods("GET")
	r.HandleFunc("/api/v1/diagnostics/run", s.handleRunDiagnostics).Methods("POST", "OPTIONS")

	// Agents
	r.HandleFunc("/api/v1/agents/status", s.handleAgentStatus).Methods("GET")

	// Webhooks
	r.HandleFunc("/api/v1/webhooks", s.handleRegisterWebhook).Methods("POST", "OPTIONS")
	r.HandleFunc("/api/v1/webhooks", s.handleListWebhooks).Methods("GET")
	r.HandleFunc("/api/v1/webhooks/{id}", s.handleUnregisterWebhook).Methods("DELETE")

	// Event stream
	r.HandleFunc("/api/v1/events/stream", s.handleEventStream).Methods("GET")

	// Operational
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return r
}

// corsMiddleware allows the dashboard frontend to call the API.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Printf("%s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}
