// Package server assembles the coordinator's HTTP surface: a chi router
// carrying health/version/admin endpoints plus, once RegisterBroker is
// called, the full job and node API from spec.md §6.
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	apierrors "github.com/llmjob/coordinator/internal/errors"
	"github.com/llmjob/coordinator/internal/server/handlers"
	"github.com/llmjob/coordinator/internal/server/middleware"
	"github.com/llmjob/coordinator/pkg/broker"
	"github.com/llmjob/coordinator/pkg/sweeper"
)

// Version is stamped at build time via -ldflags; it defaults to "dev".
var Version = "dev"

// Server owns the coordinator's HTTP router and listener configuration.
type Server struct {
	host   string
	port   int
	router *chi.Mux
}

// New builds a Server with the ambient routes (health, version, and the
// optional admin endpoint) registered. Domain routes are added separately
// via RegisterBroker once the broker is constructed.
func New(host string, port int) *Server {
	s := &Server{host: host, port: port, router: chi.NewRouter()}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recovery)
	s.router.Use(chimiddleware.RealIP)

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondAppError(w, r, apierrors.NotFound("no route matches this path"))
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondAppError(w, r, apierrors.New(apierrors.CodeMethodNotAllowed, "method not allowed on this path"))
	})

	s.router.Get("/health", handlers.HealthHandler)
	s.router.Get("/health/live", handlers.LivenessHandler)
	s.router.Get("/health/ready", handlers.ReadinessHandler)
	s.router.Get("/health/startup", handlers.StartupHandler)
	s.router.Get("/version", s.versionHandler)

	s.registerAdminEndpoint()

	return s
}

func (s *Server) versionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"version": Version})
}

func respondAppError(w http.ResponseWriter, r *http.Request, err *apierrors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	_ = json.NewEncoder(w).Encode(apierrors.HTTPErrorResponse{Error: apierrors.HTTPErrorField{
		Code:      string(err.Code),
		Message:   err.Message,
		Details:   err.Details,
		RequestID: middleware.RequestIDFromContext(r.Context()),
	}})
}

// SignalFunc handles a named admin signal (e.g. "sweep-now").
type SignalFunc func(ctx context.Context, signal string) error

var signalHandler SignalFunc

// SetSignalHandler wires the callback invoked by POST /admin/signal.
func SetSignalHandler(fn SignalFunc) {
	signalHandler = fn
}

// registerAdminEndpoint exposes a bearer-token-gated /admin/signal route,
// present only when COORDINATOR_ADMIN_TOKEN (or one of the legacy
// GONIMBUS_ADMIN_TOKEN and WORKHORSE_ADMIN_TOKEN names, kept for operators
// migrating config) is set.
func (s *Server) registerAdminEndpoint() {
	token := os.Getenv("COORDINATOR_ADMIN_TOKEN")
	if token == "" {
		token = os.Getenv("GONIMBUS_ADMIN_TOKEN")
	}
	if token == "" {
		token = os.Getenv("WORKHORSE_ADMIN_TOKEN")
	}
	if token == "" {
		return
	}

	s.router.Post("/admin/signal", func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
			respondAppError(w, r, apierrors.Unauthorized("invalid or missing admin token"))
			return
		}

		var body struct {
			Signal string `json:"signal"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Signal == "" {
			respondAppError(w, r, apierrors.BadRequest("signal is required"))
			return
		}

		if signalHandler == nil {
			respondAppError(w, r, apierrors.New(apierrors.CodeServiceUnavailable, "no signal handler registered"))
			return
		}
		if err := signalHandler(r.Context(), body.Signal); err != nil {
			respondAppError(w, r, apierrors.As(err))
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
}

// RegisterBroker mounts the node and job endpoints from spec.md §6 against
// b, with sw (optional) wired into POST /jobs/check-timeouts.
func (s *Server) RegisterBroker(b *broker.Broker, sw *sweeper.Sweeper) {
	nodes := handlers.NewNodesHandler(b)
	jobs := handlers.NewJobsHandler(b, sw)
	nodes.Mount(s.router)
	jobs.Mount(s.router)
}

// EnableRateLimiting gates POST /jobs with a shared submission limiter and
// POST /nodes/ping with a per-node limiter keyed on the ping envelope's
// nodeId. Must be called before the server starts serving traffic. chi
// refuses Use once routes exist, so the limiter sits on a new outer router
// that mounts the existing one at "/".
func (s *Server) EnableRateLimiting(submitRPS float64, submitBurst int, nodeRPS float64, nodeBurst int) {
	submitLimit := middleware.RateLimit(submitRPS, submitBurst)
	nodeLimit := middleware.NodeRateLimit(nodeRPS, nodeBurst, nodeIDFromPingBody)

	limited := chi.NewRouter()
	limited.Use(middleware.RequestID)
	limited.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch {
			case submitRPS > 0 && r.Method == http.MethodPost && r.URL.Path == "/jobs":
				submitLimit(next).ServeHTTP(w, r)
			case nodeRPS > 0 && r.Method == http.MethodPost && r.URL.Path == "/nodes/ping":
				nodeLimit(next).ServeHTTP(w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	})
	limited.Mount("/", s.router)
	s.router = limited
}

// nodeIDFromPingBody peeks the nodeId field out of a ping envelope body
// without consuming it, restoring the body so the real handler can still
// decode the full request.
func nodeIDFromPingBody(r *http.Request) string {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var envelope struct {
		NodeID string `json:"nodeId"`
	}
	_ = json.Unmarshal(body, &envelope)
	return envelope.NodeID
}

// RegisterMetrics mounts GET /metrics in Prometheus exposition format.
func (s *Server) RegisterMetrics(gatherer prometheus.Gatherer) {
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the host:port string this server will listen on.
func (s *Server) Addr() string {
	return s.host + ":" + strconv.Itoa(s.port)
}
