package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	apierrors "github.com/llmjob/coordinator/internal/errors"
)

// Checker reports whether a dependency is healthy.
type Checker interface {
	CheckHealth(ctx context.Context) error
}

// HealthResponse is the wire shape of GET /health.
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Checks  map[string]string `json:"checks"`
}

// HealthManager tracks registered dependency checkers and renders the
// aggregate health, liveness, readiness and startup views.
type HealthManager struct {
	version string

	mu       sync.RWMutex
	checkers map[string]Checker

	startedAt time.Time
}

// NewHealthManager constructs a manager reporting version on every check.
func NewHealthManager(version string) *HealthManager {
	return &HealthManager{
		version:   version,
		checkers:  make(map[string]Checker),
		startedAt: time.Now(),
	}
}

// RegisterChecker adds (or replaces) a named dependency checker.
func (m *HealthManager) RegisterChecker(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

func (m *HealthManager) runChecks(ctx context.Context) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]string, len(m.checkers))
	for name, c := range m.checkers {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.CheckHealth(checkCtx)
		cancel()
		switch {
		case err == nil:
			results[name] = "healthy"
		case checkCtx.Err() == context.DeadlineExceeded:
			results[name] = "timeout"
		default:
			results[name] = "unhealthy"
		}
	}
	return results
}

// determineOverallStatus folds individual check results into one status.
// A timeout is reported as "degraded" rather than "unhealthy": the
// dependency may still recover and the process itself is not broken.
func (m *HealthManager) determineOverallStatus(checks map[string]string) string {
	status := "healthy"
	for _, v := range checks {
		switch v {
		case "unhealthy":
			return "unhealthy"
		case "timeout":
			status = "degraded"
		}
	}
	return status
}

// HealthHandler renders the aggregate health view, returning 503 when any
// checker reports unhealthy or degraded.
func (m *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	checks := m.runChecks(r.Context())
	status := m.determineOverallStatus(checks)

	w.Header().Set("Content-Type", "application/json")
	if status == "healthy" {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(HealthResponse{Status: status, Version: m.version, Checks: checks})
		return
	}

	w.WriteHeader(http.StatusServiceUnavailable)
	appErr := apierrors.New(apierrors.CodeServiceUnavailable, "one or more dependencies are unhealthy").
		WithDetails(map[string]any{"checks": toAnyMap(checks)})
	_ = json.NewEncoder(w).Encode(apierrors.HTTPErrorResponse{Error: apierrors.HTTPErrorField{
		Code:    string(appErr.Code),
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

func toAnyMap(in map[string]string) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// LivenessHandler reports whether the process itself is alive. It never
// consults dependency checkers -- a dead database should not make an
// orchestrator kill an otherwise-fine process.
func (m *HealthManager) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Version: m.version})
}

// ReadinessHandler reports whether the process is ready to take traffic.
func (m *HealthManager) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	m.HealthHandler(w, r)
}

// StartupHandler reports whether initial startup has completed.
func (m *HealthManager) StartupHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy", Version: m.version})
}

var (
	globalHealthManagerMu sync.RWMutex
	globalHealthManager   *HealthManager
)

// InitHealthManager installs a process-wide HealthManager used by the
// package-level handler functions below.
func InitHealthManager(version string) {
	globalHealthManagerMu.Lock()
	defer globalHealthManagerMu.Unlock()
	globalHealthManager = NewHealthManager(version)
}

// GetHealthManager returns the process-wide manager, or nil if
// InitHealthManager has not been called.
func GetHealthManager() *HealthManager {
	globalHealthManagerMu.RLock()
	defer globalHealthManagerMu.RUnlock()
	return globalHealthManager
}

func withGlobalManager(w http.ResponseWriter, fn func(*HealthManager, http.ResponseWriter, *http.Request), r *http.Request) {
	m := GetHealthManager()
	if m == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(apierrors.HTTPErrorResponse{Error: apierrors.HTTPErrorField{
			Code:    string(apierrors.CodeServiceUnavailable),
			Message: "health manager not initialized",
		}})
		return
	}
	fn(m, w, r)
}

// HealthHandler is the package-level entry point wired into the router,
// delegating to the process-wide manager installed by InitHealthManager.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	withGlobalManager(w, (*HealthManager).HealthHandler, r)
}

func LivenessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobalManager(w, (*HealthManager).LivenessHandler, r)
}

func ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	withGlobalManager(w, (*HealthManager).ReadinessHandler, r)
}

func StartupHandler(w http.ResponseWriter, r *http.Request) {
	withGlobalManager(w, (*HealthManager).StartupHandler, r)
}
