// Package httpapi exposes the orchestrator over HTTP for collaborating services.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"llm_orchestrator/internal/cache"
	"llm_orchestrator/internal/logging"
	"llm_orchestrator/internal/metrics"
	"llm_orchestrator/internal/middleware"
	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/orchestrator"
	"llm_orchestrator/internal/queue"
	"llm_orchestrator/internal/session"
)

// maxBodyBytes caps inbound request bodies
const maxBodyBytes = 1 << 20

// HealthCheck reports whether a backing service is reachable.
type HealthCheck func(ctx context.Context) error

// UsageReader is the read side of the usage record store.
type UsageReader interface {
	SummaryByProvider(ctx context.Context, since time.Time) ([]models.ProviderUsageSummary, error)
	ListByRequest(ctx context.Context, requestID uuid.UUID) ([]*models.UsageRecord, error)
}

// DeadLetterSource exposes a worker's dead-letter queue. queue.Worker implements it.
type DeadLetterSource interface {
	DeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// Dependencies aggregates all services the HTTP layer needs.
// Engine and Sessions are required; the rest are optional.
type Dependencies struct {
	Engine      *orchestrator.Engine
	Sessions    *session.Manager
	Cache       *cache.Cache
	Metrics     metrics.Metrics
	Usage       UsageReader
	DeadLetters map[string]DeadLetterSource // keyed by queue name
	Checks      map[string]HealthCheck      // keyed by service name
	CORSOrigins []string

	logger *logging.Logger
}

// NewRouter creates the HTTP handler with every route registered.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}
	deps.logger = logging.New("httpapi")

	r := mux.NewRouter()
	r.Use(middleware.Recover, middleware.RequestID, middleware.AccessLog)
	registerRoutes(r, deps)

	origins := deps.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", middleware.RequestIDHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
	})
	return c.Handler(r)
}

func registerRoutes(r *mux.Router, deps *Dependencies) {
	// Completions
	r.HandleFunc("/v1/complete", deps.handleComplete).Methods(http.MethodPost)

	// Sessions
	r.HandleFunc("/v1/sessions", deps.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", deps.handleGetSession).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}", deps.handleDeleteSession).Methods(http.MethodDelete)

	// Providers
	r.HandleFunc("/v1/providers", deps.handleListProviders).Methods(http.MethodGet)
	r.HandleFunc("/v1/providers/status", deps.handleProviderStatuses).Methods(http.MethodGet)
	r.HandleFunc("/v1/providers/{id}/status", deps.handleProviderStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/providers/{id}/enabled", deps.handleSetProviderEnabled).Methods(http.MethodPut)
	r.HandleFunc("/v1/providers/{id}/probe", deps.handleProbeProvider).Methods(http.MethodPost)

	// Accounting and operations
	r.HandleFunc("/v1/usage", deps.handleUsageSummary).Methods(http.MethodGet)
	r.HandleFunc("/v1/usage/requests/{id}", deps.handleRequestUsage).Methods(http.MethodGet)
	r.HandleFunc("/v1/cache/stats", deps.handleCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/queues/{name}/dead-letters", deps.handleListDeadLetters).Methods(http.MethodGet)
	r.HandleFunc("/v1/queues/{name}/dead-letters/{id}/retry", deps.handleRetryDeadLetter).Methods(http.MethodPost)

	r.HandleFunc("/health", deps.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", deps.Metrics.HTTPHandler()).Methods(http.MethodGet)
}

// handleHealth runs every registered check. Any failure reports 503.
func (d *Dependencies) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(d.Checks))
	for name, check := range d.Checks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// writeJSON encodes payload with the given status code
func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

// decodeJSON reads a bounded JSON body into dst
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst)
}
