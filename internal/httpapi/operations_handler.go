package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"llm_orchestrator/internal/queue"
)

// handleUsageSummary handles GET /v1/usage?since=<RFC3339>. since defaults
// to the start of the current month.
func (d *Dependencies) handleUsageSummary(w http.ResponseWriter, r *http.Request) {
	if d.Usage == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindUnavailable, "usage storage is not configured")
		return
	}

	now := time.Now().UTC()
	since := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = parsed
	}

	summaries, err := d.Usage.SummaryByProvider(r.Context(), since)
	if err != nil {
		d.logger.Error("Failed to summarize usage", "error", err)
		writeJSONError(w, http.StatusInternalServerError, kindInternal, "failed to summarize usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"since":     since,
		"providers": summaries,
	})
}

// handleRequestUsage handles GET /v1/usage/requests/{id}
func (d *Dependencies) handleRequestUsage(w http.ResponseWriter, r *http.Request) {
	if d.Usage == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindUnavailable, "usage storage is not configured")
		return
	}

	requestID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "invalid request id")
		return
	}

	records, err := d.Usage.ListByRequest(r.Context(), requestID)
	if err != nil {
		d.logger.Error("Failed to list usage", "request_id", requestID, "error", err)
		writeJSONError(w, http.StatusInternalServerError, kindInternal, "failed to list usage")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// handleCacheStats handles GET /v1/cache/stats
func (d *Dependencies) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if d.Cache == nil {
		writeJSONError(w, http.StatusServiceUnavailable, kindUnavailable, "cache is not configured")
		return
	}
	writeJSON(w, http.StatusOK, d.Cache.GetStats())
}

// handleListDeadLetters handles GET /v1/queues/{name}/dead-letters?limit=N
func (d *Dependencies) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	source, ok := d.DeadLetters[mux.Vars(r)["name"]]
	if !ok {
		writeJSONError(w, http.StatusNotFound, kindNotFound, "unknown queue")
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := source.DeadLetterItems(r.Context(), limit)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleRetryDeadLetter handles POST /v1/queues/{name}/dead-letters/{id}/retry
func (d *Dependencies) handleRetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	source, ok := d.DeadLetters[vars["name"]]
	if !ok {
		writeJSONError(w, http.StatusNotFound, kindNotFound, "unknown queue")
		return
	}

	if err := source.RetryDeadLetterItem(r.Context(), vars["id"]); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			writeJSONError(w, http.StatusNotFound, kindNotFound, "dead letter item not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
