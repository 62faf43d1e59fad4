package httpapi

import (
	"net/http"

	"llm_orchestrator/internal/middleware"
	"llm_orchestrator/internal/models"
)

// completeResponse wraps one response per queried provider
type completeResponse struct {
	Responses []models.LLMResponse `json:"responses"`
}

// handleComplete is the entry point for collaborators.
//
// Flow:
//  1. Decode the LLMRequest body
//  2. Hand it to the engine under the request context
//  3. Return every response, or the aggregated failure
//
// Ensemble requests always answer 200; per-provider failures are inside the responses.
func (d *Dependencies) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req models.LLMRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, "invalid JSON body: "+err.Error())
		return
	}

	responses, err := d.Engine.Complete(r.Context(), req)
	if err != nil {
		d.logger.Info("Completion failed",
			"request_id", middleware.GetRequestID(r.Context()),
			"policy", req.Policy,
			"error", err,
		)
		writeDispatchError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, completeResponse{Responses: responses})
}
