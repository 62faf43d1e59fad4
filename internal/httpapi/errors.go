package httpapi

import (
	"errors"
	"net/http"

	"llm_orchestrator/internal/models"
	"llm_orchestrator/internal/orchestrator"
)

// Error kinds for failures that do not come from a provider
const (
	kindInvalidRequest = "invalid_request"
	kindNotFound       = "not_found"
	kindUnavailable    = "service_unavailable"
	kindInternal       = "internal_error"
)

type attemptBody struct {
	ProviderID string           `json:"provider_id"`
	Kind       models.ErrorKind `json:"kind"`
	Attempted  bool             `json:"attempted"`
	Error      string           `json:"error,omitempty"`
}

type errorBody struct {
	Kind             string        `json:"kind"`
	Message          string        `json:"message"`
	DeadlineExceeded bool          `json:"deadline_exceeded,omitempty"`
	Attempts         []attemptBody `json:"attempts,omitempty"`
}

// writeJSONError writes {"error":{"kind","message"}} with the given status
func writeJSONError(w http.ResponseWriter, statusCode int, kind, message string) {
	writeJSON(w, statusCode, map[string]any{
		"error": errorBody{Kind: kind, Message: message},
	})
}

// writeDispatchError maps an engine error to a status code and lists every
// attempt when the error carries them.
func writeDispatchError(w http.ResponseWriter, err error) {
	body := errorBody{Kind: kindInternal, Message: err.Error()}

	var agg *orchestrator.AggregatedError
	switch {
	case errors.As(err, &agg):
		body.Kind = string(agg.Kind)
		body.DeadlineExceeded = agg.DeadlineExceeded
		for _, a := range agg.Attempts {
			ab := attemptBody{ProviderID: a.ProviderID, Kind: a.Kind, Attempted: a.Attempted}
			if a.Err != nil {
				ab.Error = a.Err.Error()
			}
			body.Attempts = append(body.Attempts, ab)
		}
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		body.Kind = kindInvalidRequest
	}

	writeJSON(w, statusForError(err), map[string]any{"error": body})
}

// statusForError maps engine errors to HTTP status codes
func statusForError(err error) int {
	var agg *orchestrator.AggregatedError
	if errors.As(err, &agg) && agg.DeadlineExceeded {
		return http.StatusGatewayTimeout
	}

	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, orchestrator.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrProviderTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, orchestrator.ErrProviderUnavailable),
		errors.Is(err, orchestrator.ErrAllProvidersExhausted):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrProviderError):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
