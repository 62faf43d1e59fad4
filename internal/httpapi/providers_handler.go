package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"llm_orchestrator/internal/providers"
)

// SetEnabledRequest is the body of PUT /v1/providers/{id}/enabled
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// handleListProviders handles GET /v1/providers
func (d *Dependencies) handleListProviders(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": d.Engine.ListProviders(),
	})
}

// handleProviderStatuses handles GET /v1/providers/status
func (d *Dependencies) handleProviderStatuses(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": d.Engine.ListProviderStatuses(),
	})
}

// handleProviderStatus handles GET /v1/providers/{id}/status
func (d *Dependencies) handleProviderStatus(w http.ResponseWriter, r *http.Request) {
	status, err := d.Engine.ProviderStatus(mux.Vars(r)["id"])
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleSetProviderEnabled handles PUT /v1/providers/{id}/enabled
func (d *Dependencies) handleSetProviderEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req SetEnabledRequest
	if err := decodeJSON(w, r, &req); err != nil || req.Enabled == nil {
		writeJSONError(w, http.StatusBadRequest, kindInvalidRequest, `body must be {"enabled": true|false}`)
		return
	}

	if err := d.Engine.SetProviderEnabled(id, *req.Enabled); err != nil {
		writeProviderError(w, err)
		return
	}

	status, err := d.Engine.ProviderStatus(id)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleProbeProvider handles POST /v1/providers/{id}/probe
func (d *Dependencies) handleProbeProvider(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	healthy, err := d.Engine.ProbeProvider(r.Context(), id)
	if err != nil {
		writeProviderError(w, err)
		return
	}

	status, err := d.Engine.ProviderStatus(id)
	if err != nil {
		writeProviderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"provider_id": id,
		"healthy":     healthy,
		"status":      status,
	})
}

func writeProviderError(w http.ResponseWriter, err error) {
	if errors.Is(err, providers.ErrProviderNotFound) {
		writeJSONError(w, http.StatusNotFound, kindNotFound, err.Error())
		return
	}
	writeJSONError(w, http.StatusInternalServerError, kindInternal, err.Error())
}
