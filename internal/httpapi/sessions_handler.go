package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"llm_orchestrator/internal/session"
)

// handleCreateSession handles POST /v1/sessions
func (d *Dependencies) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	id := d.Sessions.CreateSession()
	writeJSON(w, http.StatusCreated, map[string]any{
		"session_id": id,
		"max_turns":  d.Sessions.MaxTurns(),
	})
}

// handleGetSession handles GET /v1/sessions/{id}
func (d *Dependencies) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, err := d.Sessions.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, kindNotFound, "session not found")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, kindInternal, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, s)
}

// handleDeleteSession handles DELETE /v1/sessions/{id}. Unknown ids are not an error.
func (d *Dependencies) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	d.Sessions.Delete(mux.Vars(r)["id"])
	w.WriteHeader(http.StatusNoContent)
}
