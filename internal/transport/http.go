// Package transport exposes the logical endpoints of the Workflow Engine
// over a minimal net/http ServeMux, matching the teacher's own
// services/orchestrator/main.go style exactly: no router framework, since
// the HTTP surface and its authentication sit outside the engineering
// core this exercise is about.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/swarmguard/flowguard/internal/domain"
	"github.com/swarmguard/flowguard/internal/workflow"
)

type createWorkflowRequest struct {
	Name     string                 `json:"name"`
	Tasks    []domain.Task          `json:"tasks"`
	Metadata map[string]interface{} `json:"metadata"`
	TenantID string                 `json:"tenant_id"`
}

// NewMux builds the ServeMux backing the §6 HTTP surface.
func NewMux(engine *workflow.Engine) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("POST /workflows", func(w http.ResponseWriter, r *http.Request) {
		var req createWorkflowRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
			return
		}
		id, err := engine.Create(r.Context(), req.Name, req.Tasks, req.Metadata, req.TenantID)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": id})
	})

	mux.HandleFunc("POST /workflows/{id}/execute", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := engine.Execute(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("GET /workflows/{id}", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		wf, err := engine.Status(r.Context(), id)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(wf)
	})

	mux.HandleFunc("POST /workflows/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := engine.Cancel(r.Context(), id); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})

	return mux
}

// writeEngineError maps a domain error kind to the matching HTTP status,
// the one place in this package that branches on error identity.
func writeEngineError(w http.ResponseWriter, err error) {
	var notFound *domain.NotFoundError
	var invalidTopology *domain.InvalidTopologyError
	var invalidTransition *domain.InvalidTransitionError
	var alreadyTerminal *domain.AlreadyTerminalError
	switch {
	case errors.As(err, &notFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.As(err, &invalidTopology), errors.As(err, &invalidTransition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &alreadyTerminal):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
