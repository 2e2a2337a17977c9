package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/pool"
)

// workersResponse is the JSON response for GET /v1/workers.
type workersResponse struct {
	Active []string   `json:"active"`
	Pool   pool.Stats `json:"pool"`
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, workersResponse{
		Active: s.workers.ActiveNames(),
		Pool:   s.workers.Stats().Stats,
	})
}

func (s *Server) handleEvictWorker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	err := s.workers.Evict(r.Context(), name)
	switch {
	case errors.Is(err, pool.ErrNotActive):
		s.writeError(w, http.StatusNotFound, "no active worker for module")
		return
	case errors.Is(err, pool.ErrBusy):
		s.writeError(w, http.StatusConflict, "worker is serving requests")
		return
	case err != nil:
		s.logger.Error("evict worker", "module", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to evict worker")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
