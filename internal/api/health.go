package api

import (
	"net/http"
)

type healthResponse struct {
	Status        string `json:"status"`
	ActiveModules int    `json:"active_modules"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		ActiveModules: len(s.workers.ActiveNames()),
	})
}
