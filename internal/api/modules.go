package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/anvil/internal/model"
	"github.com/seantiz/anvil/internal/modules"
	"github.com/seantiz/anvil/internal/supervisor"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 10 << 20 // 10 MB
)

// createModuleRequest is the JSON body for POST /v1/modules.
type createModuleRequest struct {
	Name string `json:"name"`
	Code string `json:"code"`
}

type createModuleResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// listModulesResponse wraps the paginated list response.
type listModulesResponse struct {
	Modules []model.Module `json:"modules"`
	Total   int            `json:"total"`
	Limit   int            `json:"limit"`
	Offset  int            `json:"offset"`
}

type moduleResponse struct {
	Name      string                `json:"name"`
	Version   string                `json:"version"`
	UpdatedAt time.Time             `json:"updated_at"`
	Versions  []model.ModuleVersion `json:"versions"`
}

func (s *Server) handleCreateModule(w http.ResponseWriter, r *http.Request) {
	var req createModuleRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Name == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	version, err := s.platform.Load(r.Context(), req.Name, []byte(req.Code))
	switch {
	case errors.Is(err, supervisor.ErrInvalidName):
		s.writeError(w, http.StatusBadRequest, "invalid module name")
		return
	case errors.Is(err, supervisor.ErrEmptyCode):
		s.writeError(w, http.StatusBadRequest, "code is required")
		return
	case err != nil:
		s.logger.Error("load module", "module", req.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to load module")
		return
	}

	s.writeJSON(w, http.StatusCreated, createModuleResponse{Name: req.Name, Version: version})
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all, err := s.store.List(r.Context())
	if err != nil {
		s.logger.Error("list modules", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list modules")
		return
	}

	page := []model.Module{}
	if offset < len(all) {
		page = all[offset:min(offset+limit, len(all))]
	}

	s.writeJSON(w, http.StatusOK, listModulesResponse{
		Modules: page,
		Total:   len(all),
		Limit:   limit,
		Offset:  offset,
	})
}

func (s *Server) handleGetModule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	version, err := s.store.LookupVersion(r.Context(), name)
	if errors.Is(err, modules.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.Error("get module", "module", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get module")
		return
	}

	versions, err := s.store.Versions(r.Context(), name)
	if err != nil {
		s.logger.Error("get module versions", "module", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get module")
		return
	}

	resp := moduleResponse{Name: name, Version: version, Versions: versions}
	for _, v := range versions {
		if v.Version == version {
			resp.UpdatedAt = v.CreatedAt
			break
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetSource(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	ctx := r.Context()

	var (
		code []byte
		err  error
	)
	if version := r.URL.Query().Get("version"); version != "" {
		code, err = s.loadVersionOf(r, name, version)
	} else {
		code, err = s.store.LoadByName(ctx, name)
	}
	if errors.Is(err, modules.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "module not found")
		return
	}
	if err != nil {
		s.logger.Error("get module source", "module", name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get module source")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(code); err != nil {
		s.logger.Debug("write module source", "error", err)
	}
}

// loadVersionOf returns version's content if it was ever saved under name.
func (s *Server) loadVersionOf(r *http.Request, name, version string) ([]byte, error) {
	versions, err := s.store.Versions(r.Context(), name)
	if err != nil {
		return nil, err
	}
	if !slices.ContainsFunc(versions, func(v model.ModuleVersion) bool { return v.Version == version }) {
		return nil, modules.ErrNotFound
	}
	return s.store.LoadByVersion(r.Context(), version)
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
