package api

import (
	"net/http"
	"slices"

	"github.com/go-chi/chi/v5"

	"github.com/org/wirebot/pkg/models"
)

type addClientRequest struct {
	Name string   `json:"name"`
	DNS  []string `json:"dns,omitempty"`
}

// ClientListHandler handles GET /v1/clients.
func (s *Server) ClientListHandler(w http.ResponseWriter, r *http.Request) {
	seq, err := s.svc.ListClients(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	clients := slices.Collect(seq)
	if clients == nil {
		clients = []models.Client{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clients": clients})
}

// ClientAddHandler handles POST /v1/clients.
func (s *Server) ClientAddHandler(w http.ResponseWriter, r *http.Request) {
	var req addClientRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	c, err := s.svc.AddClient(r.Context(), operatorFromCtx(r.Context()), req.Name, req.DNS)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// ClientGetHandler handles GET /v1/clients/{name}.
func (s *Server) ClientGetHandler(w http.ResponseWriter, r *http.Request) {
	c, err := s.svc.GetClient(r.Context(), operatorFromCtx(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// ClientRemoveHandler handles DELETE /v1/clients/{name}.
func (s *Server) ClientRemoveHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RemoveClient(r.Context(), operatorFromCtx(r.Context()), chi.URLParam(r, "name")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ClientStatusHandler handles GET /v1/clients/{name}/status.
func (s *Server) ClientStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ClientStatus(r.Context(), operatorFromCtx(r.Context()), chi.URLParam(r, "name"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ClientProfileHandler handles GET /v1/clients/{name}/profile. The body is
// the client's .conf file.
func (s *Server) ClientProfileHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := s.svc.ClientProfile(r.Context(), operatorFromCtx(r.Context()), name)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`.conf"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data) //nolint:errcheck
}
