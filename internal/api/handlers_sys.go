package api

import (
	"net/http"
)

// HealthHandler handles GET /v1/sys/health.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// WhoAmIHandler handles GET /v1/me.
func (s *Server) WhoAmIHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.svc.WhoAmI(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

// ServerStatusHandler handles GET /v1/status.
func (s *Server) ServerStatusHandler(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.ServerStatus(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// InstallHandler handles POST /v1/install.
func (s *Server) InstallHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := s.svc.Install(ctx, operatorFromCtx(ctx)); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	st, err := s.svc.ServerStatus(ctx, operatorFromCtx(ctx))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
