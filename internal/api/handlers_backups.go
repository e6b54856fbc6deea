package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/org/wirebot/internal/backup"
)

// BackupListHandler handles GET /v1/backups.
func (s *Server) BackupListHandler(w http.ResponseWriter, r *http.Request) {
	archives, err := s.svc.ListBackups(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if archives == nil {
		archives = []backup.Archive{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": archives})
}

// BackupCreateHandler handles POST /v1/backups.
func (s *Server) BackupCreateHandler(w http.ResponseWriter, r *http.Request) {
	a, err := s.svc.CreateBackup(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// BackupRestoreHandler handles POST /v1/backups/{name}/restore.
func (s *Server) BackupRestoreHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.svc.RestoreBackup(r.Context(), operatorFromCtx(r.Context()), name); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": name})
}

// BackupDeleteHandler handles DELETE /v1/backups/{name}.
func (s *Server) BackupDeleteHandler(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteBackup(r.Context(), operatorFromCtx(r.Context()), chi.URLParam(r, "name")); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
