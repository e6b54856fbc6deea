package api

import (
	"net/http"
	"time"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/pkg/models"
)

type authorizeRequest struct {
	Permissions *models.Permissions `json:"permissions,omitempty"`
}

// limitsRequest takes the rate window as a duration string ("1m", "90s").
type limitsRequest struct {
	MaxClients *int   `json:"max_clients"`
	RateLimit  *int   `json:"rate_limit"`
	RateWindow string `json:"rate_window,omitempty"`
}

func (req limitsRequest) limits() (models.Limits, error) {
	if req.MaxClients == nil || req.RateLimit == nil {
		return models.Limits{}, apperr.Validation("max_clients and rate_limit are required")
	}
	l := models.Limits{MaxClients: *req.MaxClients, RateLimit: *req.RateLimit}
	if req.RateWindow != "" {
		d, err := time.ParseDuration(req.RateWindow)
		if err != nil {
			return models.Limits{}, apperr.Validation("rate_window: %v", err)
		}
		l.RateWindow = d
	}
	return l, nil
}

// OperatorListHandler handles GET /v1/operators.
func (s *Server) OperatorListHandler(w http.ResponseWriter, r *http.Request) {
	ops, err := s.svc.ListOperators(r.Context(), operatorFromCtx(r.Context()))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if ops == nil {
		ops = []*models.Operator{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operators": ops})
}

// OperatorAuthorizeHandler handles PUT /v1/operators/{id}.
func (s *Server) OperatorAuthorizeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	op, err := s.svc.AuthorizeOperator(r.Context(), operatorFromCtx(r.Context()), id, req.Permissions)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// OperatorRevokeHandler handles DELETE /v1/operators/{id}. The response
// lists the clients the orphan policy removed or reassigned.
func (s *Server) OperatorRevokeHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	op, touched, err := s.svc.RevokeOperator(r.Context(), operatorFromCtx(r.Context()), id)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if touched == nil {
		touched = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"operator": op, "clients": touched})
}

// OperatorLimitsHandler handles PUT /v1/operators/{id}/limits.
func (s *Server) OperatorLimitsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req limitsRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	limits, err := req.limits()
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	op, err := s.svc.SetLimits(r.Context(), operatorFromCtx(r.Context()), id, limits)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// OperatorPermissionsHandler handles PUT /v1/operators/{id}/permissions. The
// body is the full set of flags.
func (s *Server) OperatorPermissionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if req.Permissions == nil {
		s.writeAppError(w, r, apperr.Validation("permissions are required"))
		return
	}
	op, err := s.svc.SetPermissions(r.Context(), operatorFromCtx(r.Context()), id, *req.Permissions)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}
