package api

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/org/wirebot/internal/apperr"
	"github.com/org/wirebot/internal/storage"
	"github.com/org/wirebot/pkg/models"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 1000
)

// parseRecordFilter reads the operation log query. since takes an RFC 3339
// time or a duration back from now.
func parseRecordFilter(q url.Values, now time.Time) (storage.RecordFilter, error) {
	f := storage.RecordFilter{
		Intent: models.Intent(q.Get("intent")),
		Target: q.Get("target"),
		Limit:  defaultAuditLimit,
	}
	if v := q.Get("operator"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return f, apperr.Validation("operator %q must be a positive integer", v)
		}
		f.OperatorID = id
	}
	if v := q.Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			f.Since = t
		} else if d, err := time.ParseDuration(v); err == nil && d > 0 {
			f.Since = now.Add(-d)
		} else {
			return f, apperr.Validation("since %q is neither a time nor a duration", v)
		}
	}
	if v := q.Get("mutating"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return f, apperr.Validation("mutating %q is not a boolean", v)
		}
		f.MutatingOnly = b
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxAuditLimit {
			return f, apperr.Validation("limit must be between 1 and %d", maxAuditLimit)
		}
		f.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, apperr.Validation("offset must be a non-negative integer")
		}
		f.Offset = n
	}
	return f, nil
}

// AuditLogHandler handles GET /v1/audit.
func (s *Server) AuditLogHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRecordFilter(r.URL.Query(), time.Now())
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	records, err := s.svc.QueryAudit(r.Context(), operatorFromCtx(r.Context()), filter)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if records == nil {
		records = []*models.OperationRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}
