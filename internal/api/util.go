package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/org/wirebot/internal/apperr"
)

// maxBodyBytes bounds request bodies. Intent payloads are tiny.
const maxBodyBytes = 64 << 10

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// decodeJSON decodes the request body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return apperr.Validation("invalid request body: %v", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"errors":[%q]}`, msg)
}

// statusFor maps a component error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, apperr.ErrNotOwner),
		errors.Is(err, apperr.ErrUnauthorized),
		errors.Is(err, apperr.ErrRevoked):
		return http.StatusForbidden
	case errors.Is(err, apperr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperr.ErrNameCollision),
		errors.Is(err, apperr.ErrNotInstalled):
		return http.StatusConflict
	case errors.Is(err, apperr.ErrQuotaExceeded),
		errors.Is(err, apperr.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, apperr.ErrArchiveCorrupt):
		return http.StatusUnprocessableEntity
	case errors.Is(err, apperr.ErrTimedOut):
		return http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrGatewayFailure):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// writeAppError renders err with the status its kind maps to. Rate limit
// rejections carry a Retry-After header in whole seconds.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	var rl *apperr.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Str("request_id", requestIDFromCtx(r.Context())).
			Str("path", r.URL.Path).Msg("request failed")
	}
	writeError(w, code, err.Error())
}

// idParam parses a positive operator ID from the route.
func idParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperr.Validation("operator id %q must be a positive integer", raw)
	}
	return id, nil
}
