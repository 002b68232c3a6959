package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"inferd/internal/engine"
	"inferd/internal/hub"
	"inferd/internal/importer"
	"inferd/internal/registry"
	"inferd/internal/scheduler"
	"inferd/internal/session"
	"inferd/pkg/types"
)

// statusForError maps core error kinds to HTTP status codes. Retryable
// conditions get 429/502/503 so clients can back off; caller mistakes get
// 4xx; engine trouble is a 5xx.
func statusForError(err error) int {
	switch {
	case registry.IsModelNotFound(err),
		errors.Is(err, session.ErrNotFound),
		errors.Is(err, hub.ErrNotFound),
		errors.Is(err, importer.ErrJobNotFound):
		return http.StatusNotFound
	case scheduler.IsInvalidRequest(err),
		errors.Is(err, importer.ErrInvalidImport),
		errors.Is(err, hub.ErrInvalidRef):
		return http.StatusBadRequest
	case scheduler.IsBusy(err):
		return http.StatusTooManyRequests
	case registry.IsOutOfMemory(err):
		return http.StatusInsufficientStorage
	case errors.Is(err, engine.ErrUnavailable),
		errors.Is(err, scheduler.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case registry.IsDownloadFailed(err),
		errors.Is(err, hub.ErrDownloadFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = errors.New("request did not complete")
	}
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	writeJSONError(w, status, err.Error())
}

// writeJSONError writes the consistent JSON error payload.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{Error: msg, Code: status})
}
