package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/donniecs/SunSCORM/internal/catalog"
	"github.com/donniecs/SunSCORM/internal/contentcache"
	"github.com/donniecs/SunSCORM/internal/launch"
	"github.com/donniecs/SunSCORM/internal/license"
	"github.com/donniecs/SunSCORM/internal/progress"
	"github.com/donniecs/SunSCORM/internal/repository"
	"github.com/donniecs/SunSCORM/internal/upload"
	"github.com/donniecs/SunSCORM/internal/validator"
)

type errorBody struct {
	Message       string       `json:"message"`
	Code          license.Code `json:"code,omitempty"`
	Field         string       `json:"field,omitempty"`
	ExistingID    string       `json:"existingDispatchId,omitempty"`
	MissingChunks []int        `json:"missingChunks,omitempty"`
	MissingCount  int          `json:"missingCount,omitempty"`
}

func respondJSON(w http.ResponseWriter, log *slog.Logger, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Error("encode response", "error", err)
	}
}

// respondError maps err onto a status code and JSON body.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		s.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	respondJSON(w, s.Logger, status, body)
}

func describeError(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}

	var incomplete *upload.IncompleteError
	var dup *catalog.DuplicateGrantError
	var constraint *license.ConstraintError
	var denied *launch.DeniedError
	switch {
	case errors.As(err, &incomplete):
		body.MissingChunks = incomplete.Missing
		body.MissingCount = incomplete.Count
		return http.StatusBadRequest, body
	case errors.As(err, &dup):
		body.ExistingID = dup.ExistingID
		return http.StatusConflict, body
	case errors.As(err, &constraint):
		body.Field = constraint.Field
		return http.StatusBadRequest, body
	case errors.As(err, &denied):
		body.Code = denied.Code
		return http.StatusForbidden, body
	}

	switch {
	case errors.Is(err, upload.ErrTooLarge),
		errors.Is(err, upload.ErrChunkTooLarge),
		errors.Is(err, contentcache.ErrArchiveTooLarge):
		return http.StatusRequestEntityTooLarge, body
	case errors.Is(err, upload.ErrInvalidRequest),
		errors.Is(err, upload.ErrInvalidChunk),
		errors.Is(err, upload.ErrUnsupportedType),
		errors.Is(err, upload.ErrSizeMismatch),
		errors.Is(err, validator.ErrInvalidPackage),
		errors.Is(err, catalog.ErrInvalidInput),
		errors.Is(err, progress.ErrInvalidEvent),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest, body
	case errors.Is(err, upload.ErrBusy),
		errors.Is(err, catalog.ErrInUse),
		errors.Is(err, catalog.ErrPackageDisabled),
		errors.Is(err, catalog.ErrGrantDisabled),
		errors.Is(err, repository.ErrDuplicate):
		return http.StatusConflict, body
	case errors.Is(err, upload.ErrForbidden):
		return http.StatusForbidden, body
	case errors.Is(err, upload.ErrSessionNotFound),
		errors.Is(err, repository.ErrNotFound),
		errors.Is(err, launch.ErrUnknownToken),
		errors.Is(err, launch.ErrAssetNotFound),
		errors.Is(err, contentcache.ErrFileNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, errUnavailable):
		return http.StatusServiceUnavailable, body
	}
	return http.StatusInternalServerError, errorBody{Message: "internal error"}
}

var (
	errBadRequest  = errors.New("bad request")
	errUnavailable = errors.New("not available")
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}
