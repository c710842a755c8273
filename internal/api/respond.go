package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
	"github.com/savegress/bankrecon/internal/importer"
	"github.com/savegress/bankrecon/internal/ledger"
	"github.com/savegress/bankrecon/internal/logger"
	"github.com/savegress/bankrecon/internal/parsers"
	"github.com/savegress/bankrecon/internal/reconciliation"
	"github.com/savegress/bankrecon/internal/rules"
	"github.com/savegress/bankrecon/internal/storage"
	"github.com/savegress/bankrecon/pkg/workerpool"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respond(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, ErrorResponse{Error: message})
}

// respondErr maps a domain error to its HTTP status. Unexpected errors are
// logged and hidden from the client.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status == http.StatusInternalServerError {
		log := logger.FromContext(r.Context())
		log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		respond(w, status, ErrorResponse{Error: http.StatusText(status)})
		return
	}
	respond(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func statusFor(err error) (int, string) {
	var recErr *reconciliation.Error
	switch {
	case errors.As(err, &recErr):
		if errors.Is(err, reconciliation.ErrUnknownTarget) {
			return http.StatusNotFound, recErr.Code
		}
		return http.StatusUnprocessableEntity, recErr.Code
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, storage.ErrConflict):
		return http.StatusConflict, "VERSION_CONFLICT"
	case errors.Is(err, storage.ErrDuplicate):
		return http.StatusConflict, "DUPLICATE"
	case errors.Is(err, ledger.ErrReconciledLine):
		return http.StatusConflict, "RECONCILED_LINE"
	case errors.Is(err, ledger.ErrInvalidInput),
		errors.Is(err, ledger.ErrAccountMismatch),
		errors.Is(err, importer.ErrNoAccount),
		errors.Is(err, importer.ErrEmptyFile):
		return http.StatusBadRequest, "INVALID_INPUT"
	case errors.Is(err, rules.ErrInvalidRule):
		return http.StatusBadRequest, "INVALID_RULE"
	case parsers.IsParseError(err):
		return http.StatusBadRequest, "PARSE_ERROR"
	case errors.Is(err, importer.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE"
	case errors.Is(err, workerpool.ErrQueueFull), errors.Is(err, workerpool.ErrPoolClosed):
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	}
	return http.StatusInternalServerError, ""
}

func decode(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func requestLog(r *http.Request) *zerolog.Logger {
	log := logger.FromContext(r.Context())
	return &log
}
