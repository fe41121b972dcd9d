package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/functions"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Warn().Err(err).Msg("Failed to encode response")
		}
	}
}

func Error(w http.ResponseWriter, status int, code string, message string) {
	JSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, "NOT_FOUND", message)
}

func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, "BAD_REQUEST", message)
}

func InternalError(w http.ResponseWriter, message string) {
	Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", message)
}

// FunctionError writes a management error by kind. Internal errors are
// logged and never echoed to the caller.
func FunctionError(w http.ResponseWriter, err error, msg string) {
	switch functions.KindOf(err) {
	case functions.KindNotFound:
		NotFound(w, err.Error())
	case functions.KindValidation:
		Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case functions.KindUnsupported:
		Error(w, http.StatusBadRequest, "UNSUPPORTED_RUNTIME", err.Error())
	default:
		log.Error().Err(err).Msg(msg)
		InternalError(w, msg)
	}
}
