package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	apperrors "github.com/offlinekit/offline-core/internal/errors"
)

// RespondWithJSON writes a JSON response with the given status code and payload.
func RespondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		RespondWithError(w, http.StatusInternalServerError, "Failed to marshal response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

// RespondWithError writes a standardized JSON error response.
func RespondWithError(w http.ResponseWriter, code int, message string) {
	RespondWithJSON(w, code, map[string]string{"error": message})
}

// respondWithAppError maps an error's type to a status code
func respondWithAppError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch apperrors.GetErrorType(err) {
	case apperrors.ErrTypeNotFound:
		code = http.StatusNotFound
	case apperrors.ErrTypeAccess:
		code = http.StatusForbidden
	case apperrors.ErrTypeValidation:
		code = http.StatusBadRequest
	case apperrors.ErrTypeRateLimit:
		code = http.StatusTooManyRequests
	case apperrors.ErrTypeNetwork, apperrors.ErrTypeTimeout:
		code = http.StatusBadGateway
	}
	RespondWithError(w, code, err.Error())
}

// decodeJSON decodes an optional request body into v
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apperrors.NewValidationError("request body too large")
	}
	if err != nil {
		return apperrors.NewValidationError("invalid JSON body: " + err.Error())
	}
	return nil
}
