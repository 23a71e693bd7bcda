package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/and161185/citadel/internal/errs"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorMsg(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusFor maps service sentinels to status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrValidation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errs.ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the mapped status. Only validation messages reach the client.
func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusUnprocessableEntity:
		writeErrorMsg(w, status, err.Error())
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="citadel"`)
		writeErrorMsg(w, status, "unauthorized")
	default:
		writeErrorMsg(w, status, http.StatusText(status))
	}
}
