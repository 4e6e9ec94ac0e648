package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/cuemby/instancer/pkg/auth"
	"github.com/cuemby/instancer/pkg/captcha"
	"github.com/cuemby/instancer/pkg/errdefs"
)

// ErrorResponse is the body of every error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type badRequestError struct {
	msg string
}

func (e *badRequestError) Error() string { return e.msg }

// statusFor maps an error to its HTTP status and error code
func statusFor(err error) (int, string) {
	var bad *badRequestError
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, auth.ErrInvalidToken):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, errdefs.ErrChallengeNotFound), errors.Is(err, errdefs.ErrInstanceNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, errdefs.ErrAdmissionConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, captcha.ErrMissing), errors.Is(err, captcha.ErrFailed):
		return http.StatusBadRequest, "captcha_failed"
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, captcha.ErrUnavailable),
		errors.Is(err, errdefs.ErrNetworkExhausted),
		errdefs.IsRuntimeUnavailable(err):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeError(w http.ResponseWriter, code int, kind, message string) {
	writeJSON(w, code, ErrorResponse{Error: kind, Message: message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
