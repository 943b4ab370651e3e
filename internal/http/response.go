package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/example/fixer-dispatch/internal/models"
)

type envelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func respond(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor is the single mapping from error code to HTTP status.
func statusFor(code string) int {
	switch code {
	case models.CodeValidation, models.CodeGeolocation:
		return http.StatusBadRequest
	case models.CodeStateConflict, models.CodeAlreadyTerminal:
		return http.StatusConflict
	case models.CodeNotFound:
		return http.StatusNotFound
	case models.CodeForbidden:
		return http.StatusForbidden
	case models.CodeUnauthorized:
		return http.StatusUnauthorized
	case models.CodeNoResponse:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// fail writes err as an error envelope. Internal errors are logged and
// their text is not exposed.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := models.ErrorCode(err)
	status := statusFor(code)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed",
			slog.String("route", routeTemplate(r)),
			slog.String("request_id", requestIDFromContext(r.Context())),
			slog.Any("error", err))
		msg = "internal error"
	}
	respondError(w, status, code, msg)
}
