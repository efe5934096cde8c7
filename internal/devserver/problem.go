package devserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/eventual/internal/validation"
)

// Application error codes carried in problem responses.
const (
	CodeObjectNotFound   = 101
	CodeInvalidJSON      = 107
	CodeInvalidOperation = 111
	CodeInvalidName      = 105
	CodeUnauthorized     = 119
	CodeInternal         = 1
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
	Code     int    `json:"code,omitempty"`
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

var problemTypes = map[int]struct {
	typeURI string
	title   string
}{
	http.StatusUnauthorized:        {"https://eventual.dev/errors/unauthorized", "Unauthorized"},
	http.StatusBadRequest:          {"https://eventual.dev/errors/bad-request", "Bad Request"},
	http.StatusNotFound:            {"https://eventual.dev/errors/not-found", "Not Found"},
	http.StatusInternalServerError: {"https://eventual.dev/errors/internal-error", "Internal Server Error"},
	http.StatusUnprocessableEntity: {"https://eventual.dev/errors/validation-error", "Validation Error"},
	http.StatusServiceUnavailable:  {"https://eventual.dev/errors/service-unavailable", "Service Unavailable"},
	http.StatusTooManyRequests:     {"https://eventual.dev/errors/rate-limit", "Too Many Requests"},
}

func newProblem(r *http.Request, status, code int, detail string) Problem {
	pt, ok := problemTypes[status]
	if !ok {
		pt.typeURI = "https://eventual.dev/errors/unknown"
		pt.title = http.StatusText(status)
	}
	return Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     code,
	}
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status, code int, detail string) {
	writeProblemBody(w, status, newProblem(r, status, code, detail))
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	writeProblemBody(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, CodeInvalidName, detail),
		Errors:  errs,
	})
}

func writeProblemBody(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "devserver", "error", err)
	}
}

// MapStoreError converts store errors to Problem Details responses.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, CodeObjectNotFound, "Object not found")
	case errors.Is(err, ErrInvalidOperation):
		WriteProblem(w, r, http.StatusBadRequest, CodeInvalidOperation, err.Error())
	default:
		slog.Error("store error", "component", "devserver", "path", r.URL.Path, "error", err)
		WriteProblem(w, r, http.StatusInternalServerError, CodeInternal, "Internal Server Error")
	}
}
