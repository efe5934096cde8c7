package devserver

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/eventual/internal/validation"
	"github.com/hyperengineering/eventual/pkg/op"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Objects int    `json:"objects"`
}

// Handler implements the object routes.
type Handler struct {
	store   *Store
	apiKey  string
	version string
}

// NewHandler creates a Handler.
func NewHandler(s *Store, apiKey, version string) *Handler {
	return &Handler{store: s, apiKey: apiKey, version: version}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.Count()
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy", Version: h.version, Objects: n})
}

// Create handles POST /classes/{class}
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	className := chi.URLParam(r, "class")
	ops, ok := decodeOps(w, r, className)
	if !ok {
		return
	}
	rec, derived, err := h.store.Create(className, ops)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	slog.Debug("object created", "component", "devserver", "class", className, "object_id", rec.ObjectID)

	body := map[string]any{
		"objectId":  rec.ObjectID,
		"createdAt": rec.JSON()["createdAt"],
	}
	for k, v := range derived {
		body[k] = v
	}
	writeJSON(w, http.StatusCreated, body)
}

// Update handles PUT /classes/{class}/{id}
func (h *Handler) Update(w http.ResponseWriter, r *http.Request) {
	className := chi.URLParam(r, "class")
	ops, ok := decodeOps(w, r, className)
	if !ok {
		return
	}
	rec, derived, err := h.store.Update(className, chi.URLParam(r, "id"), ops)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	body := map[string]any{"updatedAt": rec.JSON()["updatedAt"]}
	for k, v := range derived {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// Get handles GET /classes/{class}/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.store.Get(chi.URLParam(r, "class"), chi.URLParam(r, "id"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec.JSON())
}

// List handles GET /classes/{class}
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	recs, err := h.store.List(chi.URLParam(r, "class"))
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	results := make([]map[string]any, len(recs))
	for i, rec := range recs {
		results[i] = rec.JSON()
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

// Delete handles DELETE /classes/{class}/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Delete(chi.URLParam(r, "class"), chi.URLParam(r, "id")); err != nil {
		MapStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

// decodeOps reads and validates an operation map. On failure the problem
// response has been written.
func decodeOps(w http.ResponseWriter, r *http.Request, className string) (op.Map, bool) {
	var ops op.Map
	if err := json.NewDecoder(r.Body).Decode(&ops); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, CodeInvalidJSON, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return nil, false
	}

	var errs validation.Collector
	errs.Add(validation.ValidateClassName(className))
	for _, attr := range ops.Keys() {
		errs.Add(validation.ValidateAttribute(attr))
	}
	if errs.HasErrors() {
		WriteProblemWithErrors(w, r, "Request contains invalid names", errs.Errors())
		return nil, false
	}
	return ops, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode response", "component", "devserver", "error", err)
	}
}
