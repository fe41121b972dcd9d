package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/watzon/forge/internal/deploy"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/invocations"
	"github.com/watzon/forge/internal/requestctx"
)

// FunctionHandlers serves function management and invocation.
type FunctionHandlers struct {
	deploys     *deploy.Service
	invoker     *functions.Service
	invocations *invocations.Store
}

// NewFunctionHandlers creates function handlers. history may be nil when
// invocation recording is disabled.
func NewFunctionHandlers(deploys *deploy.Service, invoker *functions.Service, history *invocations.Store) *FunctionHandlers {
	return &FunctionHandlers{
		deploys:     deploys,
		invoker:     invoker,
		invocations: history,
	}
}

// Deploy handles POST /functions.
func (h *FunctionHandlers) Deploy(w http.ResponseWriter, r *http.Request) {
	owner := requestctx.Owner(r.Context())
	if owner == "" {
		BadRequest(w, OwnerHeader+" header is required")
		return
	}

	var req deploy.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body: "+err.Error())
		return
	}

	resp, err := h.deploys.Deploy(r.Context(), &req, owner)
	if err != nil {
		FunctionError(w, err, "Failed to deploy function")
		return
	}

	JSON(w, http.StatusCreated, resp)
}

// List handles GET /functions. Without an owner header every function is
// listed.
func (h *FunctionHandlers) List(w http.ResponseWriter, r *http.Request) {
	fns, err := h.deploys.List(r.Context(), requestctx.Owner(r.Context()))
	if err != nil {
		FunctionError(w, err, "Failed to list functions")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"functions": fns,
		"count":     len(fns),
	})
}

// Get handles GET /functions/{id}.
func (h *FunctionHandlers) Get(w http.ResponseWriter, r *http.Request) {
	fn, err := h.deploys.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		FunctionError(w, err, "Failed to get function")
		return
	}

	JSON(w, http.StatusOK, fn)
}

// Update handles PUT /functions/{id}.
func (h *FunctionHandlers) Update(w http.ResponseWriter, r *http.Request) {
	var req deploy.DeployRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body: "+err.Error())
		return
	}

	resp, err := h.deploys.Update(r.Context(), chi.URLParam(r, "id"), &req)
	if err != nil {
		FunctionError(w, err, "Failed to update function")
		return
	}

	JSON(w, http.StatusOK, resp)
}

type setActiveRequest struct {
	IsActive *bool `json:"is_active"`
}

// SetActive handles PATCH /functions/{id}.
func (h *FunctionHandlers) SetActive(w http.ResponseWriter, r *http.Request) {
	var req setActiveRequest
	if err := decodeJSON(r, &req); err != nil {
		Error(w, http.StatusBadRequest, "INVALID_JSON", "Invalid JSON body: "+err.Error())
		return
	}
	if req.IsActive == nil {
		BadRequest(w, "is_active is required")
		return
	}

	id := chi.URLParam(r, "id")
	if err := h.deploys.SetActive(r.Context(), id, *req.IsActive); err != nil {
		FunctionError(w, err, "Failed to update function")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"function_id": id,
		"is_active":   *req.IsActive,
	})
}

// Delete handles DELETE /functions/{id}. The function's invocation history
// goes with it.
func (h *FunctionHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deploys.Delete(r.Context(), id); err != nil {
		FunctionError(w, err, "Failed to delete function")
		return
	}

	if h.invocations != nil {
		if _, err := h.invocations.DeleteForFunction(r.Context(), id); err != nil {
			log.Warn().Err(err).Str("function_id", id).Msg("Failed to delete invocation history")
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// Invoke handles POST /functions/{id}/invoke. The request body is the
// payload. Every failure that happens once the function is found is a 500
// carrying the error kind; a missing function is a 404.
func (h *FunctionHandlers) Invoke(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			Error(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "Payload too large")
			return
		}
		BadRequest(w, "Failed to read payload")
		return
	}
	if len(body) > 0 && !json.Valid(body) {
		Error(w, http.StatusBadRequest, "INVALID_JSON", "Payload must be valid JSON")
		return
	}

	resp, err := h.invoker.Invoke(r.Context(), &functions.InvocationRequest{
		FunctionID:  id,
		Payload:     body,
		Headers:     flattenHeaders(r.Header),
		QueryParams: flattenQuery(r),
	})
	if err != nil {
		status := http.StatusInternalServerError
		if functions.KindOf(err) == functions.KindNotFound {
			status = http.StatusNotFound
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write(functions.ErrorBody(err))
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	JSON(w, resp.StatusCode, resp)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}

func flattenQuery(r *http.Request) map[string]string {
	query := r.URL.Query()
	out := make(map[string]string, len(query))
	for k := range query {
		out[k] = query.Get(k)
	}
	return out
}
