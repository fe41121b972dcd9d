package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watzon/forge/internal/deploy"
	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/invocations"
)

// InvocationHandlers serves invocation history.
type InvocationHandlers struct {
	deploys *deploy.Service
	store   *invocations.Store
}

func NewInvocationHandlers(deploys *deploy.Service, store *invocations.Store) *InvocationHandlers {
	return &InvocationHandlers{deploys: deploys, store: store}
}

// Stats handles GET /functions/{id}/stats.
func (h *InvocationHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deploys.Get(r.Context(), id); err != nil {
		FunctionError(w, err, "Failed to get function")
		return
	}

	stats, err := h.store.Stats(r.Context(), id)
	if err != nil {
		FunctionError(w, err, "Failed to compute function stats")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"stats":        stats,
		"success_rate": stats.SuccessRate(),
	})
}

// List handles GET /functions/{id}/invocations. It accepts limit, offset,
// error_kind and since (RFC 3339).
func (h *InvocationHandlers) List(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.deploys.Get(r.Context(), id); err != nil {
		FunctionError(w, err, "Failed to get function")
		return
	}

	limit, offset := parsePagination(r)
	opts := invocations.ListOptions{
		FunctionID: id,
		ErrorKind:  functions.ErrorKind(r.URL.Query().Get("error_kind")),
		Limit:      limit,
		Offset:     offset,
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			BadRequest(w, "since must be an RFC 3339 timestamp")
			return
		}
		opts.Since = since
	}

	records, err := h.store.List(r.Context(), opts)
	if err != nil {
		FunctionError(w, err, "Failed to list invocations")
		return
	}

	total, err := h.store.Count(r.Context(), opts)
	if err != nil {
		FunctionError(w, err, "Failed to count invocations")
		return
	}

	JSON(w, http.StatusOK, map[string]any{
		"invocations": records,
		"count":       len(records),
		"total":       total,
		"limit":       limit,
		"offset":      offset,
	})
}
