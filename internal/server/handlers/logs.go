package handlers

import (
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/watzon/forge/internal/server/requestlog"
)

// LogsHandlers serves the in-memory request log.
type LogsHandlers struct {
	store *requestlog.Store
}

func NewLogsHandlers(store *requestlog.Store) *LogsHandlers {
	return &LogsHandlers{store: store}
}

// List handles GET /logs.
func (h *LogsHandlers) List(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	limit, offset := parsePagination(r)
	opts := requestlog.FilterOptions{
		Method:          query.Get("method"),
		Route:           query.Get("route"),
		Owner:           query.Get("owner"),
		InvocationsOnly: query.Get("invocations") == "true",
		Status:          intParam(query, "status"),
		MinStatus:       intParam(query, "min_status"),
		MaxStatus:       intParam(query, "max_status"),
		Since:           timeParam(query, "since"),
		Until:           timeParam(query, "until"),
		Limit:           limit,
		Offset:          offset,
	}

	JSON(w, http.StatusOK, h.store.List(opts))
}

// Stats handles GET /logs/stats.
func (h *LogsHandlers) Stats(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.store.Stats())
}

// Clear handles DELETE /logs.
func (h *LogsHandlers) Clear(w http.ResponseWriter, r *http.Request) {
	h.store.Clear()
	JSON(w, http.StatusOK, map[string]string{"message": "logs cleared"})
}

func intParam(query url.Values, key string) int {
	n, err := strconv.Atoi(query.Get(key))
	if err != nil {
		return 0
	}
	return n
}

func timeParam(query url.Values, key string) time.Time {
	t, err := time.Parse(time.RFC3339, query.Get(key))
	if err != nil {
		return time.Time{}
	}
	return t
}
