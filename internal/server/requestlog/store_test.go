package requestlog

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/requestctx"
)

func TestStore_RingBuffer(t *testing.T) {
	store := NewStore(3)

	store.Add(Entry{ID: "1", Method: "GET", Path: "/a"})
	store.Add(Entry{ID: "2", Method: "POST", Path: "/b"})
	store.Add(Entry{ID: "3", Method: "PUT", Path: "/c"})
	store.Add(Entry{ID: "4", Method: "DELETE", Path: "/d"})

	if store.Count() != 3 {
		t.Errorf("Count() = %d, want 3 (capacity)", store.Count())
	}

	result := store.List(FilterOptions{Limit: 10})
	if len(result.Entries) != 3 {
		t.Fatalf("List returned %d entries, want 3", len(result.Entries))
	}
	if result.Entries[0].ID != "4" {
		t.Errorf("First entry ID = %s, want 4 (newest)", result.Entries[0].ID)
	}
	if result.Entries[2].ID != "2" {
		t.Errorf("Last entry ID = %s, want 2 (oldest remaining)", result.Entries[2].ID)
	}
}

func TestStore_Filters(t *testing.T) {
	store := NewStore(10)
	now := time.Now()

	store.Add(Entry{ID: "1", Method: "GET", Route: "/functions", Owner: "alice", Status: 200, Timestamp: now.Add(-2 * time.Hour)})
	store.Add(Entry{ID: "2", Method: "POST", Route: "/functions/{id}/invoke", Owner: "alice", Status: 500, InvocationID: "inv-2", Timestamp: now.Add(-time.Hour)})
	store.Add(Entry{ID: "3", Method: "POST", Route: "/functions/{id}/invoke", Owner: "bob", Status: 200, InvocationID: "inv-3", Timestamp: now})
	store.Add(Entry{ID: "4", Method: "DELETE", Route: "/functions/{id}", Owner: "bob", Status: 404, Timestamp: now})

	tests := []struct {
		name string
		opts FilterOptions
		want int
	}{
		{name: "none", opts: FilterOptions{}, want: 4},
		{name: "method", opts: FilterOptions{Method: "POST"}, want: 2},
		{name: "route", opts: FilterOptions{Route: "/functions/{id}/invoke"}, want: 2},
		{name: "owner", opts: FilterOptions{Owner: "bob"}, want: 2},
		{name: "invocations only", opts: FilterOptions{InvocationsOnly: true}, want: 2},
		{name: "exact status", opts: FilterOptions{Status: 200}, want: 2},
		{name: "min status", opts: FilterOptions{MinStatus: 400}, want: 2},
		{name: "status range", opts: FilterOptions{MinStatus: 200, MaxStatus: 299}, want: 2},
		{name: "since", opts: FilterOptions{Since: now.Add(-90 * time.Minute)}, want: 3},
		{name: "until", opts: FilterOptions{Until: now.Add(-90 * time.Minute)}, want: 1},
		{name: "combined", opts: FilterOptions{Owner: "alice", MinStatus: 500}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := store.List(tt.opts)
			if result.Total != tt.want {
				t.Errorf("Total = %d, want %d", result.Total, tt.want)
			}
		})
	}
}

func TestStore_Pagination(t *testing.T) {
	store := NewStore(100)

	for i := range 25 {
		store.Add(Entry{ID: string(rune('a' + i))})
	}

	tests := []struct {
		name   string
		offset int
		want   int
	}{
		{name: "first page", offset: 0, want: 10},
		{name: "second page", offset: 10, want: 10},
		{name: "last page", offset: 20, want: 5},
		{name: "beyond end", offset: 100, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := store.List(FilterOptions{Limit: 10, Offset: tt.offset})
			if len(result.Entries) != tt.want {
				t.Errorf("Entries = %d, want %d", len(result.Entries), tt.want)
			}
			if result.Total != 25 {
				t.Errorf("Total = %d, want 25", result.Total)
			}
		})
	}
}

func TestStore_ClearAndStats(t *testing.T) {
	store := NewStore(0)

	store.Add(Entry{ID: "1"})
	store.Add(Entry{ID: "2"})

	stats := store.Stats()
	if stats.Capacity != defaultCapacity {
		t.Errorf("Capacity = %d, want %d", stats.Capacity, defaultCapacity)
	}
	if stats.Count != 2 {
		t.Errorf("Count = %d, want 2", stats.Count)
	}

	store.Clear()
	if store.Count() != 0 {
		t.Errorf("Count() = %d, want 0", store.Count())
	}
	if got := store.List(FilterOptions{}); got.Entries == nil || len(got.Entries) != 0 {
		t.Errorf("List after Clear = %+v, want empty", got.Entries)
	}
}

func TestMiddleware(t *testing.T) {
	store := NewStore(10)

	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := requestctx.WithRequestID(req.Context(), "req-1")
			ctx = requestctx.WithOwner(ctx, "alice")
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Use(Middleware(store))
	r.Post("/functions/{id}/invoke", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set(functions.InvocationIDHeader, "inv-1")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{}"))
	})
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {})

	req := httptest.NewRequest(http.MethodPost, "/functions/abc/invoke", nil)
	req.Header.Set("X-Forwarded-For", "10.0.0.1, 10.0.0.2")
	r.ServeHTTP(httptest.NewRecorder(), req)
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	result := store.List(FilterOptions{})
	if result.Total != 1 {
		t.Fatalf("Total = %d, want 1 (health is skipped)", result.Total)
	}

	entry := result.Entries[0]
	if entry.ID != "req-1" {
		t.Errorf("ID = %q, want req-1", entry.ID)
	}
	if entry.Route != "/functions/{id}/invoke" {
		t.Errorf("Route = %q", entry.Route)
	}
	if entry.Status != http.StatusInternalServerError {
		t.Errorf("Status = %d, want 500", entry.Status)
	}
	if entry.Owner != "alice" {
		t.Errorf("Owner = %q, want alice", entry.Owner)
	}
	if entry.InvocationID != "inv-1" {
		t.Errorf("InvocationID = %q, want inv-1", entry.InvocationID)
	}
	if entry.ClientIP != "10.0.0.1" {
		t.Errorf("ClientIP = %q, want 10.0.0.1", entry.ClientIP)
	}
	if entry.BytesOut != 2 {
		t.Errorf("BytesOut = %d, want 2", entry.BytesOut)
	}
}
