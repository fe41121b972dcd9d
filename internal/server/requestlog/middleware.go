package requestlog

import (
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/watzon/forge/internal/functions"
	"github.com/watzon/forge/internal/requestctx"
)

var skipPrefixes = []string{"/health", "/metrics", "/logs"}

// Middleware records every request except health, metrics and log reads
// into store.
func Middleware(store *Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if shouldSkip(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}

			entry := Entry{
				ID:           requestctx.RequestID(r.Context()),
				Timestamp:    start,
				Method:       r.Method,
				Path:         r.URL.Path,
				Status:       status,
				DurationMS:   float64(time.Since(start).Microseconds()) / 1000.0,
				BytesIn:      r.ContentLength,
				BytesOut:     int64(ww.BytesWritten()),
				ClientIP:     clientIP(r),
				UserAgent:    r.UserAgent(),
				Owner:        requestctx.Owner(r.Context()),
				InvocationID: w.Header().Get(functions.InvocationIDHeader),
			}
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				entry.Route = rctx.RoutePattern()
			}

			store.Add(entry)
		})
	}
}

func shouldSkip(path string) bool {
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
