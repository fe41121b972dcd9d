package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/watzon/forge/internal/config"
	"github.com/watzon/forge/internal/requestctx"
)

func TestRecoveryMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	wrapped := RecoveryMiddleware(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, w.Code)
	}

	var response map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["error"] != "internal server error" {
		t.Errorf("expected error message 'internal server error', got %v", response["error"])
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	var captured *http.Request

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
		w.WriteHeader(http.StatusOK)
	})

	wrapped := RequestIDMiddleware(handler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	requestID := requestctx.RequestID(captured.Context())
	if requestID == "" {
		t.Error("request ID should be set in context")
	}

	if headerID := w.Header().Get("X-Request-ID"); requestID != headerID {
		t.Errorf("context request ID %q should match header ID %q", requestID, headerID)
	}

	if requestctx.RequestTime(captured.Context()).IsZero() {
		t.Error("request time should be set in context")
	}
}

func TestRequestIDMiddleware_ExistingID(t *testing.T) {
	var captured *http.Request

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = r
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "existing-request-id")
	w := httptest.NewRecorder()

	RequestIDMiddleware(handler).ServeHTTP(w, req)

	if got := requestctx.RequestID(captured.Context()); got != "existing-request-id" {
		t.Errorf("expected request ID %q, got %q", "existing-request-id", got)
	}
	if got := w.Header().Get("X-Request-ID"); got != "existing-request-id" {
		t.Errorf("expected header ID %q, got %q", "existing-request-id", got)
	}
}

func TestOwnerMiddleware(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{header: "alice", want: "alice"},
		{header: "  bob ", want: "bob"},
		{header: "", want: ""},
	}

	for _, tt := range tests {
		var got string
		handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = requestctx.Owner(r.Context())
		})

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			req.Header.Set("X-Forge-Owner", tt.header)
		}
		OwnerMiddleware(handler).ServeHTTP(httptest.NewRecorder(), req)

		if got != tt.want {
			t.Errorf("owner for header %q = %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestLoggingMiddleware(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("test response"))
	})

	wrapped := RequestIDMiddleware(LoggingMiddleware(handler))

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()

	wrapped.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}

	if w.Body.String() != "test response" {
		t.Errorf("expected body 'test response', got %s", w.Body.String())
	}
}

func TestCORSMiddleware(t *testing.T) {
	cfg := config.CORSConfig{
		Enabled:        true,
		AllowedOrigins: []string{"https://app.example.com"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type", "X-Forge-Owner"},
		ExposedHeaders: []string{"X-Forge-Invocation-Id"},
		MaxAge:         time.Hour,
	}

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	wrapped := CORSMiddleware(cfg)(handler)

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.example.com")
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
			t.Errorf("Allow-Origin = %q", got)
		}
		if got := w.Header().Get("Access-Control-Expose-Headers"); got != "X-Forge-Invocation-Id" {
			t.Errorf("Expose-Headers = %q", got)
		}
	})

	t.Run("disallowed origin", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.example.com")
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)

		if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("Allow-Origin = %q, want empty", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/functions", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "X-Forge-Owner")
		w := httptest.NewRecorder()
		wrapped.ServeHTTP(w, req)

		if w.Code >= 300 {
			t.Errorf("preflight status = %d", w.Code)
		}
		if got := w.Header().Get("Access-Control-Allow-Methods"); got != "POST" {
			t.Errorf("Allow-Methods = %q, want POST", got)
		}
		if got := w.Header().Get("Access-Control-Max-Age"); got != "3600" {
			t.Errorf("Max-Age = %q, want 3600", got)
		}
	})
}

func TestMaxBodySizeMiddleware(t *testing.T) {
	maxSize := int64(100)

	tests := []struct {
		name         string
		bodySize     int
		expectStatus int
	}{
		{name: "within limit", bodySize: 50, expectStatus: http.StatusOK},
		{name: "at limit", bodySize: 100, expectStatus: http.StatusOK},
		{name: "over limit", bodySize: 150, expectStatus: http.StatusRequestEntityTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, err := io.ReadAll(r.Body)
				if err != nil {
					http.Error(w, err.Error(), http.StatusBadRequest)
					return
				}
				w.WriteHeader(http.StatusOK)
				w.Write(body)
			})

			wrapped := MaxBodySizeMiddleware(maxSize)(handler)

			body := bytes.Repeat([]byte("a"), tt.bodySize)
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
			req.Header.Set("Content-Length", fmt.Sprintf("%d", tt.bodySize))
			w := httptest.NewRecorder()

			wrapped.ServeHTTP(w, req)

			if w.Code != tt.expectStatus {
				t.Errorf("expected status %d, got %d", tt.expectStatus, w.Code)
			}
		})
	}
}

func TestMaxBodySizeMiddleware_UnknownLength(t *testing.T) {
	var readErr error
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, readErr = io.ReadAll(r.Body)
	})

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("a", 150)))
	req.ContentLength = -1
	MaxBodySizeMiddleware(100)(handler).ServeHTTP(httptest.NewRecorder(), req)

	var maxErr *http.MaxBytesError
	if readErr == nil || !errors.As(readErr, &maxErr) {
		t.Errorf("expected MaxBytesError, got %v", readErr)
	}
}

func TestStatusOf(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)

	untouched := middleware.NewWrapResponseWriter(httptest.NewRecorder(), req.ProtoMajor)
	if got := statusOf(untouched); got != http.StatusOK {
		t.Errorf("expected implicit 200, got %d", got)
	}

	written := middleware.NewWrapResponseWriter(httptest.NewRecorder(), req.ProtoMajor)
	written.WriteHeader(http.StatusCreated)
	if _, err := written.Write([]byte("test response")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := statusOf(written); got != http.StatusCreated {
		t.Errorf("expected 201, got %d", got)
	}
	if written.BytesWritten() != 13 {
		t.Errorf("expected 13 bytes counted, got %d", written.BytesWritten())
	}
}

func TestRecoveryMiddleware_AbortHandler(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	})

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	RecoveryMiddleware(handler).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
}

func TestMetricsMiddleware_SkipsMetricsEndpoint(t *testing.T) {
	var handlerCalled bool

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handlerCalled = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()

	MetricsMiddleware(handler).ServeHTTP(w, req)

	if !handlerCalled {
		t.Error("handler should be called for /metrics")
	}
	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
}
