package middleware_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/config"
	"rpc-bridge-go/internal/middleware"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRateLimit_Disabled(t *testing.T) {
	mw := middleware.RateLimit(config.RateLimitConfig{Enabled: false}, discardLogger())
	if mw != nil {
		t.Fatal("RateLimit() should return nil when disabled")
	}
}

func TestRateLimit_Enabled(t *testing.T) {
	e := echo.New()

	// 1 request per second, burst of 1: the second request should be rejected.
	mw := middleware.RateLimit(config.RateLimitConfig{Enabled: true, RequestsPerSecond: 1}, discardLogger())
	if mw == nil {
		t.Fatal("RateLimit() returned nil when enabled")
	}
	e.Use(mw)
	e.POST("/trpc/*", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodPost, "/trpc/greeting", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: status = %d, want %d", rec.Code, http.StatusOK)
	}

	got429 := false
	for range 10 {
		req = httptest.NewRequest(http.MethodPost, "/trpc/greeting", http.NoBody)
		rec = httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			got429 = true
			break
		}
	}
	if !got429 {
		t.Error("expected at least one 429 response after burst, got none")
	}
}
