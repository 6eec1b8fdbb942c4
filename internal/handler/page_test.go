package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/client"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/transport"
)

func fetcherReturning(status int, body string) event.Fetcher {
	return event.FetchFunc(func(*http.Request, event.FetchInit) (*http.Response, error) {
		rec := httptest.NewRecorder()
		rec.WriteHeader(status)
		_, _ = rec.WriteString(body)
		return rec.Result(), nil
	})
}

func TestPageDataHandler(t *testing.T) {
	tests := []struct {
		name       string
		ambient    transport.Ambient
		wantStatus int
		wantBody   map[string]string
	}{
		{
			name:       "ok",
			ambient:    transport.Ambient{Fetcher: fetcherReturning(http.StatusOK, `[{"result":{"data":"hello"}}]`), Origin: "http://localhost:8000"},
			wantStatus: http.StatusOK,
			wantBody:   map[string]string{"greeting": "hello"},
		},
		{
			name: "procedure error",
			ambient: transport.Ambient{
				Fetcher: fetcherReturning(http.StatusUnauthorized, `[{"error":{"message":"nope","code":-32001,"data":{"code":"UNAUTHORIZED","httpStatus":401}}}]`),
				Origin:  "http://localhost:8000",
			},
			wantStatus: http.StatusUnauthorized,
			wantBody:   map[string]string{"error": "nope", "code": "UNAUTHORIZED"},
		},
		{
			name:       "no transport",
			ambient:    transport.Ambient{},
			wantStatus: http.StatusInternalServerError,
			wantBody:   map[string]string{"error": "rpc client has no transport"},
		},
		{
			name: "connection failure",
			ambient: transport.Ambient{
				Fetcher: event.FetchFunc(func(req *http.Request, _ event.FetchInit) (*http.Response, error) {
					return nil, &url.Error{Op: "Get", URL: req.URL.String(), Err: errors.New("connection refused")}
				}),
				Origin: "http://localhost:8000",
			},
			wantStatus: http.StatusBadGateway,
			wantBody:   map[string]string{"error": "rpc connection failed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/page-data", http.NoBody)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			h := NewPageDataHandler(client.NewProvider(client.Options{}, tt.ambient), discardLogger())
			if err := h.Handle(c); err != nil {
				t.Fatalf("Handle() error = %v", err)
			}

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var body map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			for k, v := range tt.wantBody {
				if body[k] != v {
					t.Errorf("body.%s = %q, want %q", k, body[k], v)
				}
			}
		})
	}
}
