package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/viant/jsonrpc"

	"rpc-bridge-go/internal/model"
)

func testRouter() *Router {
	return NewRouter().
		Query("greeting", func(call Call) (any, error) {
			var in struct {
				Name string `json:"name"`
			}
			if err := call.Bind(&in); err != nil {
				return nil, err
			}
			if in.Name == "" {
				return "hello", nil
			}
			return "hello " + in.Name, nil
		}).
		Query("secret", func(call Call) (any, error) {
			return nil, NewError(CodeUnauthorized, "login required")
		}).
		Query("broken", func(call Call) (any, error) {
			return nil, errors.New("boom")
		}).
		Mutation("echo", func(call Call) (any, error) {
			return call.Input, nil
		}).
		Query("context", func(call Call) (any, error) {
			return call.Context, nil
		})
}

func newRequest(method, endpoint, rawQuery, body string) *model.RPCRequest {
	q, _ := url.ParseQuery(rawQuery)
	return &model.RPCRequest{
		Ctx:      context.Background(),
		Method:   method,
		Endpoint: endpoint,
		Query:    q,
		Header:   http.Header{},
		Body:     strings.NewReader(body),
	}
}

func TestFetchHandler(t *testing.T) {
	tests := []struct {
		name       string
		req        *model.RPCRequest
		wantStatus int
		wantBody   string
	}{
		{
			name:       "single query",
			req:        newRequest(http.MethodGet, "greeting", "", ""),
			wantStatus: http.StatusOK,
			wantBody:   `{"result":{"data":"hello"}}`,
		},
		{
			name:       "query with input",
			req:        newRequest(http.MethodGet, "greeting", "input="+url.QueryEscape(`{"name":"ann"}`), ""),
			wantStatus: http.StatusOK,
			wantBody:   `{"result":{"data":"hello ann"}}`,
		},
		{
			name:       "mutation body",
			req:        newRequest(http.MethodPost, "echo", "", `{"a":1}`),
			wantStatus: http.StatusOK,
			wantBody:   `{"result":{"data":{"a":1}}}`,
		},
		{
			name:       "unknown procedure",
			req:        newRequest(http.MethodGet, "missing", "", ""),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "mutation via GET is not found",
			req:        newRequest(http.MethodGet, "echo", "", ""),
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "procedure error status",
			req:        newRequest(http.MethodGet, "secret", "", ""),
			wantStatus: http.StatusUnauthorized,
		},
		{
			name:       "plain error is internal",
			req:        newRequest(http.MethodGet, "broken", "", ""),
			wantStatus: http.StatusInternalServerError,
		},
		{
			name:       "unsupported method",
			req:        newRequest(http.MethodDelete, "greeting", "", ""),
			wantStatus: http.StatusMethodNotAllowed,
		},
		{
			name:       "invalid input json",
			req:        newRequest(http.MethodPost, "echo", "", `{`),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "batch all ok",
			req:        newRequest(http.MethodGet, "greeting,greeting", "batch=1&input="+url.QueryEscape(`{"1":{"name":"bo"}}`), ""),
			wantStatus: http.StatusOK,
			wantBody:   `[{"result":{"data":"hello"}},{"result":{"data":"hello bo"}}]`,
		},
		{
			name:       "batch mixed",
			req:        newRequest(http.MethodGet, "greeting,secret", "batch=1", ""),
			wantStatus: http.StatusMultiStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := FetchHandler.Serve(tt.req, Options{Router: testRouter()})
			if out.Status != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", out.Status, tt.wantStatus, out.Body)
			}
			if got := out.Header.Get("Content-Type"); got != "application/json" {
				t.Errorf("Content-Type = %q", got)
			}
			if tt.wantBody != "" && string(out.Body) != tt.wantBody {
				t.Errorf("body = %s, want %s", out.Body, tt.wantBody)
			}
		})
	}
}

func TestFetchHandler_ErrorShape(t *testing.T) {
	out := FetchHandler.Serve(newRequest(http.MethodGet, "secret", "", ""), Options{Router: testRouter()})

	var env struct {
		Error ErrorShape `json:"error"`
	}
	if err := json.Unmarshal(out.Body, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Message != "login required" {
		t.Errorf("message = %q", env.Error.Message)
	}
	if env.Error.Code != -32001 {
		t.Errorf("code = %d", env.Error.Code)
	}
	if env.Error.Data.Code != CodeUnauthorized || env.Error.Data.HTTPStatus != http.StatusUnauthorized {
		t.Errorf("data = %+v", env.Error.Data)
	}
	if env.Error.Data.Path != "secret" {
		t.Errorf("path = %q", env.Error.Data.Path)
	}
}

func TestFetchHandler_Hooks(t *testing.T) {
	var reported []string
	opts := Options{
		Router: testRouter(),
		CreateContext: func(ctx context.Context) (any, error) {
			return "ctx-value", nil
		},
		ResponseMeta: func(in ResponseMetaInput) ResponseMeta {
			if in.Context != "ctx-value" {
				t.Errorf("meta context = %v", in.Context)
			}
			return ResponseMeta{Header: http.Header{"Cache-Control": {"no-store"}}}
		},
		OnError: func(info ErrorInfo) {
			reported = append(reported, info.Path)
		},
	}

	out := FetchHandler.Serve(newRequest(http.MethodGet, "context,secret", "batch=1", ""), opts)
	if out.Header.Get("Cache-Control") != "no-store" {
		t.Errorf("meta header missing: %v", out.Header)
	}
	if !strings.Contains(string(out.Body), `"data":"ctx-value"`) {
		t.Errorf("context not passed: %s", out.Body)
	}
	if len(reported) != 1 || reported[0] != "secret" {
		t.Errorf("reported = %v", reported)
	}
}

func TestFetchHandler_CreateContextError(t *testing.T) {
	opts := Options{
		Router: testRouter(),
		CreateContext: func(ctx context.Context) (any, error) {
			return nil, NewError(CodeForbidden, "nope")
		},
	}
	out := FetchHandler.Serve(newRequest(http.MethodGet, "greeting", "", ""), opts)
	if out.Status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", out.Status)
	}
}

func TestFetchHandler_StatusOverride(t *testing.T) {
	opts := Options{
		Router: testRouter(),
		ResponseMeta: func(ResponseMetaInput) ResponseMeta {
			return ResponseMeta{Status: http.StatusAccepted}
		},
	}
	out := FetchHandler.Serve(newRequest(http.MethodGet, "greeting", "", ""), opts)
	if out.Status != http.StatusAccepted {
		t.Errorf("status = %d, want 202", out.Status)
	}
}

func TestAsError(t *testing.T) {
	if AsError(nil) != nil {
		t.Error("AsError(nil) should be nil")
	}
	plain := errors.New("x")
	got := AsError(plain)
	if got.Code != CodeInternal || !errors.Is(got, plain) {
		t.Errorf("AsError(plain) = %+v", got)
	}
	wrapped := Errorf(CodeBadRequest, "bad: %w", plain)
	if AsError(wrapped) != wrapped {
		t.Error("AsError should return *Error unchanged")
	}
	if !errors.Is(wrapped, plain) {
		t.Error("Errorf should keep the wrapped error")
	}
}

func TestServeMessage(t *testing.T) {
	r := testRouter()

	tests := []struct {
		name     string
		method   string
		params   string
		wantCode int
		wantData string
	}{
		{name: "query", method: "query", params: `{"path":"greeting","input":{"name":"cy"}}`, wantData: `"hello cy"`},
		{name: "mutation", method: "mutation", params: `{"path":"echo","input":[1,2]}`, wantData: `[1,2]`},
		{name: "unknown method", method: "subscription", params: `{"path":"greeting"}`, wantCode: -32601},
		{name: "bad params", method: "query", params: `[`, wantCode: -32602},
		{name: "procedure error", method: "query", params: `{"path":"secret"}`, wantCode: -32001},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &jsonrpc.Request{Jsonrpc: jsonrpc.Version, Id: 7, Method: tt.method, Params: json.RawMessage(tt.params)}
			resp := r.ServeMessage(context.Background(), nil, req)

			if resp.Id != req.Id {
				t.Errorf("id = %v, want %v", resp.Id, req.Id)
			}
			if tt.wantCode != 0 {
				if resp.Error == nil || int(resp.Error.Code) != tt.wantCode {
					t.Fatalf("error = %+v, want code %d", resp.Error, tt.wantCode)
				}
				return
			}
			if resp.Error != nil {
				t.Fatalf("unexpected error: %+v", resp.Error)
			}
			var res MessageResult
			if err := json.Unmarshal(resp.Result, &res); err != nil {
				t.Fatalf("decode result: %v", err)
			}
			if res.Type != "data" || string(res.Data) != tt.wantData {
				t.Errorf("result = %+v", res)
			}
		})
	}
}
