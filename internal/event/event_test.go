package event

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/cookie"
)

func newTestEvent(t *testing.T, target string) (*Event, *httptest.ResponseRecorder) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, http.NoBody)
	rec := httptest.NewRecorder()
	return New(e.NewContext(req, rec), nil, nil), rec
}

func TestEvent_URLAndOrigin(t *testing.T) {
	ev, _ := newTestEvent(t, "/trpc/greeting?batch=1")

	if got := ev.URL().String(); got != "http://example.com/trpc/greeting?batch=1" {
		t.Errorf("URL() = %q", got)
	}
	if got := ev.Origin(); got != "http://example.com" {
		t.Errorf("Origin() = %q, want %q", got, "http://example.com")
	}
}

func TestEvent_ApplyStagedMutations(t *testing.T) {
	ev, _ := newTestEvent(t, "/page")

	if err := ev.SetHeaders(map[string]string{"x-test": "1"}); err != nil {
		t.Fatalf("SetHeaders() error = %v", err)
	}
	if err := ev.SetHeaders(map[string]string{"X-Test": "2"}); err != nil {
		t.Fatalf("SetHeaders() error = %v", err)
	}
	if err := ev.Cookies().Set("session", "abc", cookie.Options{}); err != nil {
		t.Fatalf("Cookies().Set() error = %v", err)
	}
	if err := ev.Cookies().Delete("old", cookie.Options{Path: "/"}); err != nil {
		t.Fatalf("Cookies().Delete() error = %v", err)
	}

	h := make(http.Header)
	ev.Apply(h)

	if got := h.Get("X-Test"); got != "2" {
		t.Errorf("X-Test = %q, want %q", got, "2")
	}
	want := []string{
		"session=abc; HttpOnly; SameSite=Lax; Secure",
		"old=; Max-Age=0; Path=/; HttpOnly; SameSite=Lax; Secure",
	}
	got := h.Values("Set-Cookie")
	if len(got) != len(want) {
		t.Fatalf("Set-Cookie = %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Set-Cookie[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestEvent_DetachSkipsApply(t *testing.T) {
	ev, _ := newTestEvent(t, "/page")
	_ = ev.SetHeaders(map[string]string{"X-Test": "1"})
	ev.Detach()

	h := make(http.Header)
	ev.Apply(h)
	if len(h) != 0 {
		t.Errorf("Apply after Detach wrote %v", h)
	}
}

func TestEvent_SetHeadersRejectsSetCookie(t *testing.T) {
	ev, _ := newTestEvent(t, "/page")
	err := ev.SetHeaders(map[string]string{"set-cookie": "a=b"})
	if !errors.Is(err, ErrSetCookieHeader) {
		t.Errorf("SetHeaders(set-cookie) error = %v, want ErrSetCookieHeader", err)
	}
}

func TestCookies_Get(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/page", http.NoBody)
	req.AddCookie(&http.Cookie{Name: "theme", Value: "dark"})
	ev := New(e.NewContext(req, httptest.NewRecorder()), nil, nil)

	if v, ok := ev.Cookies().Get("theme"); !ok || v != "dark" {
		t.Errorf("Get(theme) = (%q, %v), want (dark, true)", v, ok)
	}
	if _, ok := ev.Cookies().Get("missing"); ok {
		t.Error("Get(missing) reported present")
	}

	_ = ev.Cookies().Set("theme", "light mode", cookie.Options{})
	if v, _ := ev.Cookies().Get("theme"); v != "light mode" {
		t.Errorf("Get(theme) after Set = %q, want %q", v, "light mode")
	}

	_ = ev.Cookies().Delete("theme", cookie.Options{})
	if _, ok := ev.Cookies().Get("theme"); ok {
		t.Error("Get(theme) after Delete reported present")
	}
}

func TestWithHooks_SharesState(t *testing.T) {
	ev, _ := newTestEvent(t, "/page")

	var called bool
	hook := headerFunc(func(h map[string]string) error {
		called = true
		return ev.Headers().SetHeaders(h)
	})
	derived := ev.WithHooks(hook, nil)

	if err := derived.SetHeaders(map[string]string{"X-Derived": "yes"}); err != nil {
		t.Fatalf("SetHeaders() error = %v", err)
	}
	if !called {
		t.Error("derived hook not called")
	}
	if derived.Cookies() != ev.Cookies() {
		t.Error("nil cookies hook should keep the original")
	}

	h := make(http.Header)
	ev.Apply(h)
	if got := h.Get("X-Derived"); got != "yes" {
		t.Errorf("X-Derived = %q, want %q", got, "yes")
	}
}

type headerFunc func(map[string]string) error

func (f headerFunc) SetHeaders(h map[string]string) error { return f(h) }

func TestMiddleware_InstallsEvent(t *testing.T) {
	e := echo.New()
	e.Use(Middleware(nil, nil))
	e.GET("/page", func(c echo.Context) error {
		ev, ok := FromEcho(c)
		if !ok {
			t.Fatal("FromEcho() reported no event")
		}
		fromCtx, ok := FromContext(c.Request().Context())
		if !ok || fromCtx != ev {
			t.Error("request context does not carry the same event")
		}
		_ = ev.SetHeaders(map[string]string{"X-Page": "1"})
		_ = ev.Cookies().Set("visited", "yes", cookie.Options{})
		return c.String(http.StatusOK, "ok")
	})

	req := httptest.NewRequest(http.MethodGet, "/page", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if got := rec.Header().Get("X-Page"); got != "1" {
		t.Errorf("X-Page = %q, want %q", got, "1")
	}
	if got := rec.Header().Get("Set-Cookie"); got != "visited=yes; HttpOnly; SameSite=Lax; Secure" {
		t.Errorf("Set-Cookie = %q", got)
	}
}

func TestFromContext_Absent(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("FromContext(Background) reported an event")
	}
}

func TestRequestFetcher_Credentials(t *testing.T) {
	var gotCookie string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/page", http.NoBody)
	req.Header.Set("Cookie", "session=abc")
	ev := New(e.NewContext(req, httptest.NewRecorder()), upstream.Client(), nil)

	tests := []struct {
		name   string
		target string
		mode   Credentials
		want   string
	}{
		{"same origin default", upstream.URL + "/trpc", CredentialsUnset, "session=abc"},
		{"relative url", "/trpc", CredentialsSameOrigin, "session=abc"},
		{"omit", upstream.URL + "/trpc", CredentialsOmit, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCookie = ""
			out, err := http.NewRequest(http.MethodGet, tt.target, http.NoBody)
			if err != nil {
				t.Fatal(err)
			}
			resp, err := ev.Fetcher().Fetch(out, FetchInit{Credentials: tt.mode})
			if err != nil {
				t.Fatalf("Fetch() error = %v", err)
			}
			_ = resp.Body.Close()
			if gotCookie != tt.want {
				t.Errorf("Cookie = %q, want %q", gotCookie, tt.want)
			}
		})
	}
}

func TestRequestFetcher_ConfiguredOrigin(t *testing.T) {
	var trustedCookie string
	trusted := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trustedCookie = r.Header.Get("Cookie")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer trusted.Close()

	var forgedHits atomic.Int32
	forged := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forgedHits.Add(1)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer forged.Close()

	origin, err := url.Parse(trusted.URL)
	if err != nil {
		t.Fatal(err)
	}

	var ev *Event
	e := echo.New()
	e.Use(Middleware(trusted.Client(), origin))
	e.GET("/page-data", func(c echo.Context) error {
		ev, _ = FromEcho(c)
		out, err := http.NewRequest(http.MethodGet, "/trpc/greeting", http.NoBody)
		if err != nil {
			return err
		}
		resp, err := ev.Fetcher().Fetch(out, FetchInit{Credentials: CredentialsSameOrigin})
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
		return c.NoContent(http.StatusOK)
	})

	// The Host header names another server; it must not be dialed.
	req := httptest.NewRequest(http.MethodGet, "/page-data", http.NoBody)
	req.Host = strings.TrimPrefix(forged.URL, "http://")
	req.Header.Set("Cookie", "session=alice")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if n := forgedHits.Load(); n != 0 {
		t.Errorf("server named by the Host header received %d requests", n)
	}
	if trustedCookie != "session=alice" {
		t.Errorf("Cookie at configured origin = %q, want %q", trustedCookie, "session=alice")
	}
	if got := ev.Origin(); got != trusted.URL {
		t.Errorf("Origin() = %q, want %q", got, trusted.URL)
	}
}

func TestFetchInit_Merge(t *testing.T) {
	base := FetchInit{Credentials: CredentialsSameOrigin}

	got := base.Merge(FetchInit{})
	if got.Credentials != CredentialsSameOrigin {
		t.Errorf("unset override changed credentials to %v", got.Credentials)
	}

	got = base.Merge(FetchInit{Credentials: CredentialsInclude, Header: http.Header{"X-A": {"1"}}})
	if got.Credentials != CredentialsInclude {
		t.Errorf("Credentials = %v, want include", got.Credentials)
	}
	if got.Header.Get("X-A") != "1" {
		t.Error("override header missing")
	}
	if base.Header != nil {
		t.Error("Merge mutated the receiver")
	}
}
