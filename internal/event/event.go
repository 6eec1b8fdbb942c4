// Package event exposes the in-flight request to code that runs while it is
// being served: its URL, a fetcher bound to it, and the header and cookie
// mutation hooks. Mutations are staged on the event and written to the
// response just before it is committed, unless a handler detaches the event
// and emits a response of its own.
package event

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/cookie"
)

// ErrSetCookieHeader is returned when Set-Cookie is passed to SetHeaders.
var ErrSetCookieHeader = errors.New("use Cookies().Set to set cookies, not SetHeaders")

// HeaderSetter sets response headers for the in-flight request. Later calls
// overwrite earlier values for the same name.
type HeaderSetter interface {
	SetHeaders(headers map[string]string) error
}

// Cookies reads request cookies and stages response cookies.
type Cookies interface {
	Get(name string) (string, bool)
	Set(name, value string, opts cookie.Options) error
	Delete(name string, opts cookie.Options) error
}

// Event is the per-request context. It is created by Middleware and lives
// for one request.
type Event struct {
	c       echo.Context
	url     *url.URL
	origin  *url.URL
	fetcher Fetcher
	headers HeaderSetter
	cookies Cookies
	st      *state
}

type stagedCookie struct {
	value string
	opts  cookie.Options
}

type state struct {
	mu          sync.Mutex
	headers     map[string]string
	cookieNames []string
	cookies     map[string]stagedCookie
	detached    bool
}

// New builds the event for c. Outbound requests made through the event's
// fetcher use client, or http.DefaultClient when nil.
//
// Relative fetches resolve against origin. A nil origin falls back to the
// request's own scheme and Host header, which the caller controls; servers
// should pass their configured origin.
func New(c echo.Context, client *http.Client, origin *url.URL) *Event {
	req := c.Request()
	u := &url.URL{
		Scheme:   c.Scheme(),
		Host:     req.Host,
		Path:     req.URL.Path,
		RawPath:  req.URL.RawPath,
		RawQuery: req.URL.RawQuery,
	}
	if client == nil {
		client = http.DefaultClient
	}
	if origin == nil || origin.Host == "" {
		origin = originOf(u)
	} else {
		origin = originOf(origin)
	}

	st := &state{
		headers: make(map[string]string),
		cookies: make(map[string]stagedCookie),
	}
	return &Event{
		c:       c,
		url:     u,
		origin:  origin,
		fetcher: &requestFetcher{client: client, origin: origin, incoming: req},
		headers: &stagedHeaders{st: st},
		cookies: &stagedCookies{st: st, req: req, defaults: cookie.Defaults(u)},
		st:      st,
	}
}

// Echo returns the underlying echo context, giving access to arbitrary
// framework state set by earlier middleware.
func (e *Event) Echo() echo.Context { return e.c }

// Request returns the inbound request.
func (e *Event) Request() *http.Request { return e.c.Request() }

// URL returns the absolute request URL. Callers must not modify it.
func (e *Event) URL() *url.URL { return e.url }

// Origin returns the origin relative fetches resolve against.
func (e *Event) Origin() string { return e.origin.String() }

// Fetcher returns the fetcher bound to this request.
func (e *Event) Fetcher() Fetcher { return e.fetcher }

// Headers returns the header mutation hook.
func (e *Event) Headers() HeaderSetter { return e.headers }

// SetHeaders forwards to the header mutation hook.
func (e *Event) SetHeaders(headers map[string]string) error { return e.headers.SetHeaders(headers) }

// Cookies returns the cookie mutation hooks.
func (e *Event) Cookies() Cookies { return e.cookies }

// WithHooks returns a copy of e whose mutation hooks are replaced by the
// given ones; nil keeps the current hook. The copy shares e's staged state.
func (e *Event) WithHooks(headers HeaderSetter, cookies Cookies) *Event {
	cp := *e
	if headers != nil {
		cp.headers = headers
	}
	if cookies != nil {
		cp.cookies = cookies
	}
	return &cp
}

// Detach marks the staged mutations as owned by whoever emits the response.
// After Detach, Apply is a no-op.
func (e *Event) Detach() {
	e.st.mu.Lock()
	e.st.detached = true
	e.st.mu.Unlock()
}

// Detached reports whether Detach was called.
func (e *Event) Detached() bool {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()
	return e.st.detached
}

// Apply writes staged headers and cookies into h.
func (e *Event) Apply(h http.Header) {
	e.st.mu.Lock()
	defer e.st.mu.Unlock()

	if e.st.detached {
		return
	}
	for k, v := range e.st.headers {
		h.Set(k, v)
	}
	for _, name := range e.st.cookieNames {
		sc := e.st.cookies[name]
		line, err := cookie.Serialize(name, sc.value, sc.opts)
		if err != nil {
			continue // rejected when staged
		}
		h.Add(echo.HeaderSetCookie, line)
	}
}

type stagedHeaders struct {
	st *state
}

func (s *stagedHeaders) SetHeaders(headers map[string]string) error {
	for k := range headers {
		if strings.EqualFold(k, echo.HeaderSetCookie) {
			return ErrSetCookieHeader
		}
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	for k, v := range headers {
		s.st.headers[http.CanonicalHeaderKey(k)] = v
	}
	return nil
}

type stagedCookies struct {
	st       *state
	req      *http.Request
	defaults cookie.Options
}

func (s *stagedCookies) Get(name string) (string, bool) {
	s.st.mu.Lock()
	sc, staged := s.st.cookies[name]
	s.st.mu.Unlock()

	if staged {
		if sc.opts.MaxAge != nil && *sc.opts.MaxAge <= 0 {
			return "", false
		}
		return sc.value, true
	}

	c, err := s.req.Cookie(name)
	if err != nil {
		return "", false
	}
	return cookie.Decode(c.Value), true
}

func (s *stagedCookies) Set(name, value string, opts cookie.Options) error {
	return s.stage(name, value, s.defaults.Merge(opts))
}

func (s *stagedCookies) Delete(name string, opts cookie.Options) error {
	return s.stage(name, "", s.defaults.Merge(opts).Expired())
}

func (s *stagedCookies) stage(name, value string, opts cookie.Options) error {
	if _, err := cookie.Serialize(name, value, opts); err != nil {
		return err
	}

	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	if _, ok := s.st.cookies[name]; !ok {
		s.st.cookieNames = append(s.st.cookieNames, name)
	}
	s.st.cookies[name] = stagedCookie{value: value, opts: opts}
	return nil
}

type ctxKey struct{}

// echoKey is the echo.Context store key holding the *Event.
const echoKey = "rpc-bridge.event"

// WithContext returns a copy of ctx carrying ev.
func WithContext(ctx context.Context, ev *Event) context.Context {
	return context.WithValue(ctx, ctxKey{}, ev)
}

// FromContext reports the event of the request being served, if any.
func FromContext(ctx context.Context) (*Event, bool) {
	if ctx == nil {
		return nil, false
	}
	ev, ok := ctx.Value(ctxKey{}).(*Event)
	return ev, ok && ev != nil
}

// FromEcho returns the event installed on c by Middleware.
func FromEcho(c echo.Context) (*Event, bool) {
	ev, ok := c.Get(echoKey).(*Event)
	return ev, ok && ev != nil
}

// Middleware creates the event for every request, makes it reachable through
// both the echo context and the request context, and applies its staged
// mutations when the response is committed. origin is the server's own
// origin, see New.
func Middleware(client *http.Client, origin *url.URL) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ev := New(c, client, origin)
			c.Set(echoKey, ev)
			req := c.Request()
			c.SetRequest(req.WithContext(WithContext(req.Context(), ev)))
			c.Response().Before(func() {
				ev.Apply(c.Response().Header())
			})
			return next(c)
		}
	}
}

func originOf(u *url.URL) *url.URL {
	return &url.URL{Scheme: u.Scheme, Host: u.Host}
}
