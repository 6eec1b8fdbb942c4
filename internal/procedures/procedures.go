// Package procedures is the application's procedure table.
package procedures

import (
	"log/slog"
	"net/http"
	"strings"

	"rpc-bridge-go/internal/cookie"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/rpc"
)

// SessionCookie holds the logged-in user name.
const SessionCookie = "session"

// sessionMaxAge is the lifetime of a login, in seconds.
const sessionMaxAge = 3600

// Context is the per-request value procedures receive. Event is nil on
// connections opened through the WebSocket server; Request is always set.
// ResponseHeader is set only where the response headers are still writable
// directly.
type Context struct {
	Event          *event.Event
	Request        *http.Request
	ResponseHeader http.Header
}

// NewContext builds a Context for ev.
func NewContext(ev *event.Event) *Context {
	return &Context{Event: ev, Request: ev.Request()}
}

// Cookie reads a cookie, including ones set earlier in the same request.
func (c *Context) Cookie(name string) (string, bool) {
	if c.Event != nil {
		return c.Event.Cookies().Get(name)
	}
	if c.Request == nil {
		return "", false
	}
	ck, err := c.Request.Cookie(name)
	if err != nil {
		return "", false
	}
	return cookie.Decode(ck.Value), true
}

// SetHeader sets a response header.
func (c *Context) SetHeader(name, value string) error {
	if c.ResponseHeader != nil {
		c.ResponseHeader.Set(name, value)
		return nil
	}
	if c.Event == nil {
		return rpc.NewError(rpc.CodeBadRequest, "response headers are not available on this transport")
	}
	return c.Event.SetHeaders(map[string]string{name: value})
}

func (c *Context) cookies() (event.Cookies, error) {
	if c.Event == nil {
		return nil, rpc.NewError(rpc.CodeBadRequest, "cookies are not available on this transport")
	}
	return c.Event.Cookies(), nil
}

func contextOf(call rpc.Call) (*Context, error) {
	c, ok := call.Context.(*Context)
	if !ok || c == nil {
		return nil, rpc.Errorf(rpc.CodeInternal, "procedure %q needs a request context", call.Path)
	}
	return c, nil
}

// GreetingInput is the input of "greeting".
type GreetingInput struct {
	Name string `json:"name"`
}

// LoginInput is the input of "session.login".
type LoginInput struct {
	User string `json:"user"`
}

// Session describes the caller.
type Session struct {
	User          string `json:"user,omitempty"`
	Authenticated bool   `json:"authenticated"`
}

// New returns the procedure table.
func New(logger *slog.Logger) *rpc.Router {
	logger = logger.With("component", "procedures")

	return rpc.NewRouter().
		Query("greeting", func(call rpc.Call) (any, error) {
			var in GreetingInput
			if err := call.Bind(&in); err != nil {
				return nil, err
			}
			if in.Name == "" {
				return "hello", nil
			}
			return "hello " + in.Name, nil
		}).
		Mutation("session.login", func(call rpc.Call) (any, error) {
			c, err := contextOf(call)
			if err != nil {
				return nil, err
			}
			var in LoginInput
			if err := call.Bind(&in); err != nil {
				return nil, err
			}
			user := strings.TrimSpace(in.User)
			if user == "" {
				return nil, rpc.NewError(rpc.CodeBadRequest, "user is required")
			}
			jar, err := c.cookies()
			if err != nil {
				return nil, err
			}
			if err := jar.Set(SessionCookie, user, cookie.Options{Path: "/", MaxAge: cookie.Int(sessionMaxAge)}); err != nil {
				return nil, rpc.Errorf(rpc.CodeBadRequest, "set session: %w", err)
			}
			logger.Info("session started", "user", user)
			return Session{User: user, Authenticated: true}, nil
		}).
		Mutation("session.logout", func(call rpc.Call) (any, error) {
			c, err := contextOf(call)
			if err != nil {
				return nil, err
			}
			jar, err := c.cookies()
			if err != nil {
				return nil, err
			}
			if err := jar.Delete(SessionCookie, cookie.Options{Path: "/"}); err != nil {
				return nil, rpc.Errorf(rpc.CodeInternal, "clear session: %w", err)
			}
			return Session{}, nil
		}).
		Query("session.whoami", func(call rpc.Call) (any, error) {
			c, err := contextOf(call)
			if err != nil {
				return nil, err
			}
			user, ok := c.Cookie(SessionCookie)
			if !ok || user == "" {
				return nil, rpc.NewError(rpc.CodeUnauthorized, "not logged in")
			}
			if err := c.SetHeader("Cache-Control", "private, no-store"); err != nil {
				logger.Debug("cache header not set", "err", err)
			}
			return Session{User: user, Authenticated: true}, nil
		})
}
