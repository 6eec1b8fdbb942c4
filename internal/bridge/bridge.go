// Package bridge mounts an RPC handler inside the echo request lifecycle.
//
// The RPC handler returns one immutable outcome while code running inside it
// mutates headers and cookies through the request event. The bridge wraps
// the event's hooks with recorders, runs the handler, and emits the outcome
// with every recorded mutation layered on top.
//
// New routes should use handler.RPCHandler, which passes the outcome through
// directly. The bridge remains for hosts that cannot do that.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/cookie"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/metrics"
	"rpc-bridge-go/internal/model"
	"rpc-bridge-go/internal/route"
	"rpc-bridge-go/internal/rpc"
)

// DefaultURL is the mount path used when Config.URL is empty.
const DefaultURL = "/trpc"

// ErrNoRouter is returned by New when Config.Router is nil.
var ErrNoRouter = errors.New("bridge: router is required")

// Config configures a Handle. CreateContext, ResponseMeta and OnError are
// forwarded to the RPC handler untouched.
type Config struct {
	Router  *rpc.Router
	Handler rpc.Handler
	URL     string

	CreateContext func(ev *event.Event) (any, error)
	ResponseMeta  rpc.ResponseMetaFunc
	OnError       rpc.ErrorHook

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Handle serves requests under its mount path.
type Handle struct {
	cfg     Config
	mount   route.Route
	handler rpc.Handler
	logger  *slog.Logger
}

// New validates cfg and returns a Handle.
func New(cfg Config) (*Handle, error) {
	if cfg.Router == nil {
		return nil, ErrNoRouter
	}

	raw := cfg.URL
	if raw == "" {
		raw = DefaultURL
	}
	mount, err := route.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("bridge: url: %w", err)
	}

	handler := cfg.Handler
	if handler == nil {
		handler = rpc.FetchHandler
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Handle{
		cfg:     cfg,
		mount:   mount,
		handler: handler,
		logger:  logger.With("component", "rpc_bridge"),
	}, nil
}

// Mount returns the validated mount path.
func (h *Handle) Mount() route.Route { return h.mount }

// Middleware returns the echo middleware. Requests outside the mount path
// pass to next untouched.
func (h *Handle) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			sub, ok := h.mount.Rel(c.Request().URL.Path)
			if !ok {
				return next(c)
			}

			ev, ok := event.FromEcho(c)
			if !ok {
				ev = event.New(c, nil, nil)
			}

			out := h.Respond(ev, sub)

			// The outcome already carries the staged mutations.
			ev.Detach()

			resp := c.Response()
			for k, vs := range out.Header {
				resp.Header()[k] = vs
			}
			resp.WriteHeader(out.Status)
			if _, err := resp.Write(out.Body); err != nil {
				h.logger.Error("writing rpc response", "err", err, "path", c.Request().URL.Path)
			}
			return nil
		}
	}
}

// Respond runs the RPC handler for the mount-relative path sub and returns
// its outcome merged with the header and cookie mutations recorded while it
// ran. The mutations are also staged on ev.
func (h *Handle) Respond(ev *event.Event, sub string) *model.Outcome {
	headers := newHeaderRecorder(ev.Headers(), h.cfg.Metrics)
	cookies := newCookieRecorder(ev.Cookies(), h.cfg.Metrics)
	derived := ev.WithHooks(headers, cookies)

	req := derived.Request()
	rreq := &model.RPCRequest{
		Ctx:      event.WithContext(req.Context(), derived),
		Method:   req.Method,
		Endpoint: sub,
		Query:    req.URL.Query(),
		Header:   req.Header,
		Body:     req.Body,
	}

	out := h.handler.Serve(rreq, rpc.Options{
		Router: h.cfg.Router,
		CreateContext: func(context.Context) (any, error) {
			if h.cfg.CreateContext == nil {
				return nil, nil
			}
			return h.cfg.CreateContext(derived)
		},
		ResponseMeta: h.cfg.ResponseMeta,
		OnError:      h.cfg.OnError,
	})

	merged := h.merge(out, headers, cookies, cookie.Defaults(ev.URL()))

	h.logger.Debug("rpc bridged",
		"path", sub,
		"method", req.Method,
		"status", merged.Status,
		"headers", headers.count(),
		"cookies", cookies.count(),
	)
	return merged
}

// merge layers recorded headers over the outcome's headers, then appends one
// Set-Cookie line per recorded cookie.
func (h *Handle) merge(out *model.Outcome, headers *headerRecorder, cookies *cookieRecorder, defaults cookie.Options) *model.Outcome {
	merged := out.Clone()

	for k, v := range headers.snapshot() {
		merged.Header.Set(k, v)
	}

	for _, rc := range cookies.snapshot() {
		line, err := cookie.Serialize(rc.name, rc.value, defaults.Merge(rc.opts))
		if err != nil {
			h.logger.Warn("dropping recorded cookie", "name", rc.name, "err", err)
			continue
		}
		merged.Header.Add(echo.HeaderSetCookie, line)
	}
	return merged
}
