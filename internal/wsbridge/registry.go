package wsbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/metrics"
)

// UpgradePath is the only path whose upgrade requests reach the server.
const UpgradePath = "/trpc"

var (
	// ErrAlreadyActive is returned by Create when a server already exists.
	ErrAlreadyActive = errors.New("wsbridge: connection server already created")
	// ErrClosed is returned once the registry or server has been closed.
	ErrClosed = errors.New("wsbridge: connection server closed")
)

// State is the registry lifecycle state.
type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "uninitialized"
}

// Registry owns the process's single connection server. It moves from
// uninitialized to active on Create and to closed on Close, never back.
type Registry struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	state  State
	server *Server
}

// NewRegistry returns an uninitialized Registry. The metrics parameter is
// optional.
func NewRegistry(logger *slog.Logger, m *metrics.Metrics) *Registry {
	return &Registry{logger: logger, metrics: m}
}

// Create builds the connection server.
func (r *Registry) Create(opts ServerOptions) (*Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateActive:
		return nil, ErrAlreadyActive
	case StateClosed:
		return nil, ErrClosed
	}
	r.server = NewServer(opts, r.logger, r.metrics)
	r.state = StateActive
	r.logger.Info("connection server created", "path", UpgradePath)
	return r.server, nil
}

// Server returns the active server, if any.
func (r *Registry) Server() (*Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateActive {
		return nil, false
	}
	return r.server, true
}

// State reports the lifecycle state.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// RouteUpgrade hands a WebSocket upgrade request for UpgradePath to the
// active server and reports whether it did. Anything else is left untouched
// for other handlers.
func (r *Registry) RouteUpgrade(w http.ResponseWriter, req *http.Request) bool {
	if !websocket.IsWebSocketUpgrade(req) {
		return false
	}
	srv, ok := r.Server()
	if req.URL.Path != UpgradePath || !ok {
		if r.metrics != nil {
			r.metrics.Upgrades.WithLabelValues(metrics.UpgradeIgnored).Inc()
		}
		return false
	}

	if err := srv.HandleUpgrade(w, req); err != nil {
		r.logger.Warn("upgrade rejected", "err", err, "remote_addr", req.RemoteAddr)
	}
	return true
}

// Close shuts the server down and moves to the closed state. Closing an
// uninitialized or closed registry is a no-op apart from the state change.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	srv := r.server
	r.server = nil
	r.state = StateClosed
	r.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Close(ctx); err != nil {
		return fmt.Errorf("wsbridge: close: %w", err)
	}
	r.logger.Info("connection server closed")
	return nil
}

// Host is the part of the HTTP server the upgrade router attaches to.
// *echo.Echo satisfies it.
type Host interface {
	Pre(middleware ...echo.MiddlewareFunc)
}

// Bootstrap attaches the registry's upgrade router to host so it sees every
// request before routing.
func Bootstrap(host Host, reg *Registry) {
	host.Pre(UpgradeMiddleware(reg))
}

// UpgradeMiddleware routes upgrade requests through reg and passes the rest
// to next.
func UpgradeMiddleware(reg *Registry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if reg.RouteUpgrade(c.Response(), c.Request()) {
				return nil
			}
			return next(c)
		}
	}
}
