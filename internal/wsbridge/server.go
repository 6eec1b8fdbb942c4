// Package wsbridge runs the long-lived WebSocket connection server next to
// the HTTP server. A Registry created once at startup owns the server; the
// upgrade router installed by Bootstrap hands matching upgrade requests to it.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/viant/jsonrpc"

	"rpc-bridge-go/internal/metrics"
)

// closeGrace bounds how long a close frame may take to write.
const closeGrace = time.Second

// MessageHandler answers one JSON-RPC request. A nil response sends nothing.
type MessageHandler func(ctx context.Context, conn *Conn, req *jsonrpc.Request) *jsonrpc.Response

// ServerOptions configure the connection server.
type ServerOptions struct {
	// ReadLimit caps the size of one inbound message. Zero means no limit.
	ReadLimit int64
	// AllowedOrigins lists origins accepted in addition to the request's own
	// host. A "*" entry accepts any origin.
	AllowedOrigins []string
	// OnConnection is called for every accepted connection with the request
	// that opened it. It usually blocks in Conn.Serve.
	OnConnection func(conn *Conn, r *http.Request)
}

// Server accepts upgraded connections and tracks them until they close.
type Server struct {
	upgrader websocket.Upgrader
	opts     ServerOptions
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	conns   map[string]*Conn
	serving sync.WaitGroup
	closed  bool
}

// NewServer returns a Server. The metrics parameter is optional.
func NewServer(opts ServerOptions, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		opts:    opts,
		logger:  logger.With("component", "ws_server"),
		metrics: m,
		conns:   make(map[string]*Conn),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if slices.Contains(s.opts.AllowedOrigins, "*") || slices.Contains(s.opts.AllowedOrigins, origin) {
		return true
	}
	// Same host as the request, whatever the scheme.
	if i := strings.Index(origin, "://"); i >= 0 {
		return strings.EqualFold(origin[i+3:], r.Host)
	}
	return false
}

// HandleUpgrade completes the handshake and emits the connection event. On
// failure the upgrader has already written an HTTP error response.
func (s *Server) HandleUpgrade(w http.ResponseWriter, r *http.Request) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server closed", http.StatusServiceUnavailable)
		return ErrClosed
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.observeUpgrade(metrics.UpgradeFailed)
		return fmt.Errorf("upgrade: %w", err)
	}
	if s.opts.ReadLimit > 0 {
		ws.SetReadLimit(s.opts.ReadLimit)
	}

	conn := &Conn{id: uuid.New().String(), ws: ws, req: r, server: s}
	if !s.add(conn) {
		_ = conn.Close()
		return ErrClosed
	}
	s.observeUpgrade(metrics.UpgradeAccepted)
	s.logger.Info("connection accepted", "conn_id", conn.id, "remote_addr", r.RemoteAddr)

	if s.opts.OnConnection != nil {
		s.opts.OnConnection(conn, r)
	}
	return nil
}

func (s *Server) add(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c.id] = c
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
	}
	return true
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conns[c.id]; !ok {
		return
	}
	delete(s.conns, c.id)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
}

// startServing registers a Serve loop so Close can wait for it.
func (s *Server) startServing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.serving.Add(1)
	return true
}

func (s *Server) observeUpgrade(result string) {
	if s.metrics != nil {
		s.metrics.Upgrades.WithLabelValues(result).Inc()
	}
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close closes every connection and waits for their Serve loops to return or
// for ctx to end. Errors from individual connections are joined.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var errs []error
	for _, c := range conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection %s: %w", c.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.serving.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for connections: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}

// Conn is one accepted connection.
type Conn struct {
	id     string
	ws     *websocket.Conn
	req    *http.Request
	server *Server

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// ID returns the connection id.
func (c *Conn) ID() string { return c.id }

// Request returns the request that opened the connection.
func (c *Conn) Request() *http.Request { return c.req }

// WriteJSON sends v as one text message.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(v); err != nil {
		return fmt.Errorf("write websocket: %w", err)
	}
	return nil
}

// Close sends a normal close frame and releases the connection. Only the
// first call has an effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGrace))
		c.writeMu.Unlock()

		if err := c.ws.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		c.server.remove(c)
	})
	return c.closeErr
}

// Serve reads JSON-RPC requests until the connection closes, answering each
// with h on its own goroutine. It returns nil on a normal close.
func (c *Conn) Serve(ctx context.Context, h MessageHandler) error {
	if !c.server.startServing() {
		_ = c.Close()
		return ErrClosed
	}
	defer c.server.serving.Done()

	ctx, cancel := context.WithCancel(ctx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		_ = c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read websocket: %w", err)
		}

		var req jsonrpc.Request
		if err := json.Unmarshal(data, &req); err != nil {
			resp := &jsonrpc.Response{
				Jsonrpc: jsonrpc.Version,
				// The frame is not JSON and cannot travel as error data.
				Error: jsonrpc.NewParsingError(fmt.Sprintf("failed to parse: %v", err), nil),
			}
			if werr := c.WriteJSON(resp); werr != nil {
				return werr
			}
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			resp := h(ctx, c, &req)
			if resp == nil {
				return
			}
			if err := c.WriteJSON(resp); err != nil {
				c.server.logger.Debug("dropping response", "conn_id", c.id, "err", err)
			}
		}()
	}
}
