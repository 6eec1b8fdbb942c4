package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/viant/jsonrpc"

	"rpc-bridge-go/internal/procedures"
	"rpc-bridge-go/internal/rpc"
	"rpc-bridge-go/internal/wsbridge"
)

// RealtimeHandler serves procedures over connections accepted by the
// WebSocket server.
type RealtimeHandler struct {
	router *rpc.Router
	logger *slog.Logger
}

// NewRealtimeHandler creates a RealtimeHandler.
func NewRealtimeHandler(router *rpc.Router, logger *slog.Logger) *RealtimeHandler {
	return &RealtimeHandler{
		router: router,
		logger: logger.With("component", "realtime_handler"),
	}
}

// OnConnection serves conn until it closes. It is the server's connection
// event handler.
func (h *RealtimeHandler) OnConnection(conn *wsbridge.Conn, r *http.Request) {
	rctx := &procedures.Context{Request: r}
	logger := h.logger.With("conn_id", conn.ID())
	logger.Debug("serving connection", "remote_addr", r.RemoteAddr)

	err := conn.Serve(context.WithoutCancel(r.Context()), func(ctx context.Context, _ *wsbridge.Conn, req *jsonrpc.Request) *jsonrpc.Response {
		resp := h.router.ServeMessage(ctx, rctx, req)
		if resp.Error != nil {
			logger.Warn("message failed", "method", req.Method, "code", resp.Error.Code, "err", resp.Error.Message)
		}
		return resp
	})
	if err != nil {
		logger.Warn("connection ended", "err", err)
		return
	}
	logger.Debug("connection closed")
}
