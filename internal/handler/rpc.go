package handler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/config"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/model"
	"rpc-bridge-go/internal/procedures"
	"rpc-bridge-go/internal/route"
	"rpc-bridge-go/internal/rpc"
)

// RPCHandler serves the procedure table directly on the adapter path. The
// handler's outcome is written as is; mutations staged on the event are
// added by the event middleware when the response is committed.
type RPCHandler struct {
	router *rpc.Router
	mount  route.Route
	logger *slog.Logger
}

// NewRPCHandler creates an RPCHandler mounted at cfg.RPC.AdapterPath.
func NewRPCHandler(cfg *config.Config, router *rpc.Router, logger *slog.Logger) (*RPCHandler, error) {
	mount, err := route.Parse(cfg.RPC.AdapterPath)
	if err != nil {
		return nil, fmt.Errorf("rpc.adapter_path: %w", err)
	}
	return &RPCHandler{
		router: router,
		mount:  mount,
		logger: logger.With("component", "rpc_handler"),
	}, nil
}

// Mount returns the adapter path.
func (h *RPCHandler) Mount() route.Route { return h.mount }

// Handle serves one request under the adapter path.
func (h *RPCHandler) Handle(c echo.Context) error {
	req := c.Request()
	sub, ok := h.mount.Rel(req.URL.Path)
	if !ok {
		return echo.ErrNotFound
	}

	ev, ok := event.FromEcho(c)
	if !ok {
		ev = event.New(c, nil, nil)
	}

	out := rpc.FetchHandler.Serve(&model.RPCRequest{
		Ctx:      req.Context(),
		Method:   req.Method,
		Endpoint: sub,
		Query:    req.URL.Query(),
		Header:   req.Header,
		Body:     req.Body,
	}, rpc.Options{
		Router: h.router,
		CreateContext: func(context.Context) (any, error) {
			pc := procedures.NewContext(ev)
			pc.ResponseHeader = c.Response().Header()
			return pc, nil
		},
		OnError: ErrorLogger(h.logger),
	})

	for k, vs := range out.Header {
		c.Response().Header()[k] = vs
	}
	return c.Blob(out.Status, out.Header.Get(echo.HeaderContentType), out.Body)
}

// ErrorLogger returns an rpc.ErrorHook that logs failed procedures. Internal
// errors log at error level, everything else at warn.
func ErrorLogger(logger *slog.Logger) rpc.ErrorHook {
	return func(info rpc.ErrorInfo) {
		level := slog.LevelWarn
		if info.Err.Code == rpc.CodeInternal {
			level = slog.LevelError
		}
		logger.Log(context.Background(), level, "procedure failed",
			"path", info.Path,
			"type", string(info.Type),
			"code", string(info.Err.Code),
			"err", info.Err.Message,
		)
	}
}
