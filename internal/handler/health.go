package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/config"
	"rpc-bridge-go/internal/wsbridge"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	registry *wsbridge.Registry
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, reg *wsbridge.Registry) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, registry: reg}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns bridge status information.
func (h *HealthHandler) Status(c echo.Context) error {
	body := map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"mount_path":   h.cfg.RPC.MountPath,
		"adapter_path": h.cfg.RPC.AdapterPath,
		"websocket":    h.registry.State().String(),
	}
	if srv, ok := h.registry.Server(); ok {
		body["connections"] = srv.Len()
	}
	return c.JSON(http.StatusOK, body)
}
