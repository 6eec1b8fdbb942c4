package handler

import (
	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The request
// bridge is middleware and the upgrade router is pre-routing middleware, so
// neither appears here.
func RegisterRoutes(e *echo.Echo, rpcHandler *RPCHandler, page *PageDataHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)
	e.GET("/page-data", page.Handle)

	adapter := rpcHandler.Mount().String() + "/*"
	e.GET(adapter, rpcHandler.Handle)
	e.POST(adapter, rpcHandler.Handle)
}
