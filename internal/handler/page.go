package handler

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"rpc-bridge-go/internal/client"
	"rpc-bridge-go/internal/transport"
)

// PageDataHandler loads the data of the demo page through the RPC client,
// the same way a page load would on the server side.
type PageDataHandler struct {
	provider *client.Provider
	logger   *slog.Logger
}

// NewPageDataHandler creates a PageDataHandler.
func NewPageDataHandler(p *client.Provider, logger *slog.Logger) *PageDataHandler {
	return &PageDataHandler{
		provider: p,
		logger:   logger.With("component", "page_data_handler"),
	}
}

// Handle returns {"greeting": ...}.
func (h *PageDataHandler) Handle(c echo.Context) error {
	ctx := c.Request().Context()

	cl, err := h.provider.Client(ctx)
	if err != nil {
		return h.mapError(c, err)
	}

	var greeting string
	if err := cl.Query(ctx, "greeting", nil, &greeting); err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"greeting": greeting})
}

func (h *PageDataHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("page data error",
		"err", err,
		"path", c.Request().URL.Path,
	)

	var rerr *client.Error
	if errors.As(err, &rerr) {
		status := rerr.HTTPStatus
		if status == 0 {
			status = http.StatusBadGateway
		}
		return c.JSON(status, map[string]string{
			"error": rerr.Message,
			"code":  string(rerr.Code),
		})
	}

	if errors.Is(err, transport.ErrUnsupportedEnvironment) {
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "rpc client has no transport",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "rpc request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "rpc host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "rpc connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "rpc request failed",
	})
}
