package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"rpc-bridge-go/internal/bridge"
	"rpc-bridge-go/internal/client"
	"rpc-bridge-go/internal/config"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/handler"
	"rpc-bridge-go/internal/metrics"
	"rpc-bridge-go/internal/middleware"
	"rpc-bridge-go/internal/procedures"
	"rpc-bridge-go/internal/rpc"
	"rpc-bridge-go/internal/transport"
	"rpc-bridge-go/internal/wsbridge"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kctx := kong.Parse(&cli,
		kong.Name("rpc-bridge"),
		kong.Description("Serve RPC procedures inside the echo request lifecycle."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	switch kctx.Command() {
	case "call <procedure>":
		if err := runCall(&cli); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
			os.Exit(1)
		}
	default:
		runServe(&cli)
	}
}

func runServe(cli *config.CLI) {
	fx.New(
		fx.Provide(
			func() *config.CLI { return cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newMetrics,
			transport.NewHTTPClient,
			procedures.New,
			wsbridge.NewRegistry,
			newBridge,
			newClientProvider,
			newEcho,
			handler.NewRPCHandler,
			handler.NewPageDataHandler,
			handler.NewRealtimeHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(
			handler.RegisterRoutes,
			registerMetrics,
			startWebSocket,
			warnConfigPermissions,
			startServer,
		),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

func newMetrics(cfg *config.Config) *metrics.Metrics {
	return metrics.New(cfg.RPC.MountPath, cfg.RPC.AdapterPath, wsbridge.UpgradePath, "/healthz", "/status", "/page-data")
}

func newBridge(cfg *config.Config, router *rpc.Router, logger *slog.Logger, m *metrics.Metrics) (*bridge.Handle, error) {
	return bridge.New(bridge.Config{
		Router: router,
		URL:    cfg.RPC.MountPath,
		CreateContext: func(ev *event.Event) (any, error) {
			return procedures.NewContext(ev), nil
		},
		OnError: handler.ErrorLogger(logger),
		Logger:  logger,
		Metrics: m,
	})
}

// newClientProvider serves in-request calls through the request event and
// everything else through the pooled client against the configured origin.
func newClientProvider(cfg *config.Config, hc *http.Client, m *metrics.Metrics) *client.Provider {
	return client.NewProvider(clientOptions(cfg, m), transport.Ambient{
		Fetcher: transport.HTTPFetcher{Client: hc},
		Origin:  clientOrigin(cfg, ""),
	})
}

func clientOptions(cfg *config.Config, m *metrics.Metrics) client.Options {
	return client.Options{
		URL:          cfg.Client.URL,
		BatchWindow:  time.Duration(cfg.Client.BatchWindowMS) * time.Millisecond,
		MaxBatchSize: cfg.Client.MaxBatchSize,
		Metrics:      m,
	}
}

func clientOrigin(cfg *config.Config, override string) string {
	switch {
	case override != "":
		return override
	case cfg.Client.Origin != "":
		return cfg.Client.Origin
	default:
		return cfg.Server.ListenOrigin()
	}
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, hc *http.Client, b *bridge.Handle) (*echo.Echo, error) {
	// In-request fetches go to the server's own origin, never to the Host
	// header of the inbound request.
	origin, err := url.Parse(clientOrigin(cfg, ""))
	if err != nil {
		return nil, fmt.Errorf("client origin: %w", err)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// WriteTimeout stays disabled: hijacked WebSocket connections and slow
	// batches must not be cut off by the server.
	e.Server.WriteTimeout = 0
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	if rl := middleware.RateLimit(cfg.Server.RateLimit, logger); rl != nil {
		e.Use(rl)
	}

	// In-request fetches forward the inbound cookies; the pooled client's
	// jar belongs to standalone callers.
	e.Use(event.Middleware(transport.WithoutJar(hc), origin))
	e.Use(b.Middleware())

	return e, nil
}

func registerMetrics(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) {
	if !cfg.Metrics.Enabled {
		return
	}
	e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	logger.Info("metrics enabled", "path", cfg.Metrics.Path)
}

func startWebSocket(e *echo.Echo, cfg *config.Config, reg *wsbridge.Registry, rt *handler.RealtimeHandler, logger *slog.Logger) error {
	wsbridge.Bootstrap(e, reg)
	if !cfg.WebSocketEnabled() {
		logger.Info("websocket server disabled")
		return nil
	}
	if _, err := reg.Create(wsbridge.ServerOptions{
		ReadLimit:      cfg.WebSocket.ReadLimitBytes,
		AllowedOrigins: cfg.WebSocket.AllowedOrigins,
		OnConnection:   rt.OnConnection,
	}); err != nil {
		return fmt.Errorf("websocket: %w", err)
	}
	logger.Info("websocket server enabled", "path", wsbridge.UpgradePath)
	return nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func startServer(lc fx.Lifecycle, e *echo.Echo, reg *wsbridge.Registry, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "mount_path", cfg.RPC.MountPath)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			// Hijacked connections are not tracked by Shutdown.
			return errors.Join(e.Shutdown(ctx), reg.Close(ctx))
		},
	})
}

// runCall invokes one procedure against a running server and prints the
// result as JSON.
func runCall(cli *config.CLI) error {
	cfg, err := config.Load(cli)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Client.TimeoutSeconds)*time.Second)
	defer cancel()

	var input any
	if cli.Call.Input != "" {
		if !json.Valid([]byte(cli.Call.Input)) {
			return fmt.Errorf("--input is not valid JSON")
		}
		input = json.RawMessage(cli.Call.Input)
	}

	origin := clientOrigin(cfg, cli.Call.Origin)

	var cl *client.Client
	if cli.Call.WebSocket {
		page, err := url.Parse(origin)
		if err != nil {
			return fmt.Errorf("origin: %w", err)
		}
		var ws *client.WSClient
		cl, ws, err = client.NewWebSocketClient(ctx, page, nil)
		if err != nil {
			return err
		}
		defer ws.Close()
	} else {
		hc := transport.NewHTTPClient(cfg, logger, nil)
		cl, err = client.New(ctx, clientOptions(cfg, nil), transport.Ambient{
			Fetcher: transport.HTTPFetcher{Client: hc},
			Origin:  origin,
		})
		if err != nil {
			return err
		}
	}

	var out json.RawMessage
	if cli.Call.Mutation {
		err = cl.Mutate(ctx, cli.Call.Procedure, input, &out)
	} else {
		err = cl.Query(ctx, cli.Call.Procedure, input, &out)
	}
	if err != nil {
		return err
	}

	fmt.Println(string(out))
	return nil
}
