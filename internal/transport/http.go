package transport

import (
	"log/slog"
	"net"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"time"

	"rpc-bridge-go/internal/config"
	"rpc-bridge-go/internal/metrics"
)

// NewHTTPClient creates the pooled client used for outbound RPC calls, with
// a cookie jar so standalone callers keep session cookies between calls.
// The metrics parameter is optional; pass nil to disable outbound metrics.
func NewHTTPClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *http.Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Client.IdleConnections,
		MaxIdleConnsPerHost: cfg.Client.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	jar, _ := cookiejar.New(nil) // error is always nil without a PublicSuffixList

	return &http.Client{
		Transport: &instrumented{
			next:    transport,
			logger:  logger.With("component", "rpc_transport"),
			metrics: m,
		},
		Jar:     jar,
		Timeout: time.Duration(cfg.Client.TimeoutSeconds) * time.Second,
	}
}

// instrumented records latency and status of every outbound request.
type instrumented struct {
	next    http.RoundTripper
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func (t *instrumented) RoundTrip(req *http.Request) (*http.Response, error) {
	t.logger.Debug("outbound request",
		"method", req.Method,
		"path", req.URL.Path,
	)

	start := time.Now()
	resp, err := t.next.RoundTrip(req)
	duration := time.Since(start).Seconds()

	if t.metrics == nil {
		return resp, err
	}

	method := metrics.NormalizeMethod(req.Method)
	t.metrics.OutboundDuration.WithLabelValues(method).Observe(duration)
	if err == nil {
		t.metrics.OutboundResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	return resp, err
}

// WithoutJar returns a copy of c sharing its transport but keeping no
// cookies. Requests made on behalf of an inbound request carry that
// request's credentials and must not pick up the jar's.
func WithoutJar(c *http.Client) *http.Client {
	cp := *c
	cp.Jar = nil
	return &cp
}
