// Package client provides the RPC client used from both inside and outside a
// request. Calls go through a chain of links; by default a single batching
// link sends same-type calls issued together in one HTTP round trip.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/metrics"
	"rpc-bridge-go/internal/route"
	"rpc-bridge-go/internal/rpc"
	"rpc-bridge-go/internal/transport"
)

// DefaultURL is the mount path used when Options.URL is empty.
const DefaultURL = "/trpc"

// ErrConflictingOptions is returned by New when custom links are combined
// with options that only apply to the default batching link.
var ErrConflictingOptions = errors.New("client: links cannot be combined with url, headers, fetch or batch options")

// Operation is one procedure call travelling through the link chain.
type Operation struct {
	Ctx   context.Context
	Type  rpc.ProcedureType
	Path  string
	Input json.RawMessage
}

// Invoker runs an operation and returns the raw result data.
type Invoker func(op Operation) (json.RawMessage, error)

// Link wraps the next invoker in the chain. A terminating link ignores next.
type Link func(next Invoker) Invoker

// HeaderFunc produces headers for one outbound request. It is invoked fresh
// for every request and may block.
type HeaderFunc func(ctx context.Context) (http.Header, error)

// StaticHeaders returns a HeaderFunc that always yields a copy of h.
func StaticHeaders(h http.Header) HeaderFunc {
	return func(context.Context) (http.Header, error) {
		return h.Clone(), nil
	}
}

// Options configure New. Links is exclusive with URL, Headers, Fetch,
// BatchWindow and MaxBatchSize.
type Options struct {
	URL          string
	Headers      HeaderFunc
	Transformer  Transformer
	Fetch        event.FetchInit
	BatchWindow  time.Duration
	MaxBatchSize int

	Links []Link

	Metrics *metrics.Metrics
}

func (o Options) usesBatchOptions() bool {
	return o.URL != "" || o.Headers != nil ||
		o.Fetch.Credentials != event.CredentialsUnset || len(o.Fetch.Header) > 0 ||
		o.BatchWindow != 0 || o.MaxBatchSize != 0
}

// Client issues queries and mutations.
type Client struct {
	invoke      Invoker
	transformer Transformer
}

// New builds a Client. Without links, the fetcher and origin are chosen by
// transport.Select from ctx and ambient; an unusable selection is reported
// by the first call, not here.
func New(ctx context.Context, opts Options, ambient transport.Ambient) (*Client, error) {
	transformer := opts.Transformer
	if transformer == nil {
		transformer = JSON{}
	}

	if len(opts.Links) > 0 {
		if opts.usesBatchOptions() {
			return nil, ErrConflictingOptions
		}
		return &Client{invoke: chain(opts.Links), transformer: transformer}, nil
	}

	raw := opts.URL
	if raw == "" {
		raw = DefaultURL
	}
	u, err := route.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("client: url: %w", err)
	}

	sel := transport.Select(ctx, ambient)
	link := BatchLink(BatchOptions{
		Selection: sel,
		URL:       u,
		Headers:   opts.Headers,
		Fetch:     opts.Fetch,
		Window:    opts.BatchWindow,
		MaxSize:   opts.MaxBatchSize,
		Metrics:   opts.Metrics,
	})
	return &Client{invoke: chain([]Link{link}), transformer: transformer}, nil
}

func chain(links []Link) Invoker {
	next := Invoker(func(op Operation) (json.RawMessage, error) {
		return nil, fmt.Errorf("client: no terminating link handled %s %q", op.Type, op.Path)
	})
	for i := len(links) - 1; i >= 0; i-- {
		next = links[i](next)
	}
	return next
}

// Query calls a query procedure and decodes its result into out, if non-nil.
func (c *Client) Query(ctx context.Context, path string, input, out any) error {
	return c.call(ctx, rpc.Query, path, input, out)
}

// Mutate calls a mutation procedure and decodes its result into out, if non-nil.
func (c *Client) Mutate(ctx context.Context, path string, input, out any) error {
	return c.call(ctx, rpc.Mutation, path, input, out)
}

func (c *Client) call(ctx context.Context, typ rpc.ProcedureType, path string, input, out any) error {
	var raw json.RawMessage
	if input != nil {
		b, err := c.transformer.Serialize(input)
		if err != nil {
			return fmt.Errorf("client: encode input for %q: %w", path, err)
		}
		raw = b
	}

	data, err := c.invoke(Operation{Ctx: ctx, Type: typ, Path: path, Input: raw})
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := c.transformer.Deserialize(data, out); err != nil {
		return fmt.Errorf("client: decode result of %q: %w", path, err)
	}
	return nil
}

// Error is a procedure failure reported by the server.
type Error struct {
	Path       string
	Message    string
	Code       rpc.Code
	RPCCode    int
	HTTPStatus int
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s: %s", e.Path, e.Code, e.Message)
}

func errorFromShape(path string, s rpc.ErrorShape) *Error {
	if s.Data.Path != "" {
		path = s.Data.Path
	}
	return &Error{
		Path:       path,
		Message:    s.Message,
		Code:       s.Data.Code,
		RPCCode:    s.Code,
		HTTPStatus: s.Data.HTTPStatus,
	}
}
