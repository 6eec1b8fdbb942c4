package client

import (
	"context"
	"sync"

	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/transport"
)

// Provider hands out clients. Outside a request it reuses one client for the
// life of the process; inside a request every call builds a client bound to
// that request's event.
type Provider struct {
	opts    Options
	ambient transport.Ambient

	mu         sync.Mutex
	standalone *Client
}

// NewProvider returns a Provider building clients from opts and ambient.
func NewProvider(opts Options, ambient transport.Ambient) *Provider {
	return &Provider{opts: opts, ambient: ambient}
}

// Client returns a client suitable for ctx.
func (p *Provider) Client(ctx context.Context) (*Client, error) {
	if _, ok := event.FromContext(ctx); ok {
		return New(ctx, p.opts, p.ambient)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.standalone == nil {
		c, err := New(ctx, p.opts, p.ambient)
		if err != nil {
			return nil, err
		}
		p.standalone = c
	}
	return p.standalone, nil
}
