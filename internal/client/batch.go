package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/metrics"
	"rpc-bridge-go/internal/route"
	"rpc-bridge-go/internal/rpc"
	"rpc-bridge-go/internal/transport"
)

// BatchOptions configure BatchLink.
type BatchOptions struct {
	Selection transport.Selection
	URL       route.Route
	Headers   HeaderFunc
	Fetch     event.FetchInit
	// Window is how long the first call of a batch waits for company.
	Window time.Duration
	// MaxSize flushes a batch early once it holds this many calls. Zero means
	// no limit.
	MaxSize int
	Metrics *metrics.Metrics
}

// BatchLink returns a terminating link that groups calls of the same type
// issued within opts.Window into one request.
func BatchLink(opts BatchOptions) Link {
	b := &batcher{
		opts:   opts,
		queues: make(map[rpc.ProcedureType][]*pending),
		timers: make(map[rpc.ProcedureType]*time.Timer),
	}
	return func(Invoker) Invoker { return b.invoke }
}

type callResult struct {
	data json.RawMessage
	err  error
}

type pending struct {
	op   Operation
	done chan callResult
}

type batcher struct {
	opts BatchOptions

	mu     sync.Mutex
	queues map[rpc.ProcedureType][]*pending
	timers map[rpc.ProcedureType]*time.Timer
}

func (b *batcher) invoke(op Operation) (json.RawMessage, error) {
	if err := b.opts.Selection.Err(); err != nil {
		return nil, err
	}
	if op.Ctx == nil {
		op.Ctx = context.Background()
	}

	p := &pending{op: op, done: make(chan callResult, 1)}
	b.enqueue(p)

	select {
	case r := <-p.done:
		return r.data, r.err
	case <-op.Ctx.Done():
		return nil, op.Ctx.Err()
	}
}

func (b *batcher) enqueue(p *pending) {
	typ := p.op.Type

	b.mu.Lock()
	defer b.mu.Unlock()

	b.queues[typ] = append(b.queues[typ], p)
	if b.opts.MaxSize > 0 && len(b.queues[typ]) >= b.opts.MaxSize {
		go b.flush(typ, b.take(typ))
		return
	}
	if _, scheduled := b.timers[typ]; !scheduled {
		b.timers[typ] = time.AfterFunc(b.opts.Window, func() {
			b.mu.Lock()
			batch := b.take(typ)
			b.mu.Unlock()
			b.flush(typ, batch)
		})
	}
}

// take removes and returns the queued calls of typ. Caller holds b.mu.
func (b *batcher) take(typ rpc.ProcedureType) []*pending {
	batch := b.queues[typ]
	delete(b.queues, typ)
	if t, ok := b.timers[typ]; ok {
		t.Stop()
		delete(b.timers, typ)
	}
	return batch
}

func (b *batcher) flush(typ rpc.ProcedureType, batch []*pending) {
	if len(batch) == 0 {
		return
	}
	if b.opts.Metrics != nil {
		b.opts.Metrics.BatchSize.WithLabelValues(string(typ)).Observe(float64(len(batch)))
	}

	// The batch outlives any single caller's cancellation.
	ctx := context.WithoutCancel(batch[0].op.Ctx)

	results, err := b.send(ctx, typ, batch)
	for i, p := range batch {
		if err != nil {
			p.done <- callResult{err: err}
			continue
		}
		p.done <- results[i]
	}
}

func (b *batcher) send(ctx context.Context, typ rpc.ProcedureType, batch []*pending) ([]callResult, error) {
	paths := make([]string, len(batch))
	inputs := make(map[string]json.RawMessage, len(batch))
	for i, p := range batch {
		paths[i] = p.op.Path
		if len(p.op.Input) > 0 {
			inputs[strconv.Itoa(i)] = p.op.Input
		}
	}
	encoded, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("client: encode batch input: %w", err)
	}

	target := strings.TrimSuffix(b.opts.Selection.Origin, "/") + b.opts.URL.String() + "/" + strings.Join(paths, ",")
	q := url.Values{"batch": {"1"}}

	method := http.MethodGet
	var body io.Reader
	if typ == rpc.Mutation {
		method = http.MethodPost
		body = bytes.NewReader(encoded)
	} else if len(inputs) > 0 {
		q.Set("input", string(encoded))
	}

	req, err := http.NewRequestWithContext(ctx, method, target+"?"+q.Encode(), body)
	if err != nil {
		return nil, fmt.Errorf("client: build batch request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.opts.Headers != nil {
		h, err := b.opts.Headers(ctx)
		if err != nil {
			return nil, fmt.Errorf("client: produce headers: %w", err)
		}
		for k, vs := range h {
			req.Header[http.CanonicalHeaderKey(k)] = vs
		}
	}

	init := event.FetchInit{Credentials: event.CredentialsSameOrigin}.Merge(b.opts.Fetch)
	resp, err := b.opts.Selection.Fetcher.Fetch(req, init)
	if err != nil {
		return nil, fmt.Errorf("client: fetch %s: %w", strings.Join(paths, ","), err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("client: read batch response: %w", err)
	}

	var envelopes []struct {
		Result *struct {
			Data json.RawMessage `json:"data"`
		} `json:"result"`
		Error *rpc.ErrorShape `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, fmt.Errorf("client: decode batch response (status %d): %w", resp.StatusCode, err)
	}
	if len(envelopes) != len(batch) {
		return nil, fmt.Errorf("client: batch response has %d entries, want %d", len(envelopes), len(batch))
	}

	results := make([]callResult, len(batch))
	for i, env := range envelopes {
		switch {
		case env.Error != nil:
			results[i].err = errorFromShape(paths[i], *env.Error)
		case env.Result != nil:
			results[i].data = env.Result.Data
		default:
			results[i].err = fmt.Errorf("client: empty envelope for %q", paths[i])
		}
	}
	return results, nil
}
