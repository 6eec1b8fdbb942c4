package bridge

import (
	"net/http"
	"sync"

	"rpc-bridge-go/internal/cookie"
	"rpc-bridge-go/internal/event"
	"rpc-bridge-go/internal/metrics"
)

// headerRecorder forwards header mutations to the wrapped hook and keeps the
// last value set for each name.
type headerRecorder struct {
	next    event.HeaderSetter
	metrics *metrics.Metrics

	mu     sync.Mutex
	values map[string]string
}

func newHeaderRecorder(next event.HeaderSetter, m *metrics.Metrics) *headerRecorder {
	return &headerRecorder{next: next, metrics: m, values: make(map[string]string)}
}

func (r *headerRecorder) SetHeaders(headers map[string]string) error {
	if err := r.next.SetHeaders(headers); err != nil {
		return err
	}

	r.mu.Lock()
	for k, v := range headers {
		r.values[http.CanonicalHeaderKey(k)] = v
	}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.InterceptedMutations.WithLabelValues(metrics.MutationHeader).Add(float64(len(headers)))
	}
	return nil
}

func (r *headerRecorder) snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

func (r *headerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.values)
}

type recordedCookie struct {
	name  string
	value string
	opts  cookie.Options
}

// cookieRecorder forwards cookie mutations to the wrapped hooks and keeps the
// last write per name in first-write order. A delete is recorded as an empty
// value with Max-Age 0.
type cookieRecorder struct {
	next    event.Cookies
	metrics *metrics.Metrics

	mu      sync.Mutex
	order   []string
	entries map[string]recordedCookie
}

func newCookieRecorder(next event.Cookies, m *metrics.Metrics) *cookieRecorder {
	return &cookieRecorder{next: next, metrics: m, entries: make(map[string]recordedCookie)}
}

func (r *cookieRecorder) Get(name string) (string, bool) {
	return r.next.Get(name)
}

func (r *cookieRecorder) Set(name, value string, opts cookie.Options) error {
	if err := r.next.Set(name, value, opts); err != nil {
		return err
	}
	r.record(name, value, opts, metrics.MutationCookieSet)
	return nil
}

func (r *cookieRecorder) Delete(name string, opts cookie.Options) error {
	if err := r.next.Delete(name, opts); err != nil {
		return err
	}
	r.record(name, "", opts.Expired(), metrics.MutationCookieDelete)
	return nil
}

func (r *cookieRecorder) record(name, value string, opts cookie.Options, kind string) {
	r.mu.Lock()
	if _, ok := r.entries[name]; !ok {
		r.order = append(r.order, name)
	}
	r.entries[name] = recordedCookie{name: name, value: value, opts: opts}
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.InterceptedMutations.WithLabelValues(kind).Inc()
	}
}

func (r *cookieRecorder) snapshot() []recordedCookie {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedCookie, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name])
	}
	return out
}

func (r *cookieRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}
