// Package transport decides, per call, whether outbound RPC traffic runs on
// behalf of an in-flight request or standalone, and supplies the fetcher and
// origin for each case.
package transport

import (
	"context"
	"errors"
	"net/http"

	"rpc-bridge-go/internal/event"
)

// ErrUnsupportedEnvironment is reported when there is neither an in-flight
// request nor an ambient fetcher and origin to fall back to.
var ErrUnsupportedEnvironment = errors.New("transport: no request in flight and no ambient fetcher or origin configured")

// Ambient is the fallback used outside any request.
type Ambient struct {
	Fetcher event.Fetcher
	Origin  string
}

// Selection is the outcome of Select.
type Selection struct {
	Fetcher   event.Fetcher
	Origin    string
	InRequest bool
}

// Err reports ErrUnsupportedEnvironment when the selection cannot be used.
func (s Selection) Err() error {
	if s.Fetcher == nil || s.Origin == "" {
		return ErrUnsupportedEnvironment
	}
	return nil
}

// Select prefers the event of the request carried by ctx and falls back to
// ambient. It never fails; check Selection.Err before use.
func Select(ctx context.Context, ambient Ambient) Selection {
	if ev, ok := event.FromContext(ctx); ok {
		return Selection{
			Fetcher:   ev.Fetcher(),
			Origin:    ev.Origin(),
			InRequest: true,
		}
	}
	return Selection{
		Fetcher: ambient.Fetcher,
		Origin:  ambient.Origin,
	}
}

// HTTPFetcher adapts an *http.Client to event.Fetcher. Credentials come from
// the client's cookie jar; CredentialsOmit sends the request without it.
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements event.Fetcher.
func (f HTTPFetcher) Fetch(req *http.Request, init event.FetchInit) (*http.Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	out := req
	if len(init.Header) > 0 || init.Credentials == event.CredentialsOmit {
		out = req.Clone(req.Context())
		if out.Header == nil {
			out.Header = make(http.Header)
		}
		for k, vs := range init.Header {
			out.Header[k] = vs
		}
	}
	if init.Credentials == event.CredentialsOmit {
		out.Header.Del("Cookie")
		out.Header.Del("Authorization")
		if client.Jar != nil {
			noJar := *client
			noJar.Jar = nil
			client = &noJar
		}
	}
	return client.Do(out)
}
