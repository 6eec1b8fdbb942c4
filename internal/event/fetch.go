package event

import (
	"net/http"
	"net/url"
)

// Credentials controls whether the inbound request's credentials accompany
// an outbound fetch.
type Credentials int

const (
	// CredentialsUnset leaves the decision to the fetcher's default.
	CredentialsUnset Credentials = iota
	// CredentialsSameOrigin forwards credentials only to the request's own origin.
	CredentialsSameOrigin
	// CredentialsInclude always forwards credentials.
	CredentialsInclude
	// CredentialsOmit never forwards credentials.
	CredentialsOmit
)

func (c Credentials) String() string {
	switch c {
	case CredentialsSameOrigin:
		return "same-origin"
	case CredentialsInclude:
		return "include"
	case CredentialsOmit:
		return "omit"
	}
	return "unset"
}

// FetchInit carries per-call fetch options.
type FetchInit struct {
	Credentials Credentials
	Header      http.Header
}

// Merge returns i with over's set fields applied on top.
func (i FetchInit) Merge(over FetchInit) FetchInit {
	if over.Credentials != CredentialsUnset {
		i.Credentials = over.Credentials
	}
	if len(over.Header) > 0 {
		h := i.Header.Clone()
		if h == nil {
			h = make(http.Header)
		}
		for k, vs := range over.Header {
			h[k] = vs
		}
		i.Header = h
	}
	return i
}

// Fetcher performs an outbound HTTP request.
type Fetcher interface {
	Fetch(req *http.Request, init FetchInit) (*http.Response, error)
}

// FetchFunc adapts a function to Fetcher.
type FetchFunc func(req *http.Request, init FetchInit) (*http.Response, error)

// Fetch calls f.
func (f FetchFunc) Fetch(req *http.Request, init FetchInit) (*http.Response, error) {
	return f(req, init)
}

// credentialHeaders are copied from the inbound request when credentials
// are forwarded.
var credentialHeaders = []string{"Cookie", "Authorization"}

// requestFetcher resolves relative URLs against the request origin and
// forwards the caller's credentials according to FetchInit.Credentials.
type requestFetcher struct {
	client   *http.Client
	origin   *url.URL
	incoming *http.Request
}

func (f *requestFetcher) Fetch(req *http.Request, init FetchInit) (*http.Response, error) {
	out := req.Clone(req.Context())
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	if out.URL.Host == "" {
		out.URL = f.origin.ResolveReference(out.URL)
		out.Host = ""
	}
	for k, vs := range init.Header {
		out.Header[k] = vs
	}

	if f.forwardCredentials(out.URL, init.Credentials) {
		for _, h := range credentialHeaders {
			if out.Header.Get(h) != "" {
				continue
			}
			if v := f.incoming.Header.Get(h); v != "" {
				out.Header.Set(h, v)
			}
		}
	}

	return f.client.Do(out)
}

func (f *requestFetcher) forwardCredentials(target *url.URL, mode Credentials) bool {
	switch mode {
	case CredentialsInclude:
		return true
	case CredentialsOmit:
		return false
	}
	return SameOrigin(target, f.origin)
}

// SameOrigin reports whether a and b share scheme and host.
func SameOrigin(a, b *url.URL) bool {
	return a != nil && b != nil && a.Scheme == b.Scheme && a.Host == b.Host
}
