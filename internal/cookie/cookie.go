// Package cookie holds cookie options with framework defaults and serializes
// Set-Cookie header values.
package cookie

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Options are the attributes of a Set-Cookie line. Pointer fields distinguish
// "unset" from an explicit false or zero so that Merge can layer overrides.
type Options struct {
	Path        string
	Domain      string
	Expires     time.Time
	MaxAge      *int
	HTTPOnly    *bool
	Secure      *bool
	SameSite    http.SameSite
	Partitioned bool
}

// Bool returns a pointer to v, for use in Options literals.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for use in Options literals.
func Int(v int) *int { return &v }

// Defaults returns the options applied to every cookie set while serving u:
// HttpOnly, SameSite=Lax and Secure, except for plain-http localhost where
// browsers would drop a Secure cookie.
func Defaults(u *url.URL) Options {
	secure := true
	if u != nil && u.Hostname() == "localhost" && u.Scheme == "http" {
		secure = false
	}
	return Options{
		HTTPOnly: Bool(true),
		Secure:   Bool(secure),
		SameSite: http.SameSiteLaxMode,
	}
}

// Merge returns o with every field that is set in over replaced.
func (o Options) Merge(over Options) Options {
	if over.Path != "" {
		o.Path = over.Path
	}
	if over.Domain != "" {
		o.Domain = over.Domain
	}
	if !over.Expires.IsZero() {
		o.Expires = over.Expires
	}
	if over.MaxAge != nil {
		o.MaxAge = over.MaxAge
	}
	if over.HTTPOnly != nil {
		o.HTTPOnly = over.HTTPOnly
	}
	if over.Secure != nil {
		o.Secure = over.Secure
	}
	if over.SameSite != 0 {
		o.SameSite = over.SameSite
	}
	if over.Partitioned {
		o.Partitioned = true
	}
	return o
}

// Expired returns o with the cookie marked for immediate removal.
func (o Options) Expired() Options {
	o.MaxAge = Int(0)
	return o
}

// Serialize renders a Set-Cookie header value. The value is percent-encoded;
// attributes are emitted in a fixed order:
//
//	name=value; Max-Age=N; Domain=d; Path=p; Expires=t; HttpOnly; SameSite=s; Secure; Partitioned
func Serialize(name, value string, o Options) (string, error) {
	c := &http.Cookie{
		Name:    name,
		Value:   encodeValue(value),
		Path:    o.Path,
		Domain:  o.Domain,
		Expires: o.Expires,
	}
	if err := c.Valid(); err != nil {
		return "", fmt.Errorf("cookie %q: %w", name, err)
	}

	var b strings.Builder
	b.WriteString(c.Name)
	b.WriteByte('=')
	b.WriteString(c.Value)

	if o.MaxAge != nil {
		age := *o.MaxAge
		if age < 0 {
			age = 0
		}
		b.WriteString("; Max-Age=")
		b.WriteString(strconv.Itoa(age))
	}
	if o.Domain != "" {
		b.WriteString("; Domain=")
		b.WriteString(strings.TrimPrefix(o.Domain, "."))
	}
	if o.Path != "" {
		b.WriteString("; Path=")
		b.WriteString(o.Path)
	}
	if !o.Expires.IsZero() {
		b.WriteString("; Expires=")
		b.WriteString(o.Expires.UTC().Format(http.TimeFormat))
	}
	if o.HTTPOnly != nil && *o.HTTPOnly {
		b.WriteString("; HttpOnly")
	}
	switch o.SameSite {
	case http.SameSiteLaxMode:
		b.WriteString("; SameSite=Lax")
	case http.SameSiteStrictMode:
		b.WriteString("; SameSite=Strict")
	case http.SameSiteNoneMode:
		b.WriteString("; SameSite=None")
	}
	if o.Secure != nil && *o.Secure {
		b.WriteString("; Secure")
	}
	if o.Partitioned {
		b.WriteString("; Partitioned")
	}
	return b.String(), nil
}

// encodeValue percent-encodes everything outside the URI-component unreserved
// set, so any string round-trips through url.PathUnescape.
func encodeValue(s string) string {
	const hex = "0123456789ABCDEF"
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if isUnreserved(ch) {
			b.WriteByte(ch)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hex[ch>>4])
		b.WriteByte(hex[ch&0x0f])
	}
	return b.String()
}

func isUnreserved(ch byte) bool {
	switch {
	case 'a' <= ch && ch <= 'z', 'A' <= ch && ch <= 'Z', '0' <= ch && ch <= '9':
		return true
	}
	return strings.IndexByte("-_.!~*'()", ch) >= 0
}

// Decode reverses the value encoding applied by Serialize.
func Decode(value string) string {
	if v, err := url.PathUnescape(value); err == nil {
		return v
	}
	return value
}
