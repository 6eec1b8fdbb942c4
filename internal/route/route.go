// Package route validates mount paths used as URL path prefixes.
package route

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is returned for a path that cannot be used as a mount prefix.
var ErrInvalid = errors.New("invalid route")

// Route is a validated mount path such as "/trpc". The zero value is not valid;
// obtain one through Parse.
type Route string

// Parse validates s as a mount path. A valid route is non-empty, starts with
// '/', is not the root path and has no trailing slash.
func Parse(s string) (Route, error) {
	switch {
	case s == "":
		return "", fmt.Errorf("%w: empty path", ErrInvalid)
	case s[0] != '/':
		return "", fmt.Errorf("%w: %q must start with '/'", ErrInvalid, s)
	case s == "/":
		return "", fmt.Errorf("%w: %q cannot be the root path", ErrInvalid, s)
	case strings.HasSuffix(s, "/"):
		return "", fmt.Errorf("%w: %q must not end with '/'", ErrInvalid, s)
	case strings.ContainsAny(s, "?#* \t\r\n"):
		return "", fmt.Errorf("%w: %q contains a reserved character", ErrInvalid, s)
	case strings.Contains(s, "//"):
		return "", fmt.Errorf("%w: %q contains an empty segment", ErrInvalid, s)
	}
	return Route(s), nil
}

func (r Route) String() string { return string(r) }

// Rel returns path relative to the route when path lies strictly below it:
// Rel("/trpc/greeting") on "/trpc" yields "greeting". The route itself and
// paths that merely share a prefix ("/trpcx") do not match.
func (r Route) Rel(path string) (string, bool) {
	prefix := string(r) + "/"
	if r == "" || !strings.HasPrefix(path, prefix) {
		return "", false
	}
	return path[len(prefix):], true
}
