package cookie

import (
	"net/http"
	"net/url"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	tests := []struct {
		name       string
		rawURL     string
		wantSecure bool
	}{
		{"https host", "https://example.com/trpc", true},
		{"http host", "http://example.com/trpc", true},
		{"http localhost", "http://localhost:5173/trpc", false},
		{"https localhost", "https://localhost/trpc", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, _ := url.Parse(tt.rawURL)
			d := Defaults(u)
			if d.HTTPOnly == nil || !*d.HTTPOnly {
				t.Error("HTTPOnly default should be true")
			}
			if d.SameSite != http.SameSiteLaxMode {
				t.Errorf("SameSite = %v, want Lax", d.SameSite)
			}
			if d.Secure == nil || *d.Secure != tt.wantSecure {
				t.Errorf("Secure = %v, want %v", d.Secure, tt.wantSecure)
			}
		})
	}
}

func TestMerge_OverridesOnlySetFields(t *testing.T) {
	base := Defaults(&url.URL{Scheme: "https", Host: "example.com"})
	got := base.Merge(Options{Secure: Bool(false), Path: "/"})

	if !*got.HTTPOnly {
		t.Error("HTTPOnly should survive merge")
	}
	if *got.Secure {
		t.Error("Secure override should win")
	}
	if got.Path != "/" {
		t.Errorf("Path = %q, want %q", got.Path, "/")
	}
	if got.SameSite != http.SameSiteLaxMode {
		t.Errorf("SameSite = %v, want Lax", got.SameSite)
	}
}

func TestSerialize(t *testing.T) {
	secure := Defaults(&url.URL{Scheme: "https", Host: "example.com"})
	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name  string
		key   string
		value string
		opts  Options
		want  string
	}{
		{
			name:  "defaults",
			key:   "session",
			value: "abc",
			opts:  secure,
			want:  "session=abc; HttpOnly; SameSite=Lax; Secure",
		},
		{
			name:  "deleted",
			key:   "session",
			value: "",
			opts:  secure.Expired(),
			want:  "session=; Max-Age=0; HttpOnly; SameSite=Lax; Secure",
		},
		{
			name:  "all attributes",
			key:   "id",
			value: "a b;c",
			opts: Options{
				Path: "/app", Domain: ".example.com", Expires: expires, MaxAge: Int(60),
				HTTPOnly: Bool(false), Secure: Bool(true), SameSite: http.SameSiteStrictMode, Partitioned: true,
			},
			want: "id=a%20b%3Bc; Max-Age=60; Domain=example.com; Path=/app; Expires=Wed, 02 Jan 2030 03:04:05 GMT; SameSite=Strict; Secure; Partitioned",
		},
		{
			name:  "bare",
			key:   "k",
			value: "v",
			opts:  Options{},
			want:  "k=v",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Serialize(tt.key, tt.value, tt.opts)
			if err != nil {
				t.Fatalf("Serialize() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Serialize() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSerialize_InvalidName(t *testing.T) {
	if _, err := Serialize("bad name", "v", Options{}); err == nil {
		t.Error("expected error for cookie name with space")
	}
}

func TestDecode(t *testing.T) {
	if got := Decode("a%20b%3Bc"); got != "a b;c" {
		t.Errorf("Decode() = %q, want %q", got, "a b;c")
	}
}
