package tollgate

import (
	"strings"
	"testing"
)

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		name   string
		target string
		want   string
	}{
		{"bare host", "example.com", "example.com"},
		{"authority with 443", "example.com:443", "example.com"},
		{"www and 443", "www.example.com:443", "example.com"},
		{"other port kept", "example.com:8443", "example.com:8443"},
		{"port 80 kept", "example.com:80", "example.com:80"},
		{"absolute http url", "http://www.example.com/path?q=1", "example.com"},
		{"absolute url with port", "http://example.com:8080/x", "example.com:8080"},
		{"absolute https url", "https://www.example.com:443/", "example.com"},
		{"absolute http default port", "http://example.com:80/", "example.com"},
		{"absolute http default port uppercase", "HTTP://WWW.Example.com:80/x", "example.com"},
		{"absolute https port 80 kept", "https://example.com:80/", "example.com:80"},
		{"absolute http port 8080 kept", "http://example.com:8080/", "example.com:8080"},
		{"uppercase", "WWW.Example.COM", "example.com"},
		{"trailing dot", "example.com.", "example.com"},
		{"trailing dot and 443", "www.example.com.:443", "example.com"},
		{"surrounding whitespace", "  example.com\t", "example.com"},
		{"repeated www", "www.www.example.com", "example.com"},
		{"www inside label untouched", "awww.example.com", "awww.example.com"},
		{"subdomain untouched", "api.example.com", "api.example.com"},
		{"idna", "bücher.example", "xn--bcher-kva.example"},
		{"idna with port", "bücher.example:443", "xn--bcher-kva.example"},
		{"empty", "", ""},
		{"bare www label", "www.", "www"},
		{"no port separator", "example.com443", "example.com443"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeTarget(tt.target); got != tt.want {
				t.Errorf("NormalizeTarget(%q) = %q, want %q", tt.target, got, tt.want)
			}
		})
	}
}

func TestNormalizeTarget_Idempotent(t *testing.T) {
	inputs := []string{
		"www.example.com:443",
		"www.www.example.com.:443",
		"http://WWW.EXAMPLE.COM/",
		"http://www.example.com:80/",
		"example.com.:443.",
		"bücher.example",
		"[::1]:443",
		"::1",
		"%zz",
		"http://[::1",
		"www.:443",
	}

	for _, in := range inputs {
		once := NormalizeTarget(in)
		twice := NormalizeTarget(once)
		if once != twice {
			t.Errorf("NormalizeTarget not idempotent for %q: %q then %q", in, once, twice)
		}
	}
}

func TestNormalizeTarget_Total(t *testing.T) {
	// must not panic on malformed input
	for _, in := range []string{"::::", "http://", "://", "\x00", strings.Repeat("a", 300)} {
		_ = NormalizeTarget(in)
	}
}

func FuzzNormalizeTarget(f *testing.F) {
	for _, seed := range []string{
		"example.com",
		"www.example.com:443",
		"http://www.example.com/path",
		"bücher.example:443",
		"[::1]:443",
		"",
		"www.",
		"://",
	} {
		f.Add(seed)
	}

	f.Fuzz(func(t *testing.T, s string) {
		once := NormalizeTarget(s)
		if twice := NormalizeTarget(once); twice != once {
			t.Fatalf("not idempotent: %q -> %q -> %q", s, once, twice)
		}
	})
}
