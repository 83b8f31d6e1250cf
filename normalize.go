package tollgate

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/idna"
)

// NormalizeTarget reduces a request target to the host form stored in a
// [DomainSet]. It accepts authority-form ("www.example.com:443"),
// absolute-form ("http://www.example.com/path") and bare hostnames.
//
// The following rewrites are applied until none of them changes the value:
//
//   - an absolute URL is reduced to its host[:port], dropping the port
//     when it is the scheme's default
//   - surrounding whitespace is trimmed
//   - ASCII hosts are lowercased, non-ASCII hosts are IDNA-encoded
//   - a ":443" suffix is stripped
//   - a trailing "." is stripped
//   - a "www." prefix is stripped
//
// Each rewrite is a no-op when its prefix or suffix is absent, so
// NormalizeTarget never fails, and because the result is a fixed point,
// NormalizeTarget(NormalizeTarget(x)) == NormalizeTarget(x).
func NormalizeTarget(target string) string {
	s := target
	for {
		next := normalizeStep(s)
		if next == s {
			return s
		}
		s = next
	}
}

// defaultPorts maps absolute-form schemes to the port a client dials when
// the URL names none.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

func normalizeStep(s string) string {
	if strings.Contains(s, "://") {
		if u, err := url.Parse(s); err == nil && u.Host != "" {
			s = u.Host
			if port := u.Port(); port != "" && port == defaultPorts[u.Scheme] {
				s = strings.TrimSuffix(s, ":"+port)
			}
		}
	}
	s = strings.TrimSpace(s)
	s = canonicalHost(s)
	s = strings.TrimSuffix(s, ":443")
	s = strings.TrimSuffix(s, ".")
	s = strings.TrimPrefix(s, "www.")
	return s
}

// canonicalHost lowercases ASCII input and converts internationalized names
// to their punycode form. Names IDNA rejects are only lowercased.
func canonicalHost(s string) string {
	if isASCII(s) {
		return asciiLower(s)
	}

	host, port := s, ""
	if i := strings.LastIndexByte(s, ':'); i != -1 && isDigits(s[i+1:]) {
		host, port = s[:i], s[i:]
	}

	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return strings.ToLower(s)
	}
	return asciiLower(ascii) + port
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}

func asciiLower(s string) string {
	for i := 0; i < len(s); i++ {
		if c := s[i]; c >= 'A' && c <= 'Z' {
			b := []byte(s)
			for j := i; j < len(b); j++ {
				if b[j] >= 'A' && b[j] <= 'Z' {
					b[j] += 'a' - 'A'
				}
			}
			return string(b)
		}
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
