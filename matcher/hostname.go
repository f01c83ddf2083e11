package matcher

import (
	"net/url"
	"strings"
)

// MatchHostname reports whether hostname matches pattern. A pattern of the
// form "*.example.com" matches example.com and any subdomain of it; any
// other pattern must equal the hostname. Comparison ignores case.
func MatchHostname(hostname, pattern string) bool {
	hostname = strings.ToLower(strings.TrimSuffix(hostname, "."))
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if hostname == "" || pattern == "" {
		return false
	}
	if domain, ok := strings.CutPrefix(pattern, "*."); ok {
		if domain == "" {
			return false
		}
		return hostname == domain || strings.HasSuffix(hostname, "."+domain)
	}
	return hostname == pattern
}

// ValidateHostnamePattern rejects hostname patterns with wildcards
// anywhere but a single leading "*." label.
func ValidateHostnamePattern(pattern string) error {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return &CompileError{Pattern: pattern, Reason: "empty pattern"}
	}
	rest := strings.TrimPrefix(p, "*.")
	if rest == "" {
		return &CompileError{Pattern: pattern, Reason: "missing domain after \"*.\""}
	}
	if strings.ContainsAny(rest, "*/:") {
		return &CompileError{Pattern: pattern, Reason: "hostname patterns allow only a leading \"*.\" wildcard"}
	}
	return nil
}

// Hostname extracts the lowercased hostname of rawURL. It reports false
// for unparseable or host-less URLs.
func Hostname(rawURL string) (string, bool) {
	if rawURL == "" {
		return "", false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	return host, true
}
