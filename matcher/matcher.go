// Package matcher implements the two pattern dialects used for routing:
// URL match patterns (scheme://host/path with wildcards) and hostname
// patterns with an optional leading "*." wildcard.
package matcher

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// CompileError reports a pattern that could not be compiled.
type CompileError struct {
	Pattern string
	Reason  string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %s", e.Pattern, e.Reason)
}

const AllURLs = "<all_urls>"

// webSchemes are the schemes matched by a "*" scheme.
var webSchemes = []string{"http", "https", "ws", "wss"}

var allURLSchemes = []string{"http", "https", "ws", "wss", "ftp", "file"}

var schemeRegex = regexp.MustCompile(`^[a-z][a-z0-9+.-]*$`)

var globUnescaper = strings.NewReplacer(`\*`, ".*")

// Pattern is a compiled URL match pattern.
type Pattern struct {
	raw        string
	schemes    []string
	anyHost    bool
	host       string
	subdomains bool
	port       string
	pathGlob   string
	path       *regexp.Regexp
}

// Compile parses a match pattern. Shortcuts are accepted: a missing
// scheme means "*://" and a missing path means "/*".
func Compile(pattern string) (*Pattern, error) {
	raw := pattern
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, &CompileError{Pattern: raw, Reason: "empty pattern"}
	}
	if pattern == AllURLs {
		return &Pattern{raw: raw, schemes: allURLSchemes, anyHost: true, pathGlob: "*", path: regexp.MustCompile(`^.*$`)}, nil
	}

	p := &Pattern{raw: raw}

	scheme, rest, found := strings.Cut(pattern, "://")
	if !found {
		scheme, rest = "*", pattern
	}
	scheme = strings.ToLower(scheme)
	switch {
	case scheme == "*":
		p.schemes = webSchemes
	case schemeRegex.MatchString(scheme):
		p.schemes = []string{scheme}
	default:
		return nil, &CompileError{Pattern: raw, Reason: fmt.Sprintf("invalid scheme %q", scheme)}
	}

	hostPart, pathPart := rest, "/*"
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		hostPart, pathPart = rest[:i], rest[i:]
	}

	if err := p.parseHost(hostPart); err != nil {
		return nil, &CompileError{Pattern: raw, Reason: err.Error()}
	}

	expr := globUnescaper.Replace(regexp.QuoteMeta(pathPart))
	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, &CompileError{Pattern: raw, Reason: err.Error()}
	}
	p.pathGlob = pathPart
	p.path = re
	return p, nil
}

func (p *Pattern) parseHost(host string) error {
	host = strings.ToLower(host)
	if strings.Contains(host, "@") {
		return fmt.Errorf("credentials are not allowed in host %q", host)
	}
	if h, port, ok := cutPort(host); ok {
		if port != "*" && !isDigits(port) {
			return fmt.Errorf("invalid port %q", port)
		}
		if port != "*" {
			p.port = port
		}
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")

	switch {
	case host == "":
		if len(p.schemes) == 1 && p.schemes[0] == "file" {
			p.anyHost = true
			return nil
		}
		return fmt.Errorf("missing host")
	case host == "*":
		p.anyHost = true
	case strings.HasPrefix(host, "*."):
		p.host = host[2:]
		p.subdomains = true
	default:
		p.host = host
	}
	if strings.Contains(p.host, "*") {
		return fmt.Errorf("wildcard is only allowed as the leading label of host %q", host)
	}
	if p.subdomains && p.host == "" {
		return fmt.Errorf("missing domain after \"*.\"")
	}
	return nil
}

// cutPort splits "host:port" while leaving bracketed IPv6 literals intact.
func cutPort(host string) (string, string, bool) {
	if strings.HasPrefix(host, "[") {
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return host, "", false
		}
		if rest := host[end+1:]; strings.HasPrefix(rest, ":") {
			return host[:end+1], rest[1:], true
		}
		return host, "", false
	}
	h, port, ok := strings.Cut(host, ":")
	if !ok || strings.Contains(port, ":") {
		return host, "", false
	}
	return h, port, true
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (p *Pattern) String() string {
	return p.raw
}

// Components is a compiled pattern split per URL component, for
// renderers that test each component separately.
type Components struct {
	Schemes    []string
	AnyHost    bool
	Host       string
	Subdomains bool
	// Port is empty unless the pattern names one.
	Port     string
	PathGlob string
	// Path is the anchored expression PathGlob compiles to. It runs
	// against the escaped path plus "?query".
	Path *regexp.Regexp
}

func (p *Pattern) Components() Components {
	return Components{
		Schemes:    p.schemes,
		AnyHost:    p.anyHost,
		Host:       p.host,
		Subdomains: p.subdomains,
		Port:       p.port,
		PathGlob:   p.pathGlob,
		Path:       p.path,
	}
}

// MatchHost applies the host rule alone. host must be lowercase.
func (c Components) MatchHost(host string) bool {
	switch {
	case c.AnyHost:
		return true
	case c.Subdomains:
		return host == c.Host || strings.HasSuffix(host, "."+c.Host)
	}
	return host == c.Host
}

// DefaultPort is the port a URL of scheme uses when it names none.
func DefaultPort(scheme string) string {
	switch strings.ToLower(scheme) {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	case "ftp":
		return "21"
	}
	return ""
}

// Match reports whether rawURL matches. Unparseable URLs never match.
func (p *Pattern) Match(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return p.MatchURL(u)
}

func (p *Pattern) MatchURL(u *url.URL) bool {
	if u == nil || !p.matchScheme(strings.ToLower(u.Scheme)) {
		return false
	}
	if !p.matchHost(strings.ToLower(u.Hostname())) {
		return false
	}
	if p.port != "" && effectivePort(u) != p.port {
		return false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" || u.ForceQuery {
		path += "?" + u.RawQuery
	}
	return p.path.MatchString(path)
}

func (p *Pattern) matchScheme(scheme string) bool {
	for _, s := range p.schemes {
		if s == scheme {
			return true
		}
	}
	return false
}

func (p *Pattern) matchHost(host string) bool {
	return p.Components().MatchHost(host)
}

func effectivePort(u *url.URL) string {
	if port := u.Port(); port != "" {
		return port
	}
	return DefaultPort(u.Scheme)
}

// List is an OR of patterns.
type List []*Pattern

// CompileList compiles every pattern; any failure fails the whole list.
func CompileList(patterns []string) (List, error) {
	list := make(List, 0, len(patterns))
	for _, raw := range patterns {
		p, err := Compile(raw)
		if err != nil {
			return nil, err
		}
		list = append(list, p)
	}
	return list, nil
}

func (l List) Match(rawURL string) bool {
	if len(l) == 0 {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return l.MatchURL(u)
}

func (l List) MatchURL(u *url.URL) bool {
	for _, p := range l {
		if p.MatchURL(u) {
			return true
		}
	}
	return false
}

func (l List) Components() []Components {
	out := make([]Components, 0, len(l))
	for _, p := range l {
		out = append(out, p.Components())
	}
	return out
}
