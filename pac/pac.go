// Package pac renders the routing rules as a proxy auto-config script for
// platforms without a per-request hook. Tab overrides, resource-type
// bypasses and static-extension bypasses have no PAC equivalent and only
// apply in dynamic mode.
package pac

import (
	"encoding/json"
	"fmt"
	"strings"

	"proxyrouter/core"
	"proxyrouter/logger"
	"proxyrouter/matcher"
	"proxyrouter/models"
	"proxyrouter/rules"

	"github.com/tidwall/match"
)

const Direct = "DIRECT"

// RuleBlock is one active rule. Force and bypass clauses are only
// consulted once one of the match clauses hit.
type RuleBlock struct {
	Name   string
	Match  []matcher.Components
	Force  []matcher.Components
	Bypass []matcher.Components
	Target string
}

type DomainClause struct {
	Host   string
	Target string
}

// Script is the structured form of a generated FindProxyForURL.
type Script struct {
	Rules   []RuleBlock
	Domains []DomainClause
	Default string
}

// ProxyToPac renders a proxy as a PAC result entry.
func ProxyToPac(p models.ProxyDescriptor, fallbackDirect bool) string {
	scheme := "PROXY"
	if p.Type == models.ProxyTypeSocks {
		scheme = "SOCKS"
	}
	entry := fmt.Sprintf("%s %s", scheme, p.Address())
	if fallbackDirect {
		entry += "; " + Direct
	}
	return entry
}

// DecisionString renders a resolver decision the way a PAC script would
// return it.
func DecisionString(d *core.Decision) string {
	if d.IsDirect() {
		return Direct
	}
	parts := make([]string, 0, len(d.Candidates))
	for _, c := range d.Candidates {
		if c.Direct {
			parts = append(parts, Direct)
			continue
		}
		parts = append(parts, ProxyToPac(*c.Proxy, false))
	}
	return strings.Join(parts, "; ")
}

// Build compiles settings into a Script. Invalid and inactive rules are
// left out, as the resolver skips them.
func Build(settings *rules.RuntimeSettings) *Script {
	s := &Script{Default: Direct}

	for _, rule := range settings.Compiled {
		if !rule.Active {
			continue
		}
		if !rule.Valid() {
			logger.Debug("PAC: skipping invalid rule %q", rule.Name)
			continue
		}
		block := RuleBlock{
			Name:   rule.Name,
			Match:  rule.CompiledMatch.Components(),
			Force:  rule.CompiledForceProxyURLPatterns.Components(),
			Bypass: rule.CompiledBypassURLPatterns.Components(),
			Target: Direct,
		}
		if !rule.IsDirect() {
			if p := core.ResolveProxy(settings.Settings, rule.ProxyID); p != nil {
				block.Target = ProxyToPac(*p, rule.FallbackDirect)
			}
		}
		s.Rules = append(s.Rules, block)
	}

	for _, host := range settings.SortedOverrideHosts() {
		id, _ := settings.OverrideFor(host)
		p := core.ResolveProxy(settings.Settings, id)
		if p == nil {
			logger.Debug("PAC: domain override %s points at unknown proxy %q", host, id)
			continue
		}
		s.Domains = append(s.Domains, DomainClause{Host: host, Target: ProxyToPac(*p, settings.FallbackDirect)})
	}

	if p, err := core.GetProxyByID(settings.ProxyList, settings.DefaultProxy); err == nil {
		s.Default = ProxyToPac(p, settings.FallbackDirect)
	}
	return s
}

// Generate returns the PAC script text. Output is byte-identical for
// equal settings.
func Generate(settings *rules.RuntimeSettings) string {
	return Build(settings).String()
}

// urlPartsJS splits a URL the way splitURL does.
var urlPartsJS = []string{
	`function urlParts(url) {`,
	`  var i = url.indexOf("://");`,
	`  if (i < 0) return {scheme: "", port: "", path: ""};`,
	`  var scheme = url.substring(0, i).toLowerCase();`,
	`  var rest = url.substring(i + 3);`,
	`  var h = rest.indexOf("#");`,
	`  if (h >= 0) rest = rest.substring(0, h);`,
	`  var end = rest.search(/[\/?]/);`,
	`  var authority = end < 0 ? rest : rest.substring(0, end);`,
	`  var path = end < 0 ? "/" : rest.substring(end);`,
	`  if (path.charAt(0) === "?") path = "/" + path;`,
	`  authority = authority.substring(authority.lastIndexOf("@") + 1);`,
	`  var m = authority.match(/:(\d+)$/);`,
	`  var port = m ? m[1] : ({http: "80", ws: "80", https: "443", wss: "443", ftp: "21"}[scheme] || "");`,
	`  return {scheme: scheme, port: port, path: path};`,
	`}`,
}

func (s *Script) String() string {
	lines := []string{"function FindProxyForURL(url, host) {"}
	if len(s.Rules) > 0 {
		lines = append(lines, "  var u = urlParts(url);")
	}
	for _, r := range s.Rules {
		conds := make([]string, 0, len(r.Match))
		for _, c := range r.Match {
			conds = append(conds, clauseJS(c, len(r.Match) > 1))
		}
		lines = append(lines, "  if ("+strings.Join(conds, " || ")+") {")
		for _, c := range r.Force {
			lines = append(lines, fmt.Sprintf("    if (%s) return %s;", clauseJS(c, false), jsString(r.Target)))
		}
		for _, c := range r.Bypass {
			lines = append(lines, fmt.Sprintf("    if (%s) return %s;", clauseJS(c, false), jsString(Direct)))
		}
		lines = append(lines, "    return "+jsString(r.Target)+";", "  }")
	}
	for _, d := range s.Domains {
		lines = append(lines, fmt.Sprintf("  if (host === %s) return %s;", jsString(d.Host), jsString(d.Target)))
	}
	lines = append(lines, "  return "+jsString(s.Default)+";", "}")
	if len(s.Rules) > 0 {
		lines = append(lines, urlPartsJS...)
	}
	return strings.Join(lines, "\n")
}

func clauseJS(c matcher.Components, grouped bool) string {
	var conds []string
	if len(c.Schemes) == 1 {
		conds = append(conds, "u.scheme === "+jsString(c.Schemes[0]))
	} else {
		quoted := make([]string, len(c.Schemes))
		for i, sc := range c.Schemes {
			quoted[i] = jsString(sc)
		}
		conds = append(conds, "["+strings.Join(quoted, ", ")+"].indexOf(u.scheme) >= 0")
	}
	switch {
	case c.AnyHost:
	case c.Subdomains:
		conds = append(conds, fmt.Sprintf("(host === %s || dnsDomainIs(host, %s))", jsString(c.Host), jsString("."+c.Host)))
	default:
		conds = append(conds, "host === "+jsString(c.Host))
	}
	if c.Port != "" {
		conds = append(conds, "u.port === "+jsString(c.Port))
	}
	if plainGlob(c.PathGlob) {
		conds = append(conds, "shExpMatch(u.path, "+jsString(c.PathGlob)+")")
	} else {
		conds = append(conds, "new RegExp("+jsString(c.Path.String())+").test(u.path)")
	}
	js := strings.Join(conds, " && ")
	if grouped {
		js = "(" + js + ")"
	}
	return js
}

// plainGlob reports whether shExpMatch reads glob the way the matcher
// does: only "*" is special.
func plainGlob(glob string) bool {
	return !strings.ContainsAny(glob, `?\`)
}

// Evaluate runs the script against a URL the way a PAC engine would.
func (s *Script) Evaluate(rawURL, host string) string {
	host = strings.ToLower(host)
	u := splitURL(rawURL)
	for _, r := range s.Rules {
		if !anyClause(r.Match, u, host) {
			continue
		}
		if anyClause(r.Force, u, host) {
			return r.Target
		}
		if anyClause(r.Bypass, u, host) {
			return Direct
		}
		return r.Target
	}
	for _, d := range s.Domains {
		if host == d.Host {
			return d.Target
		}
	}
	return s.Default
}

type urlParts struct {
	scheme string
	port   string
	path   string
}

func splitURL(raw string) urlParts {
	i := strings.Index(raw, "://")
	if i < 0 {
		return urlParts{}
	}
	scheme := strings.ToLower(raw[:i])
	rest := raw[i+3:]
	if h := strings.IndexByte(rest, '#'); h >= 0 {
		rest = rest[:h]
	}
	authority, path := rest, "/"
	if end := strings.IndexAny(rest, "/?"); end >= 0 {
		authority, path = rest[:end], rest[end:]
	}
	if strings.HasPrefix(path, "?") {
		path = "/" + path
	}
	authority = authority[strings.LastIndexByte(authority, '@')+1:]
	port := matcher.DefaultPort(scheme)
	if c := strings.LastIndexByte(authority, ':'); c >= 0 && isDigits(authority[c+1:]) {
		port = authority[c+1:]
	}
	return urlParts{scheme: scheme, port: port, path: path}
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

func anyClause(clauses []matcher.Components, u urlParts, host string) bool {
	for _, c := range clauses {
		if clauseMatches(c, u, host) {
			return true
		}
	}
	return false
}

func clauseMatches(c matcher.Components, u urlParts, host string) bool {
	scheme := false
	for _, sc := range c.Schemes {
		if sc == u.scheme {
			scheme = true
			break
		}
	}
	if !scheme || !c.MatchHost(host) {
		return false
	}
	if c.Port != "" && u.port != c.Port {
		return false
	}
	if plainGlob(c.PathGlob) {
		return ShExpMatch(u.path, c.PathGlob)
	}
	return c.Path.MatchString(u.path)
}

// ShExpMatch implements the PAC shExpMatch builtin.
func ShExpMatch(str, pattern string) bool {
	return match.Match(str, pattern)
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}
