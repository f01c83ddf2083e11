// Package rules turns persisted ProxyRules into runtime rules with
// compiled matchers. Compilation never fails as a whole: a rule whose
// patterns do not compile is kept but marked invalid.
package rules

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"proxyrouter/logger"
	"proxyrouter/matcher"
	"proxyrouter/models"
)

var ErrInvalidStaticExtensions = errors.New("invalid static extensions expression")

var staticExtensionsLiteral = regexp.MustCompile(`^/(.*)/([gimsuy]*)$`)

// RuntimeProxyRule is a ProxyRule plus its compiled matchers. A nil
// compiled field means "not configured" when the source list is empty
// and "failed to compile" otherwise; Valid tells the two apart.
type RuntimeProxyRule struct {
	models.ProxyRule

	CompiledMatch                 matcher.List
	CompiledBypassURLPatterns     matcher.List
	CompiledForceProxyURLPatterns matcher.List
	CompiledStaticExtensions      *regexp.Regexp

	problems []string
}

func (r RuntimeProxyRule) Valid() bool {
	return len(r.problems) == 0
}

// Problems lists human-readable compile failures for display.
func (r RuntimeProxyRule) Problems() []string {
	return append([]string(nil), r.problems...)
}

// Compile returns one runtime rule per input rule, in the same order.
func Compile(in []models.ProxyRule) []RuntimeProxyRule {
	out := make([]RuntimeProxyRule, len(in))
	for i, rule := range in {
		out[i] = CompileRule(rule)
	}
	return out
}

func CompileRule(rule models.ProxyRule) RuntimeProxyRule {
	rt := RuntimeProxyRule{ProxyRule: rule}

	if len(rule.Match) == 0 {
		rt.problems = append(rt.problems, "match: no patterns")
	} else if list, err := matcher.CompileList(rule.Match); err != nil {
		rt.problems = append(rt.problems, "match: "+err.Error())
	} else {
		rt.CompiledMatch = list
	}

	if len(rule.BypassURLPatterns) > 0 {
		if list, err := matcher.CompileList(rule.BypassURLPatterns); err != nil {
			rt.problems = append(rt.problems, "bypassUrlPatterns: "+err.Error())
		} else {
			rt.CompiledBypassURLPatterns = list
		}
	}

	if len(rule.ForceProxyURLPatterns) > 0 {
		if list, err := matcher.CompileList(rule.ForceProxyURLPatterns); err != nil {
			rt.problems = append(rt.problems, "forceProxyUrlPatterns: "+err.Error())
		} else {
			rt.CompiledForceProxyURLPatterns = list
		}
	}

	if strings.TrimSpace(rule.StaticExtensions) != "" {
		if re, err := ParseStaticExtensions(rule.StaticExtensions); err != nil {
			rt.problems = append(rt.problems, "staticExtensions: "+err.Error())
		} else {
			rt.CompiledStaticExtensions = re
		}
	}

	if !rt.Valid() {
		logger.Warn("Rule %q is invalid and will be skipped: %s", rule.Name, strings.Join(rt.problems, "; "))
	}
	return rt
}

// ParseStaticExtensions parses a regex literal of the form /body/flags.
// Flags i, m and s map to the matching RE2 flags; y anchors the match at
// the start of the path; g and u do not change a single test.
func ParseStaticExtensions(expr string) (*regexp.Regexp, error) {
	m := staticExtensionsLiteral.FindStringSubmatch(strings.TrimSpace(expr))
	if m == nil {
		return nil, fmt.Errorf("%w: expected /pattern/flags", ErrInvalidStaticExtensions)
	}
	body, flags := m[1], m[2]
	if body == "" {
		return nil, fmt.Errorf("%w: empty pattern", ErrInvalidStaticExtensions)
	}

	var inline strings.Builder
	seen := make(map[rune]bool, len(flags))
	sticky := false
	for _, f := range flags {
		if seen[f] {
			return nil, fmt.Errorf("%w: duplicate flag %q", ErrInvalidStaticExtensions, f)
		}
		seen[f] = true
		switch f {
		case 'i', 'm', 's':
			inline.WriteRune(f)
		case 'y':
			sticky = true
		}
	}

	src := body
	if sticky {
		src = `\A(?:` + src + `)`
	}
	if inline.Len() > 0 {
		src = "(?" + inline.String() + ")" + src
	}
	re, err := regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidStaticExtensions, err)
	}
	return re, nil
}
