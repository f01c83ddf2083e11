package core

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"proxyrouter/logger"
	"proxyrouter/matcher"
	"proxyrouter/models"
	"proxyrouter/rules"
)

var ErrProxyNotFound = errors.New("proxy not found")

// Layer names the step of the resolution hierarchy that produced a Decision.
type Layer string

const (
	LayerTab     Layer = "tab"
	LayerDomain  Layer = "domain"
	LayerRule    Layer = "rule"
	LayerDefault Layer = "default"
	LayerDirect  Layer = "direct"
)

// NoTab marks a request that did not originate from a known tab.
const NoTab = -1

// RequestInfo is what the interception hook knows about an outgoing request.
type RequestInfo struct {
	URL   string `json:"url"`
	TabID int    `json:"tabId"`
	Type  string `json:"type,omitempty"`
}

// ProxyCandidate is one entry of the ordered list handed to the host:
// either an upstream proxy or a direct connection.
type ProxyCandidate struct {
	Direct bool                    `json:"direct,omitempty"`
	Proxy  *models.ProxyDescriptor `json:"proxy,omitempty"`
}

// Decision is the conclusive outcome of one layer. No candidates means
// the request goes direct.
type Decision struct {
	Layer      Layer            `json:"layer"`
	Rule       string           `json:"rule,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Candidates []ProxyCandidate `json:"candidates"`
}

func (d *Decision) IsDirect() bool {
	return len(d.Candidates) == 0 || d.Candidates[0].Direct
}

// Primary returns the first upstream proxy, or nil for a direct decision.
func (d *Decision) Primary() *models.ProxyDescriptor {
	if d.IsDirect() {
		return nil
	}
	return d.Candidates[0].Proxy
}

// AllowsDirectFallback reports whether a direct entry follows the proxy.
func (d *Decision) AllowsDirectFallback() bool {
	for _, c := range d.Candidates[min(1, len(d.Candidates)):] {
		if c.Direct {
			return true
		}
	}
	return false
}

// Handler is one layer of the hierarchy. It returns nil when it has no
// opinion about the request.
type Handler func(ctx context.Context, req RequestInfo) *Decision

// TabOverrides looks up a per-tab proxy mapping.
type TabOverrides interface {
	ProxyFor(tabID int) (string, bool)
}

// TabQuerier is the host's tab API.
type TabQuerier interface {
	Get(ctx context.Context, tabID int) (models.Tab, error)
	List(ctx context.Context) ([]models.Tab, error)
}

// GetProxyByID looks a proxy up by id.
func GetProxyByID(list []models.ProxyDescriptor, id string) (models.ProxyDescriptor, error) {
	for _, p := range list {
		if id != "" && p.ID == id {
			return p, nil
		}
	}
	return models.ProxyDescriptor{}, ErrProxyNotFound
}

// ResolveProxy looks up id and falls back to the default proxy. It
// returns nil when neither exists.
func ResolveProxy(settings models.Settings, id string) *models.ProxyDescriptor {
	if p, err := GetProxyByID(settings.ProxyList, id); err == nil {
		return &p
	}
	if p, err := GetProxyByID(settings.ProxyList, settings.DefaultProxy); err == nil {
		return &p
	}
	return nil
}

func candidatesFor(p models.ProxyDescriptor, fallbackDirect bool) []ProxyCandidate {
	if p.Type == models.ProxyTypeHTTP {
		p.ProxyDNS = false
	}
	out := []ProxyCandidate{{Proxy: &p}}
	if fallbackDirect {
		out = append(out, ProxyCandidate{Direct: true})
	}
	return out
}

// MakeTabProxyHandler resolves per-tab overrides. Once a tab has a
// mapping that resolves, lower layers are never consulted.
func MakeTabProxyHandler(settings *rules.RuntimeSettings, tabs TabOverrides) Handler {
	return func(ctx context.Context, req RequestInfo) *Decision {
		if req.TabID == NoTab || tabs == nil {
			return nil
		}
		id, ok := tabs.ProxyFor(req.TabID)
		if !ok {
			return nil
		}
		proxy := ResolveProxy(settings.Settings, id)
		if proxy == nil {
			logger.ProxyWarn("Tab handler: tab %d maps to %q but neither it nor a default proxy exists", req.TabID, id)
			return nil
		}
		logger.ProxyDebug("Tab handler: tab %d -> %s for %s", req.TabID, proxy.DisplayName(), req.URL)
		return &Decision{Layer: LayerTab, Reason: "tab override", Candidates: candidatesFor(*proxy, settings.FallbackDirect)}
	}
}

// MakeDomainProxyHandler resolves per-hostname overrides against the
// hostname of the requesting tab. Requests without a known tab are
// matched on their own hostname.
func MakeDomainProxyHandler(settings *rules.RuntimeSettings, tabs TabQuerier) Handler {
	return func(ctx context.Context, req RequestInfo) *Decision {
		if len(settings.PerWebsiteOverride) == 0 {
			return nil
		}
		hostname, ok := originHostname(ctx, tabs, req)
		if !ok {
			return nil
		}
		id, ok := settings.OverrideFor(hostname)
		if !ok {
			return nil
		}
		proxy := ResolveProxy(settings.Settings, id)
		if proxy == nil {
			logger.ProxyWarn("Domain handler: %s maps to %q but neither it nor a default proxy exists", hostname, id)
			return nil
		}
		logger.ProxyDebug("Domain handler: %s -> %s for %s", hostname, proxy.DisplayName(), req.URL)
		return &Decision{Layer: LayerDomain, Reason: "domain override " + hostname, Candidates: candidatesFor(*proxy, settings.FallbackDirect)}
	}
}

func originHostname(ctx context.Context, tabs TabQuerier, req RequestInfo) (string, bool) {
	if req.TabID != NoTab && tabs != nil {
		tab, err := tabs.Get(ctx, req.TabID)
		if err != nil {
			logger.ProxyDebug("Domain handler: tab %d lookup failed: %v", req.TabID, err)
		} else if h, ok := matcher.Hostname(tab.URL); ok {
			return h, true
		}
	}
	return matcher.Hostname(req.URL)
}

// MakeRuleProxyHandler walks the compiled rules in order. The first rule
// whose match list succeeds decides the request, including when one of
// its bypass clauses sends the request direct.
func MakeRuleProxyHandler(settings *rules.RuntimeSettings) Handler {
	return func(ctx context.Context, req RequestInfo) *Decision {
		u, err := url.Parse(req.URL)
		if err != nil {
			logger.ProxyDebug("Rule handler: unparseable url %q: %v", req.URL, err)
			return nil
		}
		for _, rule := range settings.Compiled {
			if !rule.Active || !rule.Valid() {
				continue
			}
			if !rule.CompiledMatch.MatchURL(u) {
				continue
			}
			logger.ProxyDebug("Rule handler: rule %q matched %s", rule.Name, req.URL)

			if rule.CompiledForceProxyURLPatterns.MatchURL(u) {
				return ruleTarget(settings, rule, "force pattern")
			}
			if rule.CompiledBypassURLPatterns.MatchURL(u) {
				logger.ProxyInfo("Rule handler: %s bypassed by URL pattern of rule %q", req.URL, rule.Name)
				return &Decision{Layer: LayerRule, Rule: rule.Name, Reason: "bypass url"}
			}
			if req.Type != "" && containsString(rule.BypassResourceTypes, req.Type) {
				logger.ProxyInfo("Rule handler: %s bypassed by resource type %q of rule %q", req.URL, req.Type, rule.Name)
				return &Decision{Layer: LayerRule, Rule: rule.Name, Reason: "bypass resource type"}
			}
			if rule.CompiledStaticExtensions != nil && rule.CompiledStaticExtensions.MatchString(pathname(u)) {
				logger.ProxyInfo("Rule handler: %s bypassed by static extension of rule %q", req.URL, rule.Name)
				return &Decision{Layer: LayerRule, Rule: rule.Name, Reason: "bypass static extension"}
			}
			return ruleTarget(settings, rule, "match")
		}
		logger.ProxyDebug("Rule handler: no matching rule for %s", req.URL)
		return nil
	}
}

func ruleTarget(settings *rules.RuntimeSettings, rule rules.RuntimeProxyRule, reason string) *Decision {
	if rule.IsDirect() {
		logger.ProxyInfo("Rule handler: rule %q (%s) forces direct", rule.Name, reason)
		return &Decision{Layer: LayerRule, Rule: rule.Name, Reason: reason}
	}
	proxy := ResolveProxy(settings.Settings, rule.ProxyID)
	if proxy == nil {
		logger.ProxyWarn("Rule handler: no proxy found for rule %q", rule.Name)
		return nil
	}
	logger.ProxyInfo("Rule handler: rule %q (%s) -> %s", rule.Name, reason, proxy.DisplayName())
	return &Decision{Layer: LayerRule, Rule: rule.Name, Reason: reason, Candidates: candidatesFor(*proxy, rule.FallbackDirect)}
}

// MakeDefaultProxyHandler returns the configured default proxy.
func MakeDefaultProxyHandler(settings *rules.RuntimeSettings) Handler {
	return func(ctx context.Context, req RequestInfo) *Decision {
		proxy, err := GetProxyByID(settings.ProxyList, settings.DefaultProxy)
		if err != nil {
			logger.ProxyDebug("Default handler: no default proxy set")
			return nil
		}
		logger.ProxyDebug("Default handler: %s -> %s", req.URL, proxy.DisplayName())
		return &Decision{Layer: LayerDefault, Reason: "default proxy", Candidates: candidatesFor(proxy, settings.FallbackDirect)}
	}
}

// Hierarchy consults its handlers in order; the first conclusive one wins.
type Hierarchy struct {
	handlers []Handler
}

func NewHierarchy(handlers ...Handler) *Hierarchy {
	return &Hierarchy{handlers: handlers}
}

// NewDefaultHierarchy wires tab, domain, rule and default layers.
func NewDefaultHierarchy(settings *rules.RuntimeSettings, overrides TabOverrides, tabs TabQuerier) *Hierarchy {
	return NewHierarchy(
		MakeTabProxyHandler(settings, overrides),
		MakeDomainProxyHandler(settings, tabs),
		MakeRuleProxyHandler(settings),
		MakeDefaultProxyHandler(settings),
	)
}

// Resolve never returns nil: when no layer concludes, the decision is an
// implicit direct connection.
func (h *Hierarchy) Resolve(ctx context.Context, req RequestInfo) *Decision {
	for _, handler := range h.handlers {
		if d := handler(ctx, req); d != nil {
			return d
		}
	}
	logger.ProxyDebug("Hierarchy: no layer concluded for %s, going direct", req.URL)
	return &Decision{Layer: LayerDirect, Reason: "no match"}
}

func pathname(u *url.URL) string {
	if p := u.EscapedPath(); p != "" {
		return p
	}
	return "/"
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
