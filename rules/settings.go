package rules

import (
	"sort"
	"strings"

	"proxyrouter/models"
)

// RuntimeSettings is an immutable snapshot of Settings with compiled
// rules. A reload builds a new snapshot instead of mutating one.
type RuntimeSettings struct {
	models.Settings
	Compiled []RuntimeProxyRule

	overrides map[string]string
}

func CompileSettings(s models.Settings) *RuntimeSettings {
	rs := &RuntimeSettings{
		Settings:  s,
		Compiled:  Compile(s.Rules),
		overrides: make(map[string]string, len(s.PerWebsiteOverride)),
	}
	for host, id := range s.PerWebsiteOverride {
		rs.overrides[normalizeHost(host)] = id
	}
	return rs
}

// OverrideFor looks up the domain override for hostname, ignoring case
// and a trailing dot.
func (s *RuntimeSettings) OverrideFor(hostname string) (string, bool) {
	id, ok := s.overrides[normalizeHost(hostname)]
	return id, ok
}

func normalizeHost(h string) string {
	return strings.ToLower(strings.TrimSuffix(strings.TrimSpace(h), "."))
}

// RuleStatus is the display state of one rule.
type RuleStatus struct {
	Index        int      `json:"index"`
	Name         string   `json:"name"`
	Active       bool     `json:"active"`
	Valid        bool     `json:"valid"`
	Problems     []string `json:"problems,omitempty"`
	MissingProxy bool     `json:"missingProxy"`
}

// Report flags invalid rules and rules pointing at unknown proxies.
func (s *RuntimeSettings) Report() []RuleStatus {
	out := make([]RuleStatus, 0, len(s.Compiled))
	for i, r := range s.Compiled {
		st := RuleStatus{Index: i, Name: r.Name, Active: r.Active, Valid: r.Valid(), Problems: r.Problems()}
		if !r.IsDirect() {
			_, ok := s.ProxyByID(r.ProxyID)
			st.MissingProxy = !ok
		}
		out = append(out, st)
	}
	return out
}

// SortedOverrideHosts returns the normalized domain override hostnames in
// a stable order.
func (s *RuntimeSettings) SortedOverrideHosts() []string {
	hosts := make([]string, 0, len(s.overrides))
	for h := range s.overrides {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)
	return hosts
}
