package models

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// DirectProxyID is the rule target meaning "connect without a proxy".
const DirectProxyID = "direct"

// ProxyRule is a user-authored routing rule. Rules are evaluated in list
// order and the first rule whose Match succeeds decides the request.
type ProxyRule struct {
	Active                bool     `json:"active"`
	Name                  string   `json:"name"`
	Match                 []string `json:"match"`
	ProxyID               string   `json:"proxyId"`
	BypassURLPatterns     []string `json:"bypassUrlPatterns,omitempty"`
	BypassResourceTypes   []string `json:"bypassResourceTypes,omitempty"`
	ForceProxyURLPatterns []string `json:"forceProxyUrlPatterns,omitempty"`
	StaticExtensions      string   `json:"staticExtensions,omitempty"`
	FallbackDirect        bool     `json:"fallbackDirect,omitempty"`
}

func (r ProxyRule) IsDirect() bool {
	return r.ProxyID == DirectProxyID
}

// UnmarshalJSON accepts a single string for "match" and the older
// "bypassRequestTypes" key. A rule without "active" is active.
func (r *ProxyRule) UnmarshalJSON(data []byte) error {
	type plain ProxyRule
	aux := struct {
		*plain
		Active             *bool           `json:"active"`
		Match              json.RawMessage `json:"match"`
		BypassRequestTypes []string        `json:"bypassRequestTypes"`
	}{plain: (*plain)(r)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	r.Active = aux.Active == nil || *aux.Active

	match := gjson.ParseBytes(aux.Match)
	switch {
	case len(aux.Match) == 0 || match.Type == gjson.Null:
		r.Match = nil
	case match.Type == gjson.String:
		r.Match = []string{match.String()}
	case match.IsArray():
		r.Match = make([]string, 0, len(match.Array()))
		for _, item := range match.Array() {
			if item.Type != gjson.String {
				return fmt.Errorf("rule %q: match entries must be strings", r.Name)
			}
			r.Match = append(r.Match, item.String())
		}
	default:
		return fmt.Errorf("rule %q: match must be a string or a list of strings", r.Name)
	}

	if len(r.BypassResourceTypes) == 0 && len(aux.BypassRequestTypes) > 0 {
		r.BypassResourceTypes = aux.BypassRequestTypes
	}
	return nil
}

// KeepAliveRule keeps a proxy warm while any open tab's hostname matches
// one of TabURLs. Rules are keyed by proxy ID in Settings.KeepAliveRules.
type KeepAliveRule struct {
	Active       bool     `json:"active"`
	TabURLs      []string `json:"tabUrls"`
	TestProxyURL string   `json:"testProxyUrl,omitempty"`
}
