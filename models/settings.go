package models

// DefaultTestProxyURL is probed when neither the keep-alive rule nor the
// settings name a test URL.
const DefaultTestProxyURL = "https://www.google.com/generate_204"

// Settings is the persisted configuration. Compiled rule state is never
// part of it; it is rebuilt on every load.
type Settings struct {
	ProxyList          []ProxyDescriptor        `json:"proxyList"`
	DefaultProxy       string                   `json:"defaultProxy,omitempty"`
	FallbackDirect     bool                     `json:"fallbackDirect"`
	Rules              []ProxyRule              `json:"rules"`
	KeepAliveRules     map[string]KeepAliveRule `json:"keepAliveRules"`
	TestProxyURL       string                   `json:"testProxyUrl"`
	PerWebsiteOverride map[string]string        `json:"perWebsiteOverride"`
}

func DefaultSettings() Settings {
	return Settings{
		ProxyList:          []ProxyDescriptor{},
		FallbackDirect:     true,
		Rules:              []ProxyRule{},
		KeepAliveRules:     map[string]KeepAliveRule{},
		TestProxyURL:       DefaultTestProxyURL,
		PerWebsiteOverride: map[string]string{},
	}
}

// ProxyByID returns the descriptor with the given id, if any.
func (s Settings) ProxyByID(id string) (ProxyDescriptor, bool) {
	if id == "" {
		return ProxyDescriptor{}, false
	}
	for _, p := range s.ProxyList {
		if p.ID == id {
			return p, true
		}
	}
	return ProxyDescriptor{}, false
}

// EffectiveTestURL picks the keep-alive rule's own test URL, then the
// global one, then the built-in default.
func (s Settings) EffectiveTestURL(rule KeepAliveRule) string {
	if rule.TestProxyURL != "" {
		return rule.TestProxyURL
	}
	if s.TestProxyURL != "" {
		return s.TestProxyURL
	}
	return DefaultTestProxyURL
}

// Tab is the host's view of an open browser tab.
type Tab struct {
	ID        int    `json:"id"`
	URL       string `json:"url"`
	Discarded bool   `json:"discarded,omitempty"`
	Active    bool   `json:"active,omitempty"`
}

// TabProxyMap maps tab id to proxy id.
type TabProxyMap map[int]string

type StorageMode string

const (
	StorageModeLocal StorageMode = "local"
	StorageModeCloud StorageMode = "cloud"
)

func (m StorageMode) Valid() bool {
	return m == StorageModeLocal || m == StorageModeCloud
}
