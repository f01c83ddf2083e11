package models

// Storage keys for the settings namespaces.
const (
	ProxyListKey          = "proxyList"
	DefaultProxyKey       = "defaultProxy"
	FallbackDirectKey     = "fallbackDirect"
	RulesKey              = "rules"
	KeepAliveRulesKey     = "keepAliveRules"
	TestProxyURLKey       = "testProxyUrl"
	PerWebsiteOverrideKey = "perWebsiteOverride"
)

// StorageModeKey always lives in the local namespace.
const StorageModeKey = "storageMode"

// TabProxyMapKey holds the per-tab overrides in the local namespace.
const TabProxyMapKey = "tabProxyMap"

// SettingsKeys lists every key that makes up Settings, in a stable order.
var SettingsKeys = []string{
	ProxyListKey,
	DefaultProxyKey,
	FallbackDirectKey,
	RulesKey,
	KeepAliveRulesKey,
	TestProxyURLKey,
	PerWebsiteOverrideKey,
}

func IsSettingsKey(key string) bool {
	for _, k := range SettingsKeys {
		if k == key {
			return true
		}
	}
	return false
}
