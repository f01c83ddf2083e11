package database

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"proxyrouter/logger"
	"proxyrouter/models"

	"github.com/tidwall/gjson"
)

var (
	defaultModeMu sync.RWMutex
	defaultMode   = models.StorageModeLocal
)

// SetDefaultStorageMode picks the namespace used before the user chose one.
func SetDefaultStorageMode(mode models.StorageMode) {
	if !mode.Valid() {
		return
	}
	defaultModeMu.Lock()
	defer defaultModeMu.Unlock()
	defaultMode = mode
}

func GetStorageMode(ctx context.Context) (models.StorageMode, error) {
	raw, ok, err := GetSetting(ctx, models.StorageModeLocal, models.StorageModeKey)
	if err != nil {
		return "", err
	}
	if !ok {
		defaultModeMu.RLock()
		defer defaultModeMu.RUnlock()
		return defaultMode, nil
	}
	if models.StorageMode(raw) == models.StorageModeCloud {
		return models.StorageModeCloud, nil
	}
	return models.StorageModeLocal, nil
}

// SetStorageMode switches the namespace settings are read from. The mode
// itself always lives in the local namespace.
func SetStorageMode(ctx context.Context, mode models.StorageMode) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid storage mode %q", mode)
	}
	if err := SetSetting(ctx, models.StorageModeLocal, models.StorageModeKey, string(mode)); err != nil {
		return err
	}
	logger.Info("Storage mode set to %s", mode)
	return nil
}

// GetConfig loads Settings from the active namespace. An empty namespace
// is seeded with the defaults.
func GetConfig(ctx context.Context) (models.Settings, error) {
	mode, err := GetStorageMode(ctx)
	if err != nil {
		return models.Settings{}, err
	}
	raw, err := GetSettings(ctx, mode, models.SettingsKeys)
	if err != nil {
		return models.Settings{}, err
	}

	if len(raw) == 0 {
		logger.Warn("No config found in %s storage. Saving and using default settings.", mode)
		defaults := models.DefaultSettings()
		if err := SaveConfig(ctx, defaults); err != nil {
			return models.Settings{}, err
		}
		return defaults, nil
	}

	settings := models.DefaultSettings()
	for _, key := range models.SettingsKeys {
		value, ok := raw[key]
		if !ok {
			continue
		}
		if err := decodeSettingsKey(&settings, key, []byte(value)); err != nil {
			return models.Settings{}, fmt.Errorf("decoding stored %s: %w", key, err)
		}
	}
	normalizeSettings(&settings)
	logger.Debug("Loaded %d proxies and %d rule(s) from %s storage", len(settings.ProxyList), len(settings.Rules), mode)
	return settings, nil
}

// SaveConfig writes every Settings key to the active namespace.
func SaveConfig(ctx context.Context, s models.Settings) error {
	mode, err := GetStorageMode(ctx)
	if err != nil {
		return err
	}
	normalizeSettings(&s)
	values, err := encodeSettings(s)
	if err != nil {
		return err
	}
	if err := SetSettings(ctx, mode, values); err != nil {
		return err
	}
	logger.Info("Saved config to %s storage.", mode)
	return nil
}

// UpdateConfig writes only the Settings keys present in the JSON object
// partial. Every present key is validated before anything is written.
func UpdateConfig(ctx context.Context, partial []byte) ([]string, error) {
	if !gjson.ValidBytes(partial) {
		return nil, fmt.Errorf("partial config is not valid JSON")
	}
	root := gjson.ParseBytes(partial)
	if !root.IsObject() {
		return nil, fmt.Errorf("partial config must be a JSON object")
	}

	values := make(map[string]string)
	var scratch models.Settings
	for _, key := range models.SettingsKeys {
		field := root.Get(gjson.Escape(key))
		if !field.Exists() {
			continue
		}
		if err := decodeSettingsKey(&scratch, key, []byte(field.Raw)); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", key, err)
		}
		encoded, err := encodeSettingsKey(scratch, key)
		if err != nil {
			return nil, err
		}
		values[key] = encoded
	}
	root.ForEach(func(k, _ gjson.Result) bool {
		if !models.IsSettingsKey(k.String()) {
			logger.Warn("UpdateConfig: ignoring unknown key %q", k.String())
		}
		return true
	})
	if len(values) == 0 {
		return nil, nil
	}

	mode, err := GetStorageMode(ctx)
	if err != nil {
		return nil, err
	}
	if err := SetSettings(ctx, mode, values); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(values))
	for _, k := range models.SettingsKeys {
		if _, ok := values[k]; ok {
			keys = append(keys, k)
		}
	}
	logger.Info("Updated partial config in %s storage: %v", mode, keys)
	return keys, nil
}

func normalizeSettings(s *models.Settings) {
	if s.ProxyList == nil {
		s.ProxyList = []models.ProxyDescriptor{}
	}
	if s.Rules == nil {
		s.Rules = []models.ProxyRule{}
	}
	if s.KeepAliveRules == nil {
		s.KeepAliveRules = map[string]models.KeepAliveRule{}
	}
	if s.PerWebsiteOverride == nil {
		s.PerWebsiteOverride = map[string]string{}
	}
}

func decodeSettingsKey(s *models.Settings, key string, data []byte) error {
	switch key {
	case models.ProxyListKey:
		return json.Unmarshal(data, &s.ProxyList)
	case models.DefaultProxyKey:
		return json.Unmarshal(data, &s.DefaultProxy)
	case models.FallbackDirectKey:
		return json.Unmarshal(data, &s.FallbackDirect)
	case models.RulesKey:
		return json.Unmarshal(data, &s.Rules)
	case models.KeepAliveRulesKey:
		return json.Unmarshal(data, &s.KeepAliveRules)
	case models.TestProxyURLKey:
		return json.Unmarshal(data, &s.TestProxyURL)
	case models.PerWebsiteOverrideKey:
		return json.Unmarshal(data, &s.PerWebsiteOverride)
	}
	return fmt.Errorf("unknown settings key %q", key)
}

func encodeSettingsKey(s models.Settings, key string) (string, error) {
	var v interface{}
	switch key {
	case models.ProxyListKey:
		v = s.ProxyList
	case models.DefaultProxyKey:
		v = s.DefaultProxy
	case models.FallbackDirectKey:
		v = s.FallbackDirect
	case models.RulesKey:
		v = s.Rules
	case models.KeepAliveRulesKey:
		v = s.KeepAliveRules
	case models.TestProxyURLKey:
		v = s.TestProxyURL
	case models.PerWebsiteOverrideKey:
		v = s.PerWebsiteOverride
	default:
		return "", fmt.Errorf("unknown settings key %q", key)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding %s: %w", key, err)
	}
	return string(b), nil
}

func encodeSettings(s models.Settings) (map[string]string, error) {
	out := make(map[string]string, len(models.SettingsKeys))
	for _, key := range models.SettingsKeys {
		v, err := encodeSettingsKey(s, key)
		if err != nil {
			return nil, err
		}
		out[key] = v
	}
	return out, nil
}

// GetTabProxyMap reads the per-tab overrides. Malformed data is removed
// and an empty map returned.
func GetTabProxyMap(ctx context.Context) (models.TabProxyMap, error) {
	raw, ok, err := GetSetting(ctx, models.StorageModeLocal, models.TabProxyMapKey)
	if err != nil {
		return models.TabProxyMap{}, err
	}
	if !ok {
		return models.TabProxyMap{}, nil
	}
	m, valid := parseTabProxyMap(raw)
	if !valid {
		logger.Warn("Invalid tabProxyMap data found and removed.")
		if err := DeleteSetting(ctx, models.StorageModeLocal, models.TabProxyMapKey); err != nil {
			return models.TabProxyMap{}, err
		}
		return models.TabProxyMap{}, nil
	}
	return m, nil
}

func parseTabProxyMap(raw string) (models.TabProxyMap, bool) {
	if !gjson.Valid(raw) {
		return nil, false
	}
	root := gjson.Parse(raw)
	if !root.IsObject() {
		return nil, false
	}
	m := make(models.TabProxyMap)
	valid := true
	root.ForEach(func(k, v gjson.Result) bool {
		id, err := strconv.Atoi(k.String())
		if err != nil || v.Type != gjson.String {
			valid = false
			return false
		}
		m[id] = v.String()
		return true
	})
	return m, valid
}

func SaveTabProxyMap(ctx context.Context, m models.TabProxyMap) error {
	if m == nil {
		m = models.TabProxyMap{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encoding tabProxyMap: %w", err)
	}
	return SetSetting(ctx, models.StorageModeLocal, models.TabProxyMapKey, string(b))
}

// Store exposes the package-level accessors as a value for callers that
// take their persistence as an interface.
type Store struct{}

func (Store) GetConfig(ctx context.Context) (models.Settings, error) { return GetConfig(ctx) }

func (Store) GetTabProxyMap(ctx context.Context) (models.TabProxyMap, error) {
	return GetTabProxyMap(ctx)
}

func (Store) SaveTabProxyMap(ctx context.Context, m models.TabProxyMap) error {
	return SaveTabProxyMap(ctx, m)
}
