package database

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proxyrouter/logger"
	"proxyrouter/models"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard, "ERROR")
	os.Exit(m.Run())
}

func setupDB(t *testing.T) context.Context {
	t.Helper()
	if err := InitDB(filepath.Join(t.TempDir(), "data", "proxyrouter.db")); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	SetDefaultStorageMode(models.StorageModeLocal)
	t.Cleanup(CloseDB)
	return context.Background()
}

func TestGetConfigSeedsDefaults(t *testing.T) {
	ctx := setupDB(t)

	s, err := GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if !s.FallbackDirect || s.TestProxyURL != models.DefaultTestProxyURL {
		t.Errorf("defaults not applied: %+v", s)
	}
	raw, err := GetSettings(ctx, models.StorageModeLocal, models.SettingsKeys)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != len(models.SettingsKeys) {
		t.Errorf("seeded %d keys, want %d", len(raw), len(models.SettingsKeys))
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	ctx := setupDB(t)

	want := models.DefaultSettings()
	want.ProxyList = []models.ProxyDescriptor{{ID: "p1", Type: models.ProxyTypeHTTP, Host: "10.0.0.1", Port: 3128}}
	want.DefaultProxy = "p1"
	want.PerWebsiteOverride = map[string]string{"example.com": "p1"}
	if err := SaveConfig(ctx, want); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := GetConfig(ctx)
	if err != nil {
		t.Fatalf("GetConfig: %v", err)
	}
	if got.DefaultProxy != "p1" || len(got.ProxyList) != 1 || got.ProxyList[0].Port != 3128 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.PerWebsiteOverride["example.com"] != "p1" {
		t.Errorf("override lost: %v", got.PerWebsiteOverride)
	}
	if got.KeepAliveRules == nil {
		t.Error("KeepAliveRules should never be nil")
	}
}

func TestStorageModeSelectsNamespace(t *testing.T) {
	ctx := setupDB(t)

	local := models.DefaultSettings()
	local.DefaultProxy = "local-proxy"
	if err := SaveConfig(ctx, local); err != nil {
		t.Fatal(err)
	}
	if err := SetStorageMode(ctx, models.StorageModeCloud); err != nil {
		t.Fatal(err)
	}
	got, err := GetConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultProxy != "" {
		t.Errorf("cloud namespace should start from defaults, got default proxy %q", got.DefaultProxy)
	}
	if err := SetStorageMode(ctx, "bogus"); err == nil {
		t.Error("expected error for invalid storage mode")
	}

	if err := SetStorageMode(ctx, models.StorageModeLocal); err != nil {
		t.Fatal(err)
	}
	got, err = GetConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.DefaultProxy != "local-proxy" {
		t.Errorf("local namespace lost its value: %q", got.DefaultProxy)
	}
}

func TestUpdateConfigWritesOnlyPresentKeys(t *testing.T) {
	ctx := setupDB(t)
	if _, err := GetConfig(ctx); err != nil {
		t.Fatal(err)
	}

	changes, cancel := Subscribe()
	defer cancel()

	keys, err := UpdateConfig(ctx, []byte(`{"defaultProxy":"p2","fallbackDirect":false,"unknown":1}`))
	if err != nil {
		t.Fatalf("UpdateConfig: %v", err)
	}
	if strings.Join(keys, ",") != "defaultProxy,fallbackDirect" {
		t.Errorf("keys = %v", keys)
	}

	select {
	case c := <-changes:
		if c.Area != models.StorageModeLocal || !c.HasSettingsKey() || !c.Has(models.DefaultProxyKey) {
			t.Errorf("unexpected change %+v", c)
		}
	case <-time.After(time.Second):
		t.Fatal("no change published")
	}

	s, err := GetConfig(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.DefaultProxy != "p2" || s.FallbackDirect {
		t.Errorf("partial update not applied: %+v", s)
	}
	if s.TestProxyURL != models.DefaultTestProxyURL {
		t.Errorf("untouched key changed: %q", s.TestProxyURL)
	}
}

func TestUpdateConfigRejectsInvalid(t *testing.T) {
	ctx := setupDB(t)

	for _, body := range []string{`not json`, `[1,2]`, `{"rules":"nope"}`, `{"fallbackDirect":"yes","defaultProxy":"x"}`} {
		if _, err := UpdateConfig(ctx, []byte(body)); err == nil {
			t.Errorf("UpdateConfig(%s) succeeded, want error", body)
		}
	}
	if _, ok, _ := GetSetting(ctx, models.StorageModeLocal, models.DefaultProxyKey); ok {
		t.Error("invalid update must not write any key")
	}
}

func TestTabProxyMap(t *testing.T) {
	ctx := setupDB(t)

	m, err := GetTabProxyMap(ctx)
	if err != nil || len(m) != 0 {
		t.Fatalf("empty map expected, got %v, %v", m, err)
	}
	if err := SaveTabProxyMap(ctx, models.TabProxyMap{7: "p1", 12: "p2"}); err != nil {
		t.Fatal(err)
	}
	m, err = GetTabProxyMap(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if m[7] != "p1" || m[12] != "p2" || len(m) != 2 {
		t.Errorf("map = %v", m)
	}

	if err := SetSetting(ctx, models.StorageModeLocal, models.TabProxyMapKey, `{"abc":"p1"}`); err != nil {
		t.Fatal(err)
	}
	m, err = GetTabProxyMap(ctx)
	if err != nil || len(m) != 0 {
		t.Fatalf("invalid data should yield empty map, got %v, %v", m, err)
	}
	if _, ok, _ := GetSetting(ctx, models.StorageModeLocal, models.TabProxyMapKey); ok {
		t.Error("invalid tabProxyMap should have been deleted")
	}
}

func TestNotifications(t *testing.T) {
	ctx := setupDB(t)

	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	Notifier{}.Notify(models.Notification{ID: "a", Title: "t", Message: "first", ProxyID: "p1", CreatedAt: base})
	if err := SaveNotification(ctx, models.Notification{ID: "b", Title: "t", Message: "second", CreatedAt: base.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}

	all, err := ListNotifications(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].ID != "b" || all[1].ID != "a" {
		t.Fatalf("notifications = %+v", all)
	}
	if all[1].ProxyID != "p1" || all[0].ProxyID != "" {
		t.Errorf("proxy ids = %q, %q", all[1].ProxyID, all[0].ProxyID)
	}
	one, err := ListNotifications(ctx, 1)
	if err != nil || len(one) != 1 {
		t.Errorf("limit not applied: %v, %v", one, err)
	}
}

func TestImportExportSettingsFile(t *testing.T) {
	ctx := setupDB(t)
	dir := t.TempDir()

	in := filepath.Join(dir, "settings.yaml")
	body := "defaultProxy: p1\nproxyList:\n  - id: p1\n    type: http\n    host: 10.0.0.1\n    port: 8080\n"
	if err := os.WriteFile(in, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	keys, err := ImportSettingsFile(ctx, in)
	if err != nil {
		t.Fatalf("ImportSettingsFile: %v", err)
	}
	if strings.Join(keys, ",") != "proxyList,defaultProxy" {
		t.Errorf("keys = %v", keys)
	}

	out, err := ExportSettings(ctx, filepath.Join(dir, "out.yml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(out), "defaultProxy: p1") || !strings.Contains(string(out), "host: 10.0.0.1") {
		t.Errorf("yaml export:\n%s", out)
	}
	js, err := ExportSettings(ctx, filepath.Join(dir, "out.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(js), `"defaultProxy": "p1"`) {
		t.Errorf("json export:\n%s", js)
	}
}

func TestSettingsFileWatcherReimports(t *testing.T) {
	ctx := setupDB(t)
	path := filepath.Join(t.TempDir(), "settings.json")
	if err := os.WriteFile(path, []byte(`{"defaultProxy":"first"}`), 0o644); err != nil {
		t.Fatal(err)
	}

	imported := make(chan []string, 4)
	w := NewSettingsFileWatcher(path, func(keys []string) { imported <- keys })
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := w.Watch(wctx); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Stop()

	select {
	case <-imported:
	case <-time.After(time.Second):
		t.Fatal("initial import not reported")
	}

	if err := os.WriteFile(path, []byte(`{"defaultProxy":"second"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	select {
	case <-imported:
	case <-time.After(3 * time.Second):
		t.Fatal("write not re-imported")
	}
	v, _, err := GetSetting(ctx, models.StorageModeLocal, models.DefaultProxyKey)
	if err != nil || v != `"second"` {
		t.Errorf("defaultProxy = %s, %v", v, err)
	}
}

func TestSlowSubscriberKeepsEveryKey(t *testing.T) {
	ch, cancel := Subscribe()
	defer cancel()

	const writes = subscriberBuffer + 8
	for i := 0; i < writes; i++ {
		publish(Change{Area: models.StorageModeLocal, Keys: []string{fmt.Sprintf("key%d", i)}})
	}
	publish(Change{Area: models.StorageModeCloud, Keys: []string{models.DefaultProxyKey}})

	seen := map[models.StorageMode]map[string]bool{}
	for len(ch) > 0 {
		c := <-ch
		if seen[c.Area] == nil {
			seen[c.Area] = map[string]bool{}
		}
		for _, k := range c.Keys {
			seen[c.Area][k] = true
		}
	}
	for i := 0; i < writes; i++ {
		if k := fmt.Sprintf("key%d", i); !seen[models.StorageModeLocal][k] {
			t.Errorf("local change %s was lost", k)
		}
	}
	if !seen[models.StorageModeCloud][models.DefaultProxyKey] {
		t.Error("cloud change was lost")
	}
}
