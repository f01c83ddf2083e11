package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proxyrouter/api/router/handlers"
	"proxyrouter/core"
	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/pac"
	"proxyrouter/stats"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard, "ERROR")
	os.Exit(m.Run())
}

type apiFixture struct {
	t       *testing.T
	engine  *core.Engine
	handler http.Handler
}

func newAPIFixture(t *testing.T, installer *pac.Installer) *apiFixture {
	t.Helper()
	if err := database.InitDB(filepath.Join(t.TempDir(), "proxyrouter.db")); err != nil {
		t.Fatalf("InitDB: %v", err)
	}
	database.SetDefaultStorageMode(models.StorageModeLocal)
	t.Cleanup(database.CloseDB)

	runner := func(_ context.Context, p models.ProxyDescriptor, _ string) error {
		if p.Host == "bad.test" {
			return errors.New("connection refused")
		}
		return nil
	}
	metrics := stats.NewMetrics()
	opts := core.EngineOptions{
		Store:   database.Store{},
		Tests:   core.NewTestQueue(runner, time.Second, nil),
		Metrics: metrics,
	}
	if installer != nil {
		opts.PAC = installer
	}
	engine := core.NewEngine(opts)
	if err := engine.Reload(context.Background()); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	return &apiFixture{
		t:       t,
		engine:  engine,
		handler: NewRouter(handlers.Services{Engine: engine, PAC: installer, Metrics: metrics}),
	}
}

func (f *apiFixture) do(method, path, body string) *httptest.ResponseRecorder {
	f.t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) reload() {
	f.t.Helper()
	if err := f.engine.Reload(context.Background()); err != nil {
		f.t.Fatalf("Reload: %v", err)
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", rec.Body.String(), err)
	}
}

const twoProxySettings = `{
	"proxyList": [
		{"id": "p1", "type": "http", "host": "10.0.0.1", "port": 3128},
		{"id": "s1", "type": "socks", "host": "10.0.0.2", "port": 1080}
	],
	"defaultProxy": "p1",
	"fallbackDirect": true,
	"rules": [
		{"name": "socks for internal", "match": ["*.internal.test"], "proxyId": "s1"}
	]
}`

func TestHealthAndVersion(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d", rec.Code)
	}
	rec = f.do(http.MethodGet, "/api/version", "")
	var v map[string]string
	decode(t, rec, &v)
	if v["version"] == "" {
		t.Error("version missing")
	}

	if rec := f.do(http.MethodGet, "/api/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown route status = %d", rec.Code)
	}
}

func TestConfigReplaceAndRead(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPut, "/api/config", twoProxySettings)
	if rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(http.MethodGet, "/api/config", "")
	var got models.Settings
	decode(t, rec, &got)
	if got.DefaultProxy != "p1" || len(got.ProxyList) != 2 || len(got.Rules) != 1 {
		t.Errorf("settings = %+v", got)
	}
	if !got.Rules[0].Active {
		t.Error("rule without active flag should be active")
	}
}

func TestConfigRejectsInvalidProxies(t *testing.T) {
	f := newAPIFixture(t, nil)

	body := `{"proxyList": [{"id": "a", "type": "ftp", "host": "x", "port": 1}, {"id": "a", "type": "http", "host": "y", "port": 2}]}`
	rec := f.do(http.MethodPut, "/api/config", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var e models.ErrorResponse
	decode(t, rec, &e)
	if !strings.Contains(e.Message, "unsupported proxy type") || !strings.Contains(e.Message, "duplicate id") {
		t.Errorf("message = %q", e.Message)
	}
}

func TestConfigPatch(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPatch, "/api/config", `{"testProxyUrl": "https://probe.test/", "fallbackDirect": false}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("PATCH status = %d: %s", rec.Code, rec.Body.String())
	}
	var res map[string][]string
	decode(t, rec, &res)
	if strings.Join(res["updated"], ",") != "fallbackDirect,testProxyUrl" {
		t.Errorf("updated = %v", res["updated"])
	}

	settings, err := database.GetConfig(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if settings.TestProxyURL != "https://probe.test/" || settings.FallbackDirect {
		t.Errorf("settings = %+v", settings)
	}

	if rec := f.do(http.MethodPatch, "/api/config", `{"rules": "nope"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid patch status = %d", rec.Code)
	}
}

func TestStorageModeRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodGet, "/api/storage-mode", "")
	var m map[string]string
	decode(t, rec, &m)
	if m["mode"] != "local" {
		t.Errorf("mode = %q", m["mode"])
	}

	if rec := f.do(http.MethodPut, "/api/storage-mode", `{"mode": "cloud"}`); rec.Code != http.StatusOK {
		t.Fatalf("PUT status = %d", rec.Code)
	}
	mode, err := database.GetStorageMode(context.Background())
	if err != nil || mode != models.StorageModeCloud {
		t.Errorf("mode = %q, %v", mode, err)
	}

	if rec := f.do(http.MethodPut, "/api/storage-mode", `{"mode": "usb"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid mode status = %d", rec.Code)
	}
}

func TestCreateProxy(t *testing.T) {
	f := newAPIFixture(t, nil)

	rec := f.do(http.MethodPost, "/api/proxies", `{"type": "http", "host": "10.1.1.1", "port": 8080}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var created models.ProxyDescriptor
	decode(t, rec, &created)
	if created.ID == "" {
		t.Fatal("expected a generated id")
	}

	dup, _ := json.Marshal(created)
	if rec := f.do(http.MethodPost, "/api/proxies", string(dup)); rec.Code != http.StatusConflict {
		t.Errorf("duplicate status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/proxies", `{"id": "x", "type": "http", "host": "", "port": 0}`); rec.Code != http.StatusBadRequest {
		t.Errorf("invalid status = %d", rec.Code)
	}

	f.reload()
	rec = f.do(http.MethodGet, "/api/proxies", "")
	var list []models.ProxyDescriptor
	decode(t, rec, &list)
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}
}

func TestResolveRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(http.MethodPut, "/api/config", twoProxySettings)
	f.reload()

	cases := []struct {
		body      string
		wantLayer core.Layer
		wantPAC   string
	}{
		{`{"url": "https://app.internal.test/x"}`, core.LayerRule, "SOCKS 10.0.0.2:1080"},
		{`{"url": "https://example.com/"}`, core.LayerDefault, "PROXY 10.0.0.1:3128; DIRECT"},
	}
	for _, tc := range cases {
		rec := f.do(http.MethodPost, "/api/resolve", tc.body)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d: %s", tc.body, rec.Code, rec.Body.String())
		}
		var res struct {
			Decision core.Decision `json:"decision"`
			PAC      string        `json:"pac"`
		}
		decode(t, rec, &res)
		if res.Decision.Layer != tc.wantLayer || res.PAC != tc.wantPAC {
			t.Errorf("%s: layer=%s pac=%q", tc.body, res.Decision.Layer, res.PAC)
		}
	}

	if rec := f.do(http.MethodPost, "/api/resolve", `{"url": "not a url"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("relative url status = %d", rec.Code)
	}
}

func TestEventsDriveTabRouting(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(http.MethodPut, "/api/config", twoProxySettings)
	f.reload()

	if rec := f.do(http.MethodPost, "/api/events", `{"type": "setTabProxy", "tabId": 9, "proxyId": "s1"}`); rec.Code != http.StatusNoContent {
		t.Fatalf("setTabProxy status = %d: %s", rec.Code, rec.Body.String())
	}
	rec := f.do(http.MethodPost, "/api/resolve", `{"url": "https://example.com/", "tabId": 9}`)
	var res handlers.ResolveResponse
	decode(t, rec, &res)
	if res.Decision == nil || res.Decision.Layer != core.LayerTab || res.PAC != "SOCKS 10.0.0.2:1080; DIRECT" {
		t.Errorf("tab resolve = %+v", res)
	}

	saved, err := database.GetTabProxyMap(context.Background())
	if err != nil || saved[9] != "s1" {
		t.Errorf("persisted map = %v, %v", saved, err)
	}

	rec = f.do(http.MethodPost, "/api/events", `{"type": "monitorTabNetwork", "tabId": 9}`)
	var mon core.MonitoredResponse
	decode(t, rec, &mon)
	if !mon.Monitored || mon.TabID != 9 {
		t.Errorf("monitor reply = %+v", mon)
	}

	if rec := f.do(http.MethodPost, "/api/events", `{"type": "teleport", "tabId": 1}`); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown event status = %d", rec.Code)
	}
	if rec := f.do(http.MethodPost, "/api/events", `{"type": "setTabProxy", "tabId": -1, "proxyId": "s1"}`); rec.Code != http.StatusBadRequest {
		t.Errorf("negative tab status = %d", rec.Code)
	}
}

func TestProxyTestRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	body := `{"proxyList": [
		{"id": "good", "type": "http", "host": "good.test", "port": 80},
		{"id": "bad", "type": "http", "host": "bad.test", "port": 80}
	]}`
	f.do(http.MethodPut, "/api/config", body)
	f.reload()

	rec := f.do(http.MethodPost, "/api/proxies/good/test", "")
	var res models.ProxyTestResult
	decode(t, rec, &res)
	if !res.Success {
		t.Errorf("good proxy result = %+v", res)
	}

	rec = f.do(http.MethodPost, "/api/proxies/bad/test", `{"url": "https://probe.test/"}`)
	res = models.ProxyTestResult{}
	decode(t, rec, &res)
	if res.Success || res.Error == "" {
		t.Errorf("bad proxy result = %+v", res)
	}

	if rec := f.do(http.MethodPost, "/api/proxies/missing/test", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing proxy status = %d", rec.Code)
	}
}

func TestRulesCompileRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(http.MethodPut, "/api/config", twoProxySettings)
	f.reload()

	body := `[
		{"name": "ok", "match": ["*.a.test"], "proxyId": "p1"},
		{"name": "ghost", "match": ["*.b.test"], "proxyId": "gone"},
		{"name": "broken", "match": ["*.c.test"], "proxyId": "p1", "staticExtensions": "("}
	]`
	rec := f.do(http.MethodPost, "/api/rules/compile", body)
	var report []struct {
		Name         string `json:"name"`
		Valid        bool   `json:"valid"`
		MissingProxy bool   `json:"missingProxy"`
	}
	decode(t, rec, &report)
	if len(report) != 3 {
		t.Fatalf("report = %+v", report)
	}
	if !report[0].Valid || report[0].MissingProxy {
		t.Errorf("ok rule = %+v", report[0])
	}
	if !report[1].MissingProxy {
		t.Errorf("ghost rule = %+v", report[1])
	}
	if report[2].Valid {
		t.Errorf("broken rule = %+v", report[2])
	}
}

func TestPACRoutes(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(http.MethodPut, "/api/config", twoProxySettings)
	f.reload()

	rec := f.do(http.MethodGet, "/proxy.pac", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "FindProxyForURL") {
		t.Fatalf("generated pac = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Content-Type") != pac.ContentType {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}
}

func TestPACRouteServesInstalledScript(t *testing.T) {
	installer := pac.NewInstaller("")
	f := newAPIFixture(t, installer)

	rec := f.do(http.MethodGet, "/proxy.pac", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "FindProxyForURL") {
		t.Fatalf("installed pac = %d %q", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Last-Modified") == "" {
		t.Error("installed script should carry Last-Modified")
	}
}

func TestNotificationsRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	ctx := context.Background()
	for i, title := range []string{"first", "second"} {
		n := models.Notification{ID: title, Title: title, Message: "m", CreatedAt: time.Now().Add(time.Duration(i) * time.Second)}
		if err := database.SaveNotification(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(http.MethodGet, "/api/notifications?limit=1", "")
	var list []models.Notification
	decode(t, rec, &list)
	if len(list) != 1 || list[0].Title != "second" {
		t.Errorf("list = %+v", list)
	}
	if rec := f.do(http.MethodGet, "/api/notifications?limit=abc", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	f := newAPIFixture(t, nil)
	f.do(http.MethodPost, "/api/resolve", `{"url": "https://example.com/"}`)

	rec := f.do(http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("proxyrouter_")) {
		t.Errorf("metrics body missing namespace: %q", rec.Body.String())
	}
}
