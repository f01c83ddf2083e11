package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"proxyrouter/config"
	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/models"

	"github.com/spf13/cobra"
)

func TestMain(m *testing.M) {
	logger.SetOutput(io.Discard, "ERROR")
	os.Exit(m.Run())
}

const cliConfig = `server:
  port: "9100"
proxy:
  port: "9101"
logging:
  level: ERROR
`

const cliSettings = `proxyList:
  - id: p1
    type: http
    host: p1.local
    port: 3128
defaultProxy: p1
rules:
  - name: external
    active: true
    match: ["*://*.external.org/*"]
    proxyId: p1
`

type cliEnv struct {
	t   *testing.T
	dir string
	cfg string
	db  string
}

func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	cfg := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfg, []byte(cliConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(database.CloseDB)
	return &cliEnv{t: t, dir: dir, cfg: cfg, db: filepath.Join(dir, "data", "proxyrouter.db")}
}

func (e *cliEnv) path(name string) string {
	return filepath.Join(e.dir, name)
}

// run executes the root command with the environment's config, database
// and log paths prepended to args.
func (e *cliEnv) run(args ...string) string {
	e.t.Helper()
	pacOutputPath, pacTestProxy = "", ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{
		"--config", e.cfg,
		"--dbpath", e.db,
		"--app-log", e.path("app.log"),
		"--proxy-log", e.path("proxy.log"),
	}, args...))
	if err := rootCmd.Execute(); err != nil {
		e.t.Fatalf("%v: %v\n%s", args, err, out.String())
	}
	return out.String()
}

func (e *cliEnv) importSettings() {
	e.t.Helper()
	src := e.path("settings.yaml")
	if err := os.WriteFile(src, []byte(cliSettings), 0o644); err != nil {
		e.t.Fatal(err)
	}
	if out := e.run("settings", "import", src); !strings.Contains(out, "Imported 3 keys") {
		e.t.Fatalf("import output = %q", out)
	}
}

func TestSettingsImportThenExport(t *testing.T) {
	env := newCLIEnv(t)
	env.importSettings()

	dst := env.path("export.json")
	if out := env.run("settings", "export", dst); !strings.Contains(out, "Settings written to "+dst) {
		t.Errorf("export output = %q", out)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	var got models.Settings
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("exported file is not JSON: %v\n%s", err, data)
	}
	if got.DefaultProxy != "p1" || len(got.ProxyList) != 1 || got.ProxyList[0].Port != 3128 {
		t.Errorf("exported settings = %+v", got)
	}
	if len(got.Rules) != 1 || got.Rules[0].ProxyID != "p1" || !got.Rules[0].Active {
		t.Errorf("exported rules = %+v", got.Rules)
	}

	if out := env.run("settings", "export"); !strings.Contains(out, `"defaultProxy": "p1"`) {
		t.Errorf("stdout export = %q", out)
	}
	if out := env.run("settings", "mode"); strings.TrimSpace(out) != string(models.StorageModeLocal) {
		t.Errorf("storage mode = %q", out)
	}
}

func TestPACGenerateAndTestURL(t *testing.T) {
	env := newCLIEnv(t)
	env.importSettings()

	dst := env.path("proxy.pac")
	if out := env.run("pac", "generate", "-o", dst); !strings.Contains(out, "PAC script written to "+dst) {
		t.Errorf("generate output = %q", out)
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	script := string(data)
	for _, want := range []string{
		"function FindProxyForURL(url, host) {",
		`dnsDomainIs(host, ".external.org")`,
		`return "PROXY p1.local:3128";`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script lacks %s\n%s", want, script)
		}
	}

	out := env.run("pac", "test-url", "https://check.test/")
	if !strings.Contains(out, `if (url === "https://check.test/") return "PROXY p1.local:3128";`) {
		t.Errorf("test-url without --proxy did not use the default proxy:\n%s", out)
	}
}

func TestPortFlagOverridesConfig(t *testing.T) {
	env := newCLIEnv(t)
	env.run("settings", "mode")
	if config.AppConfig.Server.Port != "9100" || config.AppConfig.Proxy.Port != "9101" {
		t.Fatalf("config ports = %s/%s", config.AppConfig.Server.Port, config.AppConfig.Proxy.Port)
	}

	var serverPort string
	c := &cobra.Command{Use: "start"}
	c.Flags().StringVar(&serverPort, "server-port", "8778", "")

	if got := portFromFlag(c, "server-port", serverPort, config.AppConfig.Server.Port); got != "9100" {
		t.Errorf("unset flag: port = %s, want the configured 9100", got)
	}
	if err := c.Flags().Set("server-port", "9200"); err != nil {
		t.Fatal(err)
	}
	if got := portFromFlag(c, "server-port", serverPort, config.AppConfig.Server.Port); got != "9200" {
		t.Errorf("set flag: port = %s, want 9200", got)
	}
	if got := listenAddr("9200"); got != ":9200" {
		t.Errorf("listenAddr = %s", got)
	}
}
