package pac

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/rules"

	"github.com/andybalholm/brotli"
)

const ContentType = "application/x-ns-proxy-autoconfig"

// Installer holds the active PAC script. It writes every change to
// OutputPath, when set, and serves the script over HTTP.
type Installer struct {
	mu      sync.RWMutex
	path    string
	base    string
	tests   map[string]models.ProxyDescriptor
	current string
	updated time.Time
}

func NewInstaller(outputPath string) *Installer {
	return &Installer{path: outputPath, tests: make(map[string]models.ProxyDescriptor)}
}

// Install regenerates the script from settings and activates it. Pending
// test clauses are carried over.
func (i *Installer) Install(settings *rules.RuntimeSettings) error {
	script := Generate(settings)
	i.mu.Lock()
	defer i.mu.Unlock()
	i.base = script
	return i.activateLocked()
}

// Register adds a test clause for testURL until the returned func runs.
func (i *Installer) Register(testURL string, proxy models.ProxyDescriptor) func() {
	i.mu.Lock()
	i.tests[testURL] = proxy
	if err := i.activateLocked(); err != nil {
		logger.Error("PAC installer: adding test url %s: %v", testURL, err)
	}
	i.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			i.mu.Lock()
			defer i.mu.Unlock()
			delete(i.tests, testURL)
			if err := i.activateLocked(); err != nil {
				logger.Error("PAC installer: removing test url %s: %v", testURL, err)
			}
		})
	}
}

func (i *Installer) activateLocked() error {
	if i.base == "" {
		return nil
	}
	urls := make([]string, 0, len(i.tests))
	for u := range i.tests {
		urls = append(urls, u)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(urls)))

	script := i.base
	for _, u := range urls {
		script = AddTestURL(script, u, i.tests[u])
	}
	if script == i.current {
		return nil
	}
	i.current = script
	i.updated = time.Now()
	if i.path == "" {
		return nil
	}
	if err := writeFileAtomic(i.path, []byte(script+"\n")); err != nil {
		return fmt.Errorf("writing pac script: %w", err)
	}
	logger.Info("PAC installer: wrote %s (%d bytes)", i.path, len(script))
	return nil
}

// Script returns the active script and when it last changed.
func (i *Installer) Script() (string, time.Time) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.current, i.updated
}

func (i *Installer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	script, updated := i.Script()
	if script == "" {
		http.Error(w, "no pac script installed", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	w.Header().Add("Vary", "Accept-Encoding")

	if !acceptsBrotli(r.Header.Get("Accept-Encoding")) {
		fmt.Fprint(w, script)
		return
	}
	w.Header().Set("Content-Encoding", "br")
	bw := brotli.NewWriterLevel(w, brotli.DefaultCompression)
	if _, err := bw.Write([]byte(script)); err != nil {
		logger.Error("PAC installer: writing compressed script: %v", err)
	}
	if err := bw.Close(); err != nil {
		logger.Error("PAC installer: closing brotli writer: %v", err)
	}
}

func acceptsBrotli(header string) bool {
	for _, part := range strings.Split(header, ",") {
		name, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(name), "br") {
			continue
		}
		return strings.ReplaceAll(strings.TrimSpace(params), " ", "") != "q=0"
	}
	return false
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".proxy-*.pac")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
