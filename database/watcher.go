package database

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"proxyrouter/logger"

	"github.com/fsnotify/fsnotify"
	"sigs.k8s.io/yaml"
)

// ImportSettingsFile applies a YAML or JSON settings document as a
// partial update. Keys absent from the file keep their stored value.
func ImportSettingsFile(ctx context.Context, path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading settings file %s: %w", path, err)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, nil
	}
	doc, err := yaml.YAMLToJSON(data)
	if err != nil {
		return nil, fmt.Errorf("parsing settings file %s: %w", path, err)
	}
	return UpdateConfig(ctx, doc)
}

// ExportSettings renders the active settings. Paths ending in .yaml or
// .yml produce YAML, anything else indented JSON.
func ExportSettings(ctx context.Context, path string) ([]byte, error) {
	settings, err := GetConfig(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding settings: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		out, err := yaml.JSONToYAML(doc)
		if err != nil {
			return nil, fmt.Errorf("converting settings to YAML: %w", err)
		}
		return out, nil
	}
	return append(doc, '\n'), nil
}

// SettingsFileWatcher re-imports a settings file whenever it is written.
type SettingsFileWatcher struct {
	path     string
	onImport func(keys []string)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewSettingsFileWatcher(path string, onImport func(keys []string)) *SettingsFileWatcher {
	return &SettingsFileWatcher{path: path, onImport: onImport}
}

// Watch imports the file once and then on every write until ctx is done.
func (w *SettingsFileWatcher) Watch(ctx context.Context) error {
	if _, err := os.Stat(w.path); err != nil {
		return fmt.Errorf("settings file %s: %w", w.path, err)
	}
	w.reload(ctx)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	if err := watcher.Add(w.path); err != nil {
		w.close()
		return fmt.Errorf("failed to watch settings file: %w", err)
	}
	logger.Info("Watching settings file %s", w.path)

	go func() {
		defer w.close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write ||
					event.Op&fsnotify.Create == fsnotify.Create {
					time.Sleep(100 * time.Millisecond)
					w.reload(ctx)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("Settings file watcher error: %v", err)
			}
		}
	}()
	return nil
}

func (w *SettingsFileWatcher) reload(ctx context.Context) {
	keys, err := ImportSettingsFile(ctx, w.path)
	if err != nil {
		logger.Error("Settings file reload error: %v", err)
		return
	}
	if len(keys) > 0 && w.onImport != nil {
		w.onImport(keys)
	}
}

// Stop closes the underlying watcher.
func (w *SettingsFileWatcher) Stop() {
	w.close()
}

func (w *SettingsFileWatcher) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher != nil {
		w.watcher.Close()
		w.watcher = nil
	}
}
