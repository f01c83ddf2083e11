package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"proxyrouter/logger"
	"proxyrouter/models"
)

var ErrTabNotFound = errors.New("tab not found")

// TabRegistry tracks open tabs as reported by host events. It is the
// TabQuerier used when the daemon is driven over the API.
type TabRegistry struct {
	mu   sync.RWMutex
	tabs map[int]models.Tab
}

func NewTabRegistry() *TabRegistry {
	return &TabRegistry{tabs: make(map[int]models.Tab)}
}

// Upsert records the tab and returns its previous state.
func (r *TabRegistry) Upsert(tab models.Tab) (models.Tab, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.tabs[tab.ID]
	if ok && tab.URL == "" {
		tab.URL = prev.URL
	}
	tab.Active = prev.Active
	r.tabs[tab.ID] = tab
	return prev, ok
}

// Activate marks tabID as the active tab, creating an empty entry if the
// tab was never reported.
func (r *TabRegistry) Activate(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.tabs {
		if t.Active {
			t.Active = false
			r.tabs[id] = t
		}
	}
	t := r.tabs[tabID]
	t.ID = tabID
	t.Active = true
	r.tabs[tabID] = t
}

func (r *TabRegistry) Remove(tabID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tabs, tabID)
}

func (r *TabRegistry) Get(ctx context.Context, tabID int) (models.Tab, error) {
	if err := ctx.Err(); err != nil {
		return models.Tab{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tabs[tabID]
	if !ok {
		return models.Tab{}, fmt.Errorf("tab %d: %w", tabID, ErrTabNotFound)
	}
	return t, nil
}

func (r *TabRegistry) List(ctx context.Context) ([]models.Tab, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Tab, 0, len(r.tabs))
	for _, t := range r.tabs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// TabProxies holds the per-tab override map. Every user-initiated change
// is handed to persist; changes arriving from storage are not.
type TabProxies struct {
	mu      sync.RWMutex
	m       models.TabProxyMap
	persist func(models.TabProxyMap) error
}

func NewTabProxies(initial models.TabProxyMap, persist func(models.TabProxyMap) error) *TabProxies {
	t := &TabProxies{m: make(models.TabProxyMap), persist: persist}
	for k, v := range initial {
		t.m[k] = v
	}
	return t
}

func (t *TabProxies) ProxyFor(tabID int) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.m[tabID]
	return id, ok
}

func (t *TabProxies) Set(tabID int, proxyID string) error {
	t.mu.Lock()
	t.m[tabID] = proxyID
	snap := t.snapshotLocked()
	t.mu.Unlock()
	logger.Debug("TabProxies: tab %d -> %s", tabID, proxyID)
	return t.save(snap)
}

// Clear removes the tab's override. It reports whether one existed.
func (t *TabProxies) Clear(tabID int) (bool, error) {
	t.mu.Lock()
	_, ok := t.m[tabID]
	if !ok {
		t.mu.Unlock()
		return false, nil
	}
	delete(t.m, tabID)
	snap := t.snapshotLocked()
	t.mu.Unlock()
	logger.Debug("TabProxies: cleared override for tab %d", tabID)
	return true, t.save(snap)
}

// Replace swaps in a map read back from storage.
func (t *TabProxies) Replace(m models.TabProxyMap) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m = make(models.TabProxyMap, len(m))
	for k, v := range m {
		t.m[k] = v
	}
}

func (t *TabProxies) Snapshot() models.TabProxyMap {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

func (t *TabProxies) snapshotLocked() models.TabProxyMap {
	out := make(models.TabProxyMap, len(t.m))
	for k, v := range t.m {
		out[k] = v
	}
	return out
}

func (t *TabProxies) save(m models.TabProxyMap) error {
	if t.persist == nil {
		return nil
	}
	if err := t.persist(m); err != nil {
		return fmt.Errorf("saving tab proxy map: %w", err)
	}
	return nil
}
