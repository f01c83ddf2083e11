package core

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"proxyrouter/database"
	"proxyrouter/logger"
	"proxyrouter/models"
	"proxyrouter/rules"
	"proxyrouter/stats"
)

// Store is the persisted state the engine reloads from.
type Store interface {
	GetConfig(ctx context.Context) (models.Settings, error)
	GetTabProxyMap(ctx context.Context) (models.TabProxyMap, error)
	SaveTabProxyMap(ctx context.Context, m models.TabProxyMap) error
}

// PACInstaller publishes a generated PAC script in PAC mode.
type PACInstaller interface {
	Install(settings *rules.RuntimeSettings) error
}

type EngineOptions struct {
	Store     Store
	KeepAlive *KeepAlive
	Tests     *TestQueue
	PAC       PACInstaller // nil in dynamic mode
	Stats     *stats.NetworkStats
	Monitored *stats.MonitoredTabs
	Metrics   *stats.Metrics
}

// Engine holds the current settings snapshot and dispatches host events.
type Engine struct {
	settings atomic.Pointer[rules.RuntimeSettings]
	reloadMu sync.Mutex

	store      Store
	registry   *TabRegistry
	tabProxies *TabProxies
	keepAlive  *KeepAlive
	tests      *TestQueue
	pac        PACInstaller
	netStats   *stats.NetworkStats
	monitored  *stats.MonitoredTabs
	metrics    *stats.Metrics
}

func NewEngine(opts EngineOptions) *Engine {
	e := &Engine{
		store:     opts.Store,
		registry:  NewTabRegistry(),
		keepAlive: opts.KeepAlive,
		tests:     opts.Tests,
		pac:       opts.PAC,
		netStats:  opts.Stats,
		monitored: opts.Monitored,
		metrics:   opts.Metrics,
	}
	if e.netStats == nil {
		e.netStats = stats.NewNetworkStats(opts.Metrics)
	}
	if e.monitored == nil {
		e.monitored = stats.NewMonitoredTabs()
	}
	if e.tests == nil {
		e.tests = NewTestQueue(nil, 0, nil)
	}
	e.tabProxies = NewTabProxies(nil, func(m models.TabProxyMap) error {
		if e.store == nil {
			return nil
		}
		return e.store.SaveTabProxyMap(context.Background(), m)
	})
	e.settings.Store(rules.CompileSettings(models.DefaultSettings()))
	return e
}

// Settings returns the current snapshot. It is never nil.
func (e *Engine) Settings() *rules.RuntimeSettings {
	return e.settings.Load()
}

func (e *Engine) Tabs() *TabRegistry { return e.registry }

func (e *Engine) TabProxies() *TabProxies { return e.tabProxies }

func (e *Engine) NetworkStats() *stats.NetworkStats { return e.netStats }

func (e *Engine) Monitored() *stats.MonitoredTabs { return e.monitored }

func (e *Engine) Tests() *TestQueue { return e.tests }

// Reload reads settings and the tab map, compiles the rules and swaps in
// the new snapshot. Keep-alive and PAC follow the new snapshot.
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	if e.store == nil {
		return fmt.Errorf("engine has no store")
	}
	s, err := e.store.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("loading settings: %w", err)
	}
	rs := rules.CompileSettings(s)
	for _, st := range rs.Report() {
		if !st.Valid {
			logger.Warn("Rule %q is invalid and will be skipped: %v", st.Name, st.Problems)
		} else if st.MissingProxy {
			logger.Warn("Rule %q points at unknown proxy %q", st.Name, rs.Compiled[st.Index].ProxyID)
		}
	}
	e.settings.Store(rs)
	e.metrics.ObserveReload()
	logger.Info("Settings reloaded: %d proxies, %d rules, %d domain overrides", len(s.ProxyList), len(rs.Compiled), len(s.PerWebsiteOverride))

	if err := e.reloadTabMap(ctx); err != nil {
		logger.Error("Failed to load tab proxy map: %v", err)
	}
	// The script must be in place before keep-alive registers its first
	// test clauses against it.
	var pacErr error
	if e.pac != nil {
		if err := e.pac.Install(rs); err != nil {
			pacErr = fmt.Errorf("installing PAC script: %w", err)
		}
	}
	if e.keepAlive != nil {
		if err := e.keepAlive.Reload(ctx, s, e.registry); err != nil {
			logger.Error("Keep-alive reload failed: %v", err)
		}
	}
	return pacErr
}

func (e *Engine) reloadTabMap(ctx context.Context) error {
	m, err := e.store.GetTabProxyMap(ctx)
	if err != nil {
		return err
	}
	e.tabProxies.Replace(m)
	return nil
}

// Watch applies store changes until ctx is done or changes is closed.
func (e *Engine) Watch(ctx context.Context, changes <-chan database.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			switch {
			case c.HasSettingsKey() || c.Has(models.StorageModeKey):
				logger.Debug("Engine: %s storage changed %v, reloading", c.Area, c.Keys)
				if err := e.Reload(ctx); err != nil {
					logger.Error("Reload after storage change failed: %v", err)
				}
			case c.Has(models.TabProxyMapKey):
				if err := e.reloadTabMap(ctx); err != nil {
					logger.Error("Failed to reload tab proxy map: %v", err)
				}
			}
		}
	}
}

// Resolve runs the hierarchy against the current snapshot.
func (e *Engine) Resolve(ctx context.Context, req RequestInfo) *Decision {
	d := NewDefaultHierarchy(e.settings.Load(), e.tabProxies, e.registry).Resolve(ctx, req)
	e.metrics.ObserveResolution(string(d.Layer))
	return d
}

// TestProxy runs a queued connectivity test against testURL, or the
// configured test URL when empty.
func (e *Engine) TestProxy(ctx context.Context, proxy models.ProxyDescriptor, testURL string) (models.ProxyTestResult, error) {
	if testURL == "" {
		testURL = e.settings.Load().EffectiveTestURL(models.KeepAliveRule{})
	}
	res, err := e.tests.TestProxyConfigQueued(ctx, proxy, testURL)
	if err != nil {
		return res, err
	}
	e.metrics.ObserveProxyTest(res.Success)
	return res, nil
}

// KeepAliveStatus reports every keep-alive state, or nil when disabled.
func (e *Engine) KeepAliveStatus() []KeepAliveStatus {
	if e.keepAlive == nil {
		return nil
	}
	return e.keepAlive.Status()
}

// RecordTraffic adds bytes for a request made by a monitored tab.
func (e *Engine) RecordTraffic(tabID int, rawURL string, sent, received int64) {
	if tabID == NoTab || !e.monitored.IsMonitored(tabID) {
		return
	}
	e.netStats.Add(rawURL, sent, received)
}

// MonitoredResponse answers isTabNetworkMonitored and the monitor toggles.
type MonitoredResponse struct {
	TabID     int  `json:"tabId"`
	Monitored bool `json:"monitored"`
}

// HandleMessage applies one host event or UI command. The returned value
// is nil for events that produce no reply.
func (e *Engine) HandleMessage(ctx context.Context, msg models.Message) (interface{}, error) {
	logger.Debug("Engine: handling %s", msg.Kind())
	switch m := msg.(type) {
	case models.SetTabProxy:
		return nil, e.tabProxies.Set(m.TabID, m.ProxyID)
	case models.ClearTabProxy:
		_, err := e.tabProxies.Clear(m.TabID)
		return nil, err
	case models.TabUpdated:
		e.registry.Upsert(models.Tab{ID: m.TabID, URL: m.URL, Discarded: m.Discarded})
		if e.keepAlive != nil {
			e.keepAlive.OnTabUpdated(m.TabID, m.URL, m.Discarded)
		}
		return nil, nil
	case models.TabActivated:
		e.registry.Activate(m.TabID)
		if e.keepAlive != nil {
			if err := e.keepAlive.OnTabActivated(ctx, e.registry, m.TabID); err != nil {
				logger.Debug("Engine: %v", err)
			}
		}
		return nil, nil
	case models.TabRemoved:
		e.registry.Remove(m.TabID)
		e.monitored.Unmonitor(m.TabID)
		if e.keepAlive != nil {
			e.keepAlive.OnTabRemoved(m.TabID)
		}
		if _, err := e.tabProxies.Clear(m.TabID); err != nil {
			return nil, err
		}
		return nil, nil
	case models.MonitorTabNetwork:
		e.monitored.Monitor(m.TabID)
		return MonitoredResponse{TabID: m.TabID, Monitored: true}, nil
	case models.UnmonitorTabNetwork:
		e.monitored.Unmonitor(m.TabID)
		return MonitoredResponse{TabID: m.TabID, Monitored: false}, nil
	case models.IsTabNetworkMonitored:
		return MonitoredResponse{TabID: m.TabID, Monitored: e.monitored.IsMonitored(m.TabID)}, nil
	case models.GetNetworkStats:
		return e.netStats.Snapshot(), nil
	case models.ClearNetworkStats:
		e.netStats.Reset()
		return nil, nil
	case models.DevtoolsNetworkData:
		e.RecordTraffic(m.TabID, m.URL, m.Sent, m.Received)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: unhandled message %s", models.ErrInvalidMessage, msg.Kind())
}
