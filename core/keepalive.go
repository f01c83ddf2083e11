package core

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proxyrouter/logger"
	"proxyrouter/matcher"
	"proxyrouter/models"

	"github.com/google/uuid"
)

const (
	DefaultKeepAliveInterval    = 15 * time.Second
	DefaultMaxDownNotifications = 4
)

// Scheduler runs fn every interval until the returned stop func is called.
type Scheduler interface {
	Every(interval time.Duration, fn func()) (stop func())
}

type tickerScheduler struct{}

// TickerScheduler is the production Scheduler backed by time.Ticker.
var TickerScheduler Scheduler = tickerScheduler{}

func (tickerScheduler) Every(interval time.Duration, fn func()) func() {
	t := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-t.C:
				fn()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			t.Stop()
			close(done)
		})
	}
}

// Prober runs a connectivity test and reports back asynchronously.
type Prober interface {
	Enqueue(proxy models.ProxyDescriptor, testURL string, onResult func(models.ProxyTestResult))
}

// Notifier delivers user-facing alerts.
type Notifier interface {
	Notify(n models.Notification)
}

// KeepAliveState is the runtime state of one proxy. The timer runs iff
// some pattern has at least one tab.
type KeepAliveState struct {
	ActiveTabs map[string]map[int]struct{}
	TestURL    string

	stop func()
}

func (s *KeepAliveState) hasTabs() bool {
	for _, set := range s.ActiveTabs {
		if len(set) > 0 {
			return true
		}
	}
	return false
}

// Running reports whether the probe timer is set.
func (s *KeepAliveState) Running() bool {
	return s.stop != nil
}

func (s *KeepAliveState) untrack(tabID int) {
	for pattern, set := range s.ActiveTabs {
		delete(set, tabID)
		if len(set) == 0 {
			delete(s.ActiveTabs, pattern)
		}
	}
}

type KeepAliveOptions struct {
	Interval             time.Duration
	MaxDownNotifications int
	Scheduler            Scheduler
	Notifier             Notifier
	// OnProbe is called with the outcome of every probe.
	OnProbe func(proxyID string, success bool)
}

// KeepAlive owns the per-proxy keep-alive states.
type KeepAlive struct {
	mu        sync.Mutex
	settings  models.Settings
	states    map[string]*KeepAliveState
	downCount map[string]int

	prober Prober
	opts   KeepAliveOptions
}

func NewKeepAlive(prober Prober, opts KeepAliveOptions) *KeepAlive {
	if opts.Interval <= 0 {
		opts.Interval = DefaultKeepAliveInterval
	}
	if opts.MaxDownNotifications <= 0 {
		opts.MaxDownNotifications = DefaultMaxDownNotifications
	}
	if opts.Scheduler == nil {
		opts.Scheduler = TickerScheduler
	}
	if opts.Notifier == nil {
		opts.Notifier = LogNotifier{}
	}
	return &KeepAlive{
		states:    make(map[string]*KeepAliveState),
		downCount: make(map[string]int),
		prober:    prober,
		opts:      opts,
	}
}

// Reload tears down every timer and rebuilds state from the active rules
// and the currently open tabs. A failing tab query leaves every state idle.
func (k *KeepAlive) Reload(ctx context.Context, settings models.Settings, tabs TabQuerier) error {
	k.mu.Lock()
	k.stopAllLocked()
	k.settings = settings
	k.states = make(map[string]*KeepAliveState)
	k.downCount = make(map[string]int)
	for proxyID, rule := range settings.KeepAliveRules {
		if !rule.Active {
			logger.Info("KeepAlive: rule for proxy %s is inactive, skipping", proxyID)
			continue
		}
		k.states[proxyID] = &KeepAliveState{
			ActiveTabs: make(map[string]map[int]struct{}),
			TestURL:    settings.EffectiveTestURL(rule),
		}
	}
	empty := len(k.states) == 0
	k.mu.Unlock()

	if empty || tabs == nil {
		return nil
	}

	open, err := tabs.List(ctx)
	if err != nil {
		return fmt.Errorf("listing tabs for keep-alive: %w", err)
	}
	logger.Info("KeepAlive: scanning %d open tabs", len(open))

	k.mu.Lock()
	for _, tab := range open {
		if tab.Discarded || tab.URL == "" {
			continue
		}
		k.trackLocked(tab.ID, tab.URL)
	}
	fire := k.reconcileAllLocked()
	k.mu.Unlock()

	k.fire(fire)
	return nil
}

// OnTabUpdated handles a navigation. Only the tab's current hostname stays
// tracked; a discarded tab is untracked.
func (k *KeepAlive) OnTabUpdated(tabID int, url string, discarded bool) {
	if url == "" {
		return
	}
	k.mu.Lock()
	k.untrackLocked(tabID)
	if !discarded {
		k.trackLocked(tabID, url)
	}
	fire := k.reconcileAllLocked()
	k.mu.Unlock()
	k.fire(fire)
}

// OnTabActivated looks the tab up and tracks it like a navigation.
func (k *KeepAlive) OnTabActivated(ctx context.Context, tabs TabQuerier, tabID int) error {
	tab, err := tabs.Get(ctx, tabID)
	if err != nil {
		return fmt.Errorf("keep-alive activation of tab %d: %w", tabID, err)
	}
	k.OnTabUpdated(tabID, tab.URL, tab.Discarded)
	return nil
}

func (k *KeepAlive) OnTabRemoved(tabID int) {
	k.mu.Lock()
	k.untrackLocked(tabID)
	k.reconcileAllLocked()
	k.mu.Unlock()
}

// Stop cancels every timer. States are kept so Status still reports them.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.stopAllLocked()
}

func (k *KeepAlive) stopAllLocked() {
	for proxyID, st := range k.states {
		if st.stop != nil {
			st.stop()
			st.stop = nil
			logger.Debug("KeepAlive: cleared timer for proxy %s", proxyID)
		}
	}
}

func (k *KeepAlive) trackLocked(tabID int, rawURL string) {
	hostname, ok := matcher.Hostname(rawURL)
	if !ok {
		logger.Debug("KeepAlive: no hostname in tab %d url %q", tabID, rawURL)
		return
	}
	for proxyID, st := range k.states {
		rule := k.settings.KeepAliveRules[proxyID]
		for _, pattern := range rule.TabURLs {
			if !matcher.MatchHostname(hostname, pattern) {
				continue
			}
			set, ok := st.ActiveTabs[pattern]
			if !ok {
				set = make(map[int]struct{})
				st.ActiveTabs[pattern] = set
			}
			set[tabID] = struct{}{}
			logger.Debug("KeepAlive: tab %d (%s) matched %q for proxy %s", tabID, hostname, pattern, proxyID)
		}
	}
}

func (k *KeepAlive) untrackLocked(tabID int) {
	for _, st := range k.states {
		st.untrack(tabID)
	}
}

// reconcileAllLocked starts and stops timers so that each one runs iff its
// state has tabs. It returns the proxies whose timer was just started.
func (k *KeepAlive) reconcileAllLocked() []string {
	var started []string
	for proxyID, st := range k.states {
		switch want := st.hasTabs(); {
		case want && st.stop == nil:
			id, state := proxyID, st
			st.stop = k.opts.Scheduler.Every(k.opts.Interval, func() { k.probe(id, state) })
			started = append(started, proxyID)
			logger.Info("KeepAlive: started probing proxy %s every %s", proxyID, k.opts.Interval)
		case !want && st.stop != nil:
			st.stop()
			st.stop = nil
			logger.Info("KeepAlive: stopped probing proxy %s", proxyID)
		}
	}
	sort.Strings(started)
	return started
}

func (k *KeepAlive) fire(proxyIDs []string) {
	for _, id := range proxyIDs {
		k.mu.Lock()
		st := k.states[id]
		k.mu.Unlock()
		if st != nil {
			k.probe(id, st)
		}
	}
}

// probe enqueues one test. Ticks from a timer that was torn down in the
// meantime are dropped.
func (k *KeepAlive) probe(proxyID string, st *KeepAliveState) {
	k.mu.Lock()
	if k.states[proxyID] != st || st.stop == nil {
		k.mu.Unlock()
		return
	}
	testURL := st.TestURL
	proxy := ResolveProxy(k.settings, proxyID)
	k.mu.Unlock()

	if proxy == nil {
		logger.Warn("KeepAlive: could not resolve proxy %s, skipping probe", proxyID)
		return
	}
	p := *proxy
	k.prober.Enqueue(p, testURL, func(res models.ProxyTestResult) {
		k.handleResult(proxyID, p, res)
	})
}

func (k *KeepAlive) handleResult(proxyID string, proxy models.ProxyDescriptor, res models.ProxyTestResult) {
	if k.opts.OnProbe != nil {
		k.opts.OnProbe(proxyID, res.Success)
	}
	if res.Success {
		logger.Debug("KeepAlive: proxy %s is alive", proxy.Address())
		k.mu.Lock()
		k.downCount[proxyID] = 0
		k.mu.Unlock()
		return
	}

	logger.Warn("KeepAlive: proxy %s failed: %s", proxy.Address(), res.Error)
	if !proxy.NotifyIfDown {
		return
	}
	k.mu.Lock()
	if k.downCount[proxyID] >= k.opts.MaxDownNotifications {
		k.mu.Unlock()
		return
	}
	k.downCount[proxyID]++
	k.mu.Unlock()

	msg := res.Error
	if msg == "" {
		msg = "Unknown error"
	}
	k.opts.Notifier.Notify(models.Notification{
		ID:        uuid.NewString(),
		Title:     "Keep alive encountered an error",
		Message:   fmt.Sprintf("Proxy %s failed: %s", proxy.Address(), msg),
		ProxyID:   proxyID,
		CreatedAt: time.Now(),
	})
}

// KeepAliveStatus is a read-only view of one proxy's state.
type KeepAliveStatus struct {
	ProxyID           string           `json:"proxyId"`
	Running           bool             `json:"running"`
	TestURL           string           `json:"testUrl"`
	Tabs              map[string][]int `json:"tabs"`
	DownNotifications int              `json:"downNotifications"`
}

func (k *KeepAlive) Status() []KeepAliveStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]KeepAliveStatus, 0, len(k.states))
	for proxyID, st := range k.states {
		s := KeepAliveStatus{
			ProxyID:           proxyID,
			Running:           st.Running(),
			TestURL:           st.TestURL,
			Tabs:              make(map[string][]int, len(st.ActiveTabs)),
			DownNotifications: k.downCount[proxyID],
		}
		for pattern, set := range st.ActiveTabs {
			ids := make([]int, 0, len(set))
			for id := range set {
				ids = append(ids, id)
			}
			sort.Ints(ids)
			s.Tabs[pattern] = ids
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProxyID < out[j].ProxyID })
	return out
}

// LogNotifier writes notifications to the application log.
type LogNotifier struct{}

func (LogNotifier) Notify(n models.Notification) {
	logger.Warn("%s: %s", n.Title, n.Message)
}
