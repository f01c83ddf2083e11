// Package stats keeps per-domain byte counters for monitored tabs. The
// counters never feed back into routing.
package stats

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

// Node is one level of the stats tree.
type Node struct {
	Sent     int64            `json:"sent"`
	Received int64            `json:"received"`
	Children map[string]*Node `json:"children,omitempty"`
}

func newNode() *Node {
	return &Node{Children: make(map[string]*Node)}
}

func (n *Node) add(sent, received int64) {
	n.Sent += sent
	n.Received += received
}

func (n *Node) child(key string) *Node {
	c, ok := n.Children[key]
	if !ok {
		c = newNode()
		n.Children[key] = c
	}
	return c
}

func (n *Node) clone() *Node {
	out := &Node{Sent: n.Sent, Received: n.Received}
	if len(n.Children) > 0 {
		out.Children = make(map[string]*Node, len(n.Children))
		for k, c := range n.Children {
			out.Children[k] = c.clone()
		}
	}
	return out
}

// Snapshot is a deep copy of the tree: totals plus
// domain -> first path segment -> second path segment.
type Snapshot struct {
	Total   Node             `json:"total"`
	Domains map[string]*Node `json:"domains"`
}

type NetworkStats struct {
	mu      sync.Mutex
	total   Node
	domains map[string]*Node

	metrics *Metrics
}

func NewNetworkStats(metrics *Metrics) *NetworkStats {
	return &NetworkStats{domains: make(map[string]*Node), metrics: metrics}
}

// Add records traffic for rawURL. Zero traffic and unparseable URLs are
// ignored.
func (s *NetworkStats) Add(rawURL string, sent, received int64) {
	if sent == 0 && received == 0 {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	var segments []string
	for _, seg := range strings.Split(u.Path, "/") {
		if seg != "" {
			segments = append(segments, seg)
		}
	}
	first := "/"
	if len(segments) > 0 {
		first = segments[0]
	}

	s.mu.Lock()
	s.total.add(sent, received)
	domain, ok := s.domains[u.Hostname()]
	if !ok {
		domain = newNode()
		s.domains[u.Hostname()] = domain
	}
	domain.add(sent, received)
	firstNode := domain.child(first)
	firstNode.add(sent, received)
	if len(segments) > 1 {
		firstNode.child(segments[1]).add(sent, received)
	}
	s.mu.Unlock()

	s.metrics.AddBytes(sent, received)
}

func (s *NetworkStats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = Node{}
	s.domains = make(map[string]*Node)
}

func (s *NetworkStats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Total:   Node{Sent: s.total.Sent, Received: s.total.Received},
		Domains: make(map[string]*Node, len(s.domains)),
	}
	for k, n := range s.domains {
		snap.Domains[k] = n.clone()
	}
	return snap
}

var byteUnits = []string{"KB", "MB", "GB", "TB"}

// FormatBytes renders a byte count with binary units and two decimals.
func FormatBytes(bytes int64) string {
	if bytes < 1024 {
		return fmt.Sprintf("%d B", bytes)
	}
	value := float64(bytes)
	unit := -1
	for value >= 1024 && unit < len(byteUnits)-1 {
		value /= 1024
		unit++
	}
	return fmt.Sprintf("%.2f %s", value, byteUnits[unit])
}

// MonitoredTabs is the set of tabs whose traffic is counted.
type MonitoredTabs struct {
	mu   sync.RWMutex
	tabs map[int]struct{}
}

func NewMonitoredTabs() *MonitoredTabs {
	return &MonitoredTabs{tabs: make(map[int]struct{})}
}

func (m *MonitoredTabs) Monitor(tabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tabs[tabID] = struct{}{}
}

func (m *MonitoredTabs) Unmonitor(tabID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tabs, tabID)
}

func (m *MonitoredTabs) IsMonitored(tabID int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tabs[tabID]
	return ok
}
