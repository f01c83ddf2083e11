package database

import (
	"sync"

	"proxyrouter/logger"
	"proxyrouter/models"
)

// Change reports keys written to one namespace.
type Change struct {
	Area models.StorageMode `json:"area"`
	Keys []string           `json:"keys"`
}

// HasSettingsKey reports whether the change touched any Settings key.
func (c Change) HasSettingsKey() bool {
	for _, k := range c.Keys {
		if models.IsSettingsKey(k) {
			return true
		}
	}
	return false
}

func (c Change) Has(key string) bool {
	for _, k := range c.Keys {
		if k == key {
			return true
		}
	}
	return false
}

const subscriberBuffer = 32

var (
	subMu       sync.Mutex
	subscribers = make(map[int]chan Change)
	nextSubID   int
)

// Subscribe returns a channel receiving every committed change. When a
// slow subscriber falls behind, its queued changes are merged per area
// instead of blocking writers, so no written key goes unreported.
func Subscribe() (<-chan Change, func()) {
	subMu.Lock()
	defer subMu.Unlock()
	id := nextSubID
	nextSubID++
	ch := make(chan Change, subscriberBuffer)
	subscribers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			subMu.Lock()
			defer subMu.Unlock()
			delete(subscribers, id)
			close(ch)
		})
	}
}

func publish(c Change) {
	subMu.Lock()
	defer subMu.Unlock()
	for id, ch := range subscribers {
		select {
		case ch <- c:
		default:
			logger.Warn("database: subscriber %d is full, coalescing pending changes", id)
			for _, merged := range coalesce(ch, c) {
				ch <- merged
			}
		}
	}
}

// coalesce drains ch and folds its changes and c into one change per
// area, in first-seen order. Only publish sends, and it holds subMu, so
// the refill cannot block.
func coalesce(ch chan Change, c Change) []Change {
	var out []Change
	index := make(map[models.StorageMode]int)
	add := func(next Change) {
		i, ok := index[next.Area]
		if !ok {
			index[next.Area] = len(out)
			out = append(out, Change{Area: next.Area})
			i = len(out) - 1
		}
		for _, k := range next.Keys {
			if !out[i].Has(k) {
				out[i].Keys = append(out[i].Keys, k)
			}
		}
	}
drain:
	for {
		select {
		case pending := <-ch:
			add(pending)
		default:
			break drain
		}
	}
	add(c)
	return out
}
