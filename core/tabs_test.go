package core

import (
	"context"
	"errors"
	"testing"

	"proxyrouter/models"
)

func TestTabRegistry(t *testing.T) {
	r := NewTabRegistry()
	ctx := context.Background()

	r.Upsert(models.Tab{ID: 2, URL: "https://b.test/"})
	r.Upsert(models.Tab{ID: 1, URL: "https://a.test/"})
	r.Activate(2)
	r.Upsert(models.Tab{ID: 2, Discarded: true})

	tab, err := r.Get(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if tab.URL != "https://b.test/" || !tab.Active || !tab.Discarded {
		t.Errorf("tab 2 = %+v", tab)
	}

	r.Activate(1)
	list, _ := r.List(ctx)
	if len(list) != 2 || list[0].ID != 1 || !list[0].Active || list[1].Active {
		t.Errorf("List() = %+v", list)
	}

	r.Remove(1)
	if _, err := r.Get(ctx, 1); !errors.Is(err, ErrTabNotFound) {
		t.Errorf("Get after Remove: %v", err)
	}
}

func TestTabProxiesPersistence(t *testing.T) {
	var saved []models.TabProxyMap
	tp := NewTabProxies(models.TabProxyMap{3: "p3"}, func(m models.TabProxyMap) error {
		saved = append(saved, m)
		return nil
	})

	if err := tp.Set(1, "p1"); err != nil {
		t.Fatal(err)
	}
	existed, err := tp.Clear(3)
	if err != nil || !existed {
		t.Fatalf("Clear(3) = %v, %v", existed, err)
	}
	existed, _ = tp.Clear(42)
	if existed {
		t.Error("Clear reported a missing override")
	}
	if len(saved) != 2 || len(saved[1]) != 1 || saved[1][1] != "p1" {
		t.Errorf("saved = %v", saved)
	}

	tp.Replace(models.TabProxyMap{8: "p2"})
	if _, ok := tp.ProxyFor(1); ok {
		t.Error("Replace kept old entries")
	}
	if len(saved) != 2 {
		t.Error("Replace must not persist")
	}

	failing := NewTabProxies(nil, func(models.TabProxyMap) error { return errors.New("disk full") })
	if err := failing.Set(1, "p1"); err == nil {
		t.Error("persist error swallowed")
	}
}
