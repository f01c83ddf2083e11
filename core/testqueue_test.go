package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"proxyrouter/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type recordingInterceptor struct {
	mu     sync.Mutex
	active map[string]int
	events []string
}

func (r *recordingInterceptor) Register(testURL string, proxy models.ProxyDescriptor) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		r.active = make(map[string]int)
	}
	r.active[testURL]++
	r.events = append(r.events, "register "+proxy.ID)
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.active[testURL]--
		r.events = append(r.events, "unregister "+proxy.ID)
	}
}

func TestQueueSerializesPerURL(t *testing.T) {
	var inFlight, maxInFlight int32
	runner := func(ctx context.Context, p models.ProxyDescriptor, testURL string) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)
		return nil
	}
	q := NewTestQueue(runner, time.Second, nil)

	var mu sync.Mutex
	var order []string
	for i := 0; i < 10; i++ {
		id := strconv.Itoa(i)
		q.Enqueue(models.ProxyDescriptor{ID: id, Host: "h" + id, Port: 1}, "https://same.test/", func(r models.ProxyTestResult) {
			mu.Lock()
			order = append(order, r.Proxy)
			mu.Unlock()
		})
	}
	q.Wait()

	if maxInFlight != 1 {
		t.Errorf("max concurrent tests for one url = %d, want 1", maxInFlight)
	}
	for i, name := range order {
		if want := fmt.Sprintf("h%d:1", i); name != want {
			t.Fatalf("result %d from %s, want %s (order %v)", i, name, want, order)
		}
	}
}

func TestQueueRunsDifferentURLsInParallel(t *testing.T) {
	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(2)
	runner := func(ctx context.Context, p models.ProxyDescriptor, testURL string) error {
		started.Done()
		<-release
		return nil
	}
	q := NewTestQueue(runner, time.Second, nil)
	q.Enqueue(models.ProxyDescriptor{ID: "a"}, "https://one.test/", nil)
	q.Enqueue(models.ProxyDescriptor{ID: "b"}, "https://two.test/", nil)

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tests for different urls did not run concurrently")
	}
	close(release)
	q.Wait()
}

func TestQueueAlwaysUnregisters(t *testing.T) {
	interceptor := &recordingInterceptor{}
	calls := 0
	runner := func(ctx context.Context, p models.ProxyDescriptor, testURL string) error {
		calls++
		switch calls {
		case 1:
			return errors.New("connection refused")
		case 2:
			panic("boom")
		}
		return nil
	}
	q := NewTestQueue(runner, time.Second, interceptor)

	var results []models.ProxyTestResult
	for _, id := range []string{"x", "y", "z"} {
		q.Enqueue(models.ProxyDescriptor{ID: id, Label: id}, "https://t.test/", func(r models.ProxyTestResult) {
			results = append(results, r)
		})
	}
	q.Wait()

	if interceptor.active["https://t.test/"] != 0 {
		t.Errorf("interception left registered: %v", interceptor.active)
	}
	want := "register x,unregister x,register y,unregister y,register z,unregister z"
	if got := strings.Join(interceptor.events, ","); got != want {
		t.Errorf("events = %s", got)
	}
	if len(results) != 3 || results[0].Success || results[1].Success || !results[2].Success {
		t.Fatalf("results = %+v", results)
	}
	if results[0].Error != "connection refused" || results[1].Error != "boom" {
		t.Errorf("errors = %q, %q", results[0].Error, results[1].Error)
	}
	if results[2].Proxy != "z" {
		t.Errorf("result not tagged with display name: %+v", results[2])
	}
}

func TestQueueTimeoutCancelsRequest(t *testing.T) {
	runner := func(ctx context.Context, p models.ProxyDescriptor, testURL string) error {
		<-ctx.Done()
		return ctx.Err()
	}
	q := NewTestQueue(runner, 20*time.Millisecond, nil)
	res, err := q.TestProxyConfigQueued(context.Background(), models.ProxyDescriptor{Host: "slow", Port: 9}, "https://t.test/")
	if err != nil {
		t.Fatal(err)
	}
	if res.Success || !strings.Contains(res.Error, ErrTestTimeout.Error()) {
		t.Fatalf("result = %+v", res)
	}
}

func TestHeadThroughHTTPProxy(t *testing.T) {
	var sawAuth, sawMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sawAuth = r.Header.Get("Proxy-Authorization")
		sawMethod = r.Method
		if strings.Contains(r.URL.Path, "bad") {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	u, _ := url.Parse(upstream.URL)
	port, _ := strconv.Atoi(u.Port())
	p := models.ProxyDescriptor{ID: "p", Type: models.ProxyTypeHTTP, Host: u.Hostname(), Port: port, Username: "alice", Password: "secret"}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := HeadThroughProxy(ctx, p, "http://target.invalid/generate_204"); err != nil {
		t.Fatalf("HeadThroughProxy: %v", err)
	}
	if sawMethod != http.MethodHead {
		t.Errorf("method = %s", sawMethod)
	}
	if want := (Credentials{Username: "alice", Password: "secret"}).ProxyAuthorization(); sawAuth != want {
		t.Errorf("Proxy-Authorization = %q, want %q", sawAuth, want)
	}
	if err := HeadThroughProxy(ctx, p, "http://target.invalid/bad"); err == nil || !strings.Contains(err.Error(), "502") {
		t.Errorf("non-2xx status not reported: %v", err)
	}
}

func TestPropertyQueueOrderForSameURL(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("callbacks for one url fire in submission order without overlap", prop.ForAll(
		func(n int, fail []bool) bool {
			var busy int32
			overlapped := false
			runner := func(ctx context.Context, p models.ProxyDescriptor, testURL string) error {
				if atomic.AddInt32(&busy, 1) != 1 {
					overlapped = true
				}
				defer atomic.AddInt32(&busy, -1)
				i, _ := strconv.Atoi(p.ID)
				if i < len(fail) && fail[i] {
					return errors.New("down")
				}
				return nil
			}
			q := NewTestQueue(runner, time.Second, nil)

			var mu sync.Mutex
			var got []string
			for i := 0; i < n; i++ {
				id := strconv.Itoa(i)
				q.Enqueue(models.ProxyDescriptor{ID: id, Label: id}, "https://same.test/", func(r models.ProxyTestResult) {
					mu.Lock()
					got = append(got, r.Proxy)
					mu.Unlock()
				})
			}
			q.Wait()

			if overlapped || len(got) != n {
				return false
			}
			for i, id := range got {
				if id != strconv.Itoa(i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 25),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
