package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"proxyrouter/logger"
	"proxyrouter/models"
)

var ErrTestTimeout = errors.New("proxy test timed out")

const DefaultTestTimeout = 5 * time.Second

// Interceptor temporarily routes one exact test URL through a proxy.
type Interceptor interface {
	Register(testURL string, proxy models.ProxyDescriptor) (unregister func())
}

// TestRunner performs one connectivity test. A nil error means success.
type TestRunner func(ctx context.Context, proxy models.ProxyDescriptor, testURL string) error

type testJob struct {
	proxy    models.ProxyDescriptor
	testURL  string
	onResult func(models.ProxyTestResult)
}

// TestQueue runs proxy tests with at most one in flight per test URL.
// Jobs for the same URL run in submission order; different URLs run in
// parallel.
type TestQueue struct {
	mu      sync.Mutex
	pending map[string][]testJob

	run         TestRunner
	timeout     time.Duration
	interceptor Interceptor
	wg          sync.WaitGroup
}

func NewTestQueue(run TestRunner, timeout time.Duration, interceptor Interceptor) *TestQueue {
	if run == nil {
		run = HeadThroughProxy
	}
	if timeout <= 0 {
		timeout = DefaultTestTimeout
	}
	return &TestQueue{
		pending:     make(map[string][]testJob),
		run:         run,
		timeout:     timeout,
		interceptor: interceptor,
	}
}

// SetInterceptor swaps the interception backend, e.g. when switching
// between dynamic and PAC mode.
func (q *TestQueue) SetInterceptor(i Interceptor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.interceptor = i
}

// Enqueue schedules a test and returns immediately. onResult may be nil.
func (q *TestQueue) Enqueue(proxy models.ProxyDescriptor, testURL string, onResult func(models.ProxyTestResult)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, busy := q.pending[testURL]
	q.pending[testURL] = append(q.pending[testURL], testJob{proxy: proxy, testURL: testURL, onResult: onResult})
	if busy {
		logger.Debug("TestQueue: queued test of %s behind %d job(s) for %s", proxy.DisplayName(), len(q.pending[testURL])-1, testURL)
		return
	}
	q.wg.Add(1)
	go q.worker(testURL)
}

// worker drains the queue of one URL. The key stays present while a job
// is in flight so later submissions wait their turn.
func (q *TestQueue) worker(testURL string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		jobs := q.pending[testURL]
		if len(jobs) == 0 {
			delete(q.pending, testURL)
			q.mu.Unlock()
			return
		}
		job := jobs[0]
		interceptor := q.interceptor
		q.mu.Unlock()

		res := q.execute(job, interceptor)
		if job.onResult != nil {
			job.onResult(res)
		}

		q.mu.Lock()
		q.pending[testURL] = q.pending[testURL][1:]
		q.mu.Unlock()
	}
}

func (q *TestQueue) execute(job testJob, interceptor Interceptor) (res models.ProxyTestResult) {
	res.Proxy = job.proxy.DisplayName()

	if interceptor != nil {
		unregister := interceptor.Register(job.testURL, job.proxy)
		defer unregister()
	}

	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("TestQueue: test of %s panicked: %v", res.Proxy, r)
			res.Success = false
			res.Error = fmt.Sprint(r)
		}
	}()

	err := q.run(ctx, job.proxy, job.testURL)
	if err == nil {
		logger.Debug("TestQueue: %s reached %s", res.Proxy, job.testURL)
		res.Success = true
		return res
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w after %s", ErrTestTimeout, q.timeout)
	}
	logger.Debug("TestQueue: %s failed on %s: %v", res.Proxy, job.testURL, err)
	res.Error = err.Error()
	return res
}

// Wait blocks until every queued test has finished.
func (q *TestQueue) Wait() {
	q.wg.Wait()
}

// TestProxyConfigQueued enqueues a test and waits for its result or ctx.
func (q *TestQueue) TestProxyConfigQueued(ctx context.Context, proxy models.ProxyDescriptor, testURL string) (models.ProxyTestResult, error) {
	done := make(chan models.ProxyTestResult, 1)
	q.Enqueue(proxy, testURL, func(r models.ProxyTestResult) { done <- r })
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return models.ProxyTestResult{Proxy: proxy.DisplayName()}, ctx.Err()
	}
}

// HeadThroughProxy issues a HEAD request for testURL through proxy. Any
// non-2xx status is a failure.
func HeadThroughProxy(ctx context.Context, proxy models.ProxyDescriptor, testURL string) error {
	tr, err := TransportFor(proxy, 0)
	if err != nil {
		return err
	}
	defer tr.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, testURL, nil)
	if err != nil {
		return fmt.Errorf("building test request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := (&http.Client{Transport: tr}).Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP status %d", resp.StatusCode)
	}
	return nil
}
