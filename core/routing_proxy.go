package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxyrouter/logger"
	"proxyrouter/models"

	"github.com/elazarl/goproxy"
)

// Control headers set by the companion extension. They never leave the
// routing proxy.
const (
	HeaderTabID        = "X-Proxy-Tab-Id"
	HeaderResourceType = "X-Proxy-Resource-Type"
)

// LayerTest marks a request routed by a registered proxy test.
const LayerTest Layer = "test"

// fetchDestTypes maps Sec-Fetch-Dest to the resource type names rules use.
var fetchDestTypes = map[string]string{
	"document":      "main_frame",
	"iframe":        "sub_frame",
	"frame":         "sub_frame",
	"script":        "script",
	"worker":        "script",
	"sharedworker":  "script",
	"serviceworker": "script",
	"style":         "stylesheet",
	"image":         "image",
	"font":          "font",
	"audio":         "media",
	"video":         "media",
	"track":         "media",
	"object":        "object",
	"embed":         "object",
	"empty":         "xmlhttprequest",
	"report":        "ping",
}

type routeState struct {
	info     RequestInfo
	decision *Decision
}

// RoutingProxy is the HTTP proxy clients point at. Every request is
// resolved through the engine and forwarded to the chosen upstream, or
// directly.
type RoutingProxy struct {
	engine      *Engine
	proxy       *goproxy.ProxyHttpServer
	dialTimeout time.Duration
	auth        AuthHook

	mu         sync.RWMutex
	intercepts map[string]models.ProxyDescriptor
	transports map[models.ProxyDescriptor]*http.Transport
	direct     *http.Transport
}

func NewRoutingProxy(engine *Engine, dialTimeout time.Duration) *RoutingProxy {
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	rp := &RoutingProxy{
		engine:      engine,
		dialTimeout: dialTimeout,
		intercepts:  make(map[string]models.ProxyDescriptor),
		transports:  make(map[models.ProxyDescriptor]*http.Transport),
		direct: &http.Transport{
			DialContext:           (&net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}).DialContext,
			TLSHandshakeTimeout:   dialTimeout,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
			MaxIdleConns:          100,
		},
	}
	rp.auth = SettingsAuthHook(func() []models.ProxyDescriptor {
		return engine.Settings().ProxyList
	})

	p := goproxy.NewProxyHttpServer()
	p.Logger = log.New(io.Discard, "", 0)
	p.Tr = rp.direct
	p.ConnectDialWithReq = rp.dialConnect
	p.NonproxyHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "This is a proxy server. Point your client at it instead of requesting it directly.", http.StatusBadRequest)
	})
	p.OnRequest().DoFunc(rp.onRequest)
	p.OnResponse().DoFunc(rp.onResponse)
	rp.proxy = p
	return rp
}

func (rp *RoutingProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rp.proxy.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (rp *RoutingProxy) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: rp, ReadHeaderTimeout: 30 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logger.ProxyInfo("Routing proxy listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.ProxyError("Routing proxy shutdown: %v", err)
		}
		rp.closeTransports()
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("routing proxy: %w", err)
	}
}

// Register routes requests for exactly testURL through proxy until the
// returned func is called.
func (rp *RoutingProxy) Register(testURL string, proxy models.ProxyDescriptor) func() {
	rp.mu.Lock()
	rp.intercepts[testURL] = proxy
	rp.mu.Unlock()
	logger.ProxyDebug("Intercepting %s through %s", testURL, proxy.DisplayName())

	var once sync.Once
	return func() {
		once.Do(func() {
			rp.mu.Lock()
			defer rp.mu.Unlock()
			if cur, ok := rp.intercepts[testURL]; ok && cur == proxy {
				delete(rp.intercepts, testURL)
			}
		})
	}
}

// requestInfo extracts the routing inputs and removes the control headers.
func requestInfo(r *http.Request, rawURL string) RequestInfo {
	info := RequestInfo{URL: rawURL, TabID: NoTab}
	if v := strings.TrimSpace(r.Header.Get(HeaderTabID)); v != "" {
		if id, err := strconv.Atoi(v); err == nil && id >= 0 {
			info.TabID = id
		}
	}
	info.Type = strings.TrimSpace(r.Header.Get(HeaderResourceType))
	if info.Type == "" {
		if dest := strings.ToLower(r.Header.Get("Sec-Fetch-Dest")); dest != "" {
			if t, ok := fetchDestTypes[dest]; ok {
				info.Type = t
			} else {
				info.Type = "other"
			}
		}
	}
	r.Header.Del(HeaderTabID)
	r.Header.Del(HeaderResourceType)
	return info
}

func (rp *RoutingProxy) decide(ctx context.Context, info RequestInfo) *Decision {
	rp.mu.RLock()
	p, ok := rp.intercepts[info.URL]
	rp.mu.RUnlock()
	if ok {
		return &Decision{Layer: LayerTest, Reason: "proxy test", Candidates: []ProxyCandidate{{Proxy: &p}}}
	}
	return rp.engine.Resolve(ctx, info)
}

func (rp *RoutingProxy) onRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	info := requestInfo(r, r.URL.String())
	d := rp.decide(r.Context(), info)
	ctx.UserData = &routeState{info: info, decision: d}
	ctx.RoundTripper = goproxy.RoundTripperFunc(func(req *http.Request, _ *goproxy.ProxyCtx) (*http.Response, error) {
		return rp.roundTrip(req, d)
	})
	logger.ProxyDebug("REQ: %s %s tab=%d type=%q -> %s", r.Method, info.URL, info.TabID, info.Type, d.Layer)
	return r, nil
}

func (rp *RoutingProxy) onResponse(resp *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	st, ok := ctx.UserData.(*routeState)
	if !ok || st == nil {
		return resp
	}
	if resp != nil {
		logger.ProxyDebug("RESP: %d for %s via %s layer", resp.StatusCode, st.info.URL, st.decision.Layer)
	}
	if st.info.TabID == NoTab {
		return resp
	}
	var sent, received int64
	if ctx.Req != nil && ctx.Req.ContentLength > 0 {
		sent = ctx.Req.ContentLength
	}
	if resp != nil && resp.ContentLength > 0 {
		received = resp.ContentLength
	}
	rp.engine.RecordTraffic(st.info.TabID, st.info.URL, sent, received)
	return resp
}

// roundTrip tries each candidate in order. A request whose body cannot be
// replayed is not retried.
func (rp *RoutingProxy) roundTrip(req *http.Request, d *Decision) (*http.Response, error) {
	candidates := d.Candidates
	if len(candidates) == 0 {
		candidates = []ProxyCandidate{{Direct: true}}
	}
	var lastErr error
	for i, c := range candidates {
		if i > 0 {
			if !rewind(req) {
				break
			}
			logger.ProxyWarn("Falling back to candidate %d for %s after: %v", i, req.URL, lastErr)
		}
		resp, err := rp.roundTripOne(req, c)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func (rp *RoutingProxy) roundTripOne(req *http.Request, c ProxyCandidate) (*http.Response, error) {
	if c.Direct || c.Proxy == nil {
		return rp.direct.RoundTrip(req)
	}
	tr, err := rp.transportFor(*c.Proxy)
	if err != nil {
		return nil, err
	}
	resp, err := tr.RoundTrip(req)
	if err != nil || resp.StatusCode != http.StatusProxyAuthRequired || c.Proxy.Type != models.ProxyTypeHTTP || c.Proxy.HasCredentials() {
		return resp, err
	}

	creds, herr := rp.auth(c.Proxy.Address())
	if herr != nil || !rewind(req) {
		logger.ProxyWarn("Proxy %s demands authentication: %v", c.Proxy.DisplayName(), ErrNoCredentials)
		return resp, nil
	}
	resp.Body.Close()
	retry := req.Clone(req.Context())
	retry.Header.Set("Proxy-Authorization", creds.ProxyAuthorization())
	return tr.RoundTrip(retry)
}

func rewind(req *http.Request) bool {
	if req.Body == nil || req.Body == http.NoBody {
		return true
	}
	if req.GetBody == nil {
		return false
	}
	body, err := req.GetBody()
	if err != nil {
		return false
	}
	req.Body = body
	return true
}

func (rp *RoutingProxy) transportFor(p models.ProxyDescriptor) (*http.Transport, error) {
	rp.mu.RLock()
	tr, ok := rp.transports[p]
	rp.mu.RUnlock()
	if ok {
		return tr, nil
	}
	tr, err := TransportFor(p, rp.dialTimeout)
	if err != nil {
		return nil, err
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	if existing, ok := rp.transports[p]; ok {
		tr.CloseIdleConnections()
		return existing, nil
	}
	rp.transports[p] = tr
	return tr, nil
}

func (rp *RoutingProxy) closeTransports() {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	for p, tr := range rp.transports {
		tr.CloseIdleConnections()
		delete(rp.transports, p)
	}
	rp.direct.CloseIdleConnections()
}

// dialConnect opens the tunnel for a CONNECT request.
func (rp *RoutingProxy) dialConnect(req *http.Request, network, addr string) (net.Conn, error) {
	info := requestInfo(req, connectURL(addr))
	d := rp.decide(req.Context(), info)
	logger.ProxyDebug("CONNECT %s tab=%d -> %s", addr, info.TabID, d.Layer)

	candidates := d.Candidates
	if len(candidates) == 0 {
		candidates = []ProxyCandidate{{Direct: true}}
	}
	var lastErr error
	for _, c := range candidates {
		var conn net.Conn
		var err error
		if c.Direct || c.Proxy == nil {
			conn, err = (&net.Dialer{Timeout: rp.dialTimeout}).DialContext(req.Context(), network, addr)
		} else {
			conn, err = DialThroughAuth(req.Context(), *c.Proxy, network, addr, rp.dialTimeout, rp.auth)
		}
		if err == nil {
			if info.TabID != NoTab && rp.engine.Monitored().IsMonitored(info.TabID) {
				return &countingConn{Conn: conn, onClose: func(sent, received int64) {
					rp.engine.RecordTraffic(info.TabID, info.URL, sent, received)
				}}, nil
			}
			return conn, nil
		}
		logger.ProxyWarn("CONNECT %s failed: %v", addr, err)
		lastErr = err
	}
	return nil, lastErr
}

// connectURL is the URL rules see for a tunnelled request.
func connectURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "https://" + addr + "/"
	}
	if port == "443" {
		return "https://" + hostForURL(host) + "/"
	}
	return "https://" + net.JoinHostPort(host, port) + "/"
}

func hostForURL(host string) string {
	if strings.Contains(host, ":") {
		return "[" + host + "]"
	}
	return host
}

// countingConn reports the bytes moved through a tunnel when it closes.
type countingConn struct {
	net.Conn
	mu       sync.Mutex
	sent     int64
	received int64
	once     sync.Once
	onClose  func(sent, received int64)
}

func (c *countingConn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.mu.Lock()
	c.received += int64(n)
	c.mu.Unlock()
	return n, err
}

func (c *countingConn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.mu.Lock()
	c.sent += int64(n)
	c.mu.Unlock()
	return n, err
}

func (c *countingConn) Close() error {
	err := c.Conn.Close()
	c.once.Do(func() {
		c.mu.Lock()
		sent, received := c.sent, c.received
		c.mu.Unlock()
		c.onClose(sent, received)
	})
	return err
}
