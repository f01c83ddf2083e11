package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"proxyrouter/models"

	"golang.org/x/net/proxy"
)

const defaultDialTimeout = 10 * time.Second

// TransportFor builds a transport that sends every request through p.
// dialTimeout bounds the connection to the proxy; zero uses the proxy's
// failover timeout, then a default.
func TransportFor(p models.ProxyDescriptor, dialTimeout time.Duration) (*http.Transport, error) {
	if dialTimeout <= 0 && p.FailoverTimeout > 0 {
		dialTimeout = time.Duration(p.FailoverTimeout) * time.Second
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	base := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}

	tr := &http.Transport{
		TLSHandshakeTimeout:   dialTimeout,
		ResponseHeaderTimeout: 30 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConns:          100,
	}

	switch p.Type {
	case models.ProxyTypeHTTP:
		u := &url.URL{Scheme: "http", Host: p.Address()}
		if p.HasCredentials() {
			u.User = url.UserPassword(p.Username, p.Password)
		}
		tr.Proxy = http.ProxyURL(u)
		tr.DialContext = base.DialContext
	case models.ProxyTypeSocks:
		dial, err := socksDialer(p, base)
		if err != nil {
			return nil, err
		}
		tr.DialContext = dial
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
	return tr, nil
}

// DialThrough opens a raw TCP tunnel to addr through p. HTTP proxies are
// asked with CONNECT.
func DialThrough(ctx context.Context, p models.ProxyDescriptor, network, addr string, dialTimeout time.Duration) (net.Conn, error) {
	return DialThroughAuth(ctx, p, network, addr, dialTimeout, nil)
}

// DialThroughAuth is DialThrough with a hook consulted when an HTTP proxy
// answers CONNECT with 407.
func DialThroughAuth(ctx context.Context, p models.ProxyDescriptor, network, addr string, dialTimeout time.Duration, auth AuthHook) (net.Conn, error) {
	if dialTimeout <= 0 && p.FailoverTimeout > 0 {
		dialTimeout = time.Duration(p.FailoverTimeout) * time.Second
	}
	if dialTimeout <= 0 {
		dialTimeout = defaultDialTimeout
	}
	base := &net.Dialer{Timeout: dialTimeout}

	switch p.Type {
	case models.ProxyTypeSocks:
		dial, err := socksDialer(p, base)
		if err != nil {
			return nil, err
		}
		return dial(ctx, network, addr)
	case models.ProxyTypeHTTP:
		var creds *Credentials
		if p.HasCredentials() {
			creds = &Credentials{Username: p.Username, Password: p.Password}
		}
		conn, err := dialConnect(ctx, p, base, addr, creds)
		if !errors.Is(err, errProxyAuthRequired) || auth == nil {
			return conn, err
		}
		c, herr := auth(p.Address())
		if herr != nil {
			return nil, fmt.Errorf("CONNECT %s via %s: %w", addr, p.DisplayName(), herr)
		}
		return dialConnect(ctx, p, base, addr, &c)
	default:
		return nil, fmt.Errorf("unsupported proxy type %q", p.Type)
	}
}

// socksDialer dials through a SOCKS5 proxy. Unless p.ProxyDNS is set the
// target host is resolved here and the proxy only ever sees an IP.
func socksDialer(p models.ProxyDescriptor, base *net.Dialer) (func(ctx context.Context, network, addr string) (net.Conn, error), error) {
	var auth *proxy.Auth
	if p.HasCredentials() {
		auth = &proxy.Auth{User: p.Username, Password: p.Password}
	}
	d, err := proxy.SOCKS5("tcp", p.Address(), auth, base)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer for %s: %w", p.DisplayName(), err)
	}
	dial := func(_ context.Context, network, addr string) (net.Conn, error) {
		return d.Dial(network, addr)
	}
	if cd, ok := d.(proxy.ContextDialer); ok {
		dial = cd.DialContext
	}
	if p.ProxyDNS {
		return dial, nil
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		resolved, err := resolveLocally(ctx, addr)
		if err != nil {
			return nil, fmt.Errorf("resolving %s for %s: %w", addr, p.DisplayName(), err)
		}
		return dial(ctx, network, resolved)
	}, nil
}

// resolveLocally replaces the host of addr with its first address.
func resolveLocally(ctx context.Context, addr string) (string, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "", err
	}
	if net.ParseIP(host) != nil {
		return addr, nil
	}
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return "", err
	}
	if len(ips) == 0 {
		return "", fmt.Errorf("no addresses for %s", host)
	}
	return net.JoinHostPort(ips[0].IP.String(), port), nil
}

var errProxyAuthRequired = errors.New("proxy authentication required")

func dialConnect(ctx context.Context, p models.ProxyDescriptor, base *net.Dialer, addr string, creds *Credentials) (net.Conn, error) {
	conn, err := base.DialContext(ctx, "tcp", p.Address())
	if err != nil {
		return nil, fmt.Errorf("dial proxy %s: %w", p.DisplayName(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if creds != nil {
		req.Header.Set("Proxy-Authorization", creds.ProxyAuthorization())
	}
	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: %w", addr, p.DisplayName(), err)
	}
	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: %w", addr, p.DisplayName(), err)
	}
	if resp.StatusCode == http.StatusProxyAuthRequired {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: %w", addr, p.DisplayName(), errProxyAuthRequired)
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("CONNECT %s via %s: %s", addr, p.DisplayName(), resp.Status)
	}
	conn.SetDeadline(time.Time{})
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn replays bytes read past the CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}
