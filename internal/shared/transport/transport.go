package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Factory builds http.Clients that route through a single proxy endpoint.
// One http.Transport is kept per endpoint address so keep-alive connections are
// reused across attempts that pick the same endpoint.
type Factory struct {
	insecureSkipVerify bool
	cache              sync.Map // address -> *http.Transport
}

// NewFactory creates a Factory. insecureSkipVerify disables certificate checks for
// the target, which the probe path uses because the probe only measures reachability.
func NewFactory(insecureSkipVerify bool) *Factory {
	return &Factory{insecureSkipVerify: insecureSkipVerify}
}

// Normalize turns a bare "host:port" into "http://host:port".
func Normalize(address string) string {
	address = strings.TrimSpace(address)
	if address == "" || strings.Contains(address, "://") {
		return address
	}
	return "http://" + address
}

// Client returns a client whose requests go through address, or directly when
// address is empty. timeout bounds the whole request including the body read.
func (f *Factory) Client(address string, timeout time.Duration) (*http.Client, error) {
	t, err := f.transportFor(address)
	if err != nil {
		return nil, err
	}
	return &http.Client{
		Transport: t,
		Timeout:   timeout,
	}, nil
}

// CloseIdle releases idle connections held by every cached transport.
func (f *Factory) CloseIdle() {
	f.cache.Range(func(_, v any) bool {
		v.(*http.Transport).CloseIdleConnections()
		return true
	})
}

func (f *Factory) transportFor(address string) (*http.Transport, error) {
	key := Normalize(address)
	if cached, ok := f.cache.Load(key); ok {
		return cached.(*http.Transport), nil
	}

	t, err := f.newTransport(key)
	if err != nil {
		return nil, err
	}
	actual, loaded := f.cache.LoadOrStore(key, t)
	if loaded {
		t.CloseIdleConnections()
	}
	return actual.(*http.Transport), nil
}

func (f *Factory) newTransport(address string) (*http.Transport, error) {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: f.insecureSkipVerify},
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if address == "" {
		return t, nil
	}

	proxyURL, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", address, err)
	}

	switch proxyURL.Scheme {
	case "http", "https":
		t.Proxy = http.ProxyURL(proxyURL)
	case "socks5", "socks5h":
		socksDialer, err := proxy.FromURL(proxyURL, dialer)
		if err != nil {
			return nil, fmt.Errorf("failed to create SOCKS5 dialer for %s: %w", proxyURL.Host, err)
		}
		cd, ok := socksDialer.(proxy.ContextDialer)
		if !ok {
			return nil, fmt.Errorf("SOCKS5 dialer for %s does not support contexts", proxyURL.Host)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return cd.DialContext(ctx, network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", proxyURL.Scheme)
	}
	return t, nil
}
