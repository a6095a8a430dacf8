package worker

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"

	"golang.org/x/net/proxy"

	"github.com/dlforge/dlforge/internal/coretypes"
)

// NewHTTPClient builds the transport shared by segment workers for one
// task, tuned per the teacher's internal/engine/concurrent/downloader.go
// connection pooling and forced HTTP/1.1 so multiple ranged connections
// to the same host actually run in parallel instead of being multiplexed
// onto one HTTP/2 stream. jar is scoped per task rather than process-global,
// since sessions may carry per-task cookie jars.
func NewHTTPClient(runtime *coretypes.RuntimeConfig, jar http.CookieJar) (*http.Client, error) {
	maxConns := runtime.GetMaxConnectionsPerHost()

	dialer := &net.Dialer{
		Timeout:   coretypes.DialTimeout,
		KeepAlive: coretypes.KeepAliveDuration,
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,

		MaxIdleConns:        coretypes.DefaultMaxIdleConns,
		MaxIdleConnsPerHost: maxConns + 2,
		MaxConnsPerHost:     maxConns,

		IdleConnTimeout:       coretypes.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   coretypes.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: coretypes.DefaultResponseHeaderTimeout,
		ExpectContinueTimeout: coretypes.DefaultExpectContinueTimeout,

		DisableCompression: true,
		ForceAttemptHTTP2:  false,

		DialContext: dialer.DialContext,
	}

	if runtime != nil && runtime.SkipTLSVerification {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	if runtime != nil && runtime.ProxyURL != "" {
		if err := applyProxy(transport, dialer, runtime.ProxyURL); err != nil {
			return nil, err
		}
	}

	return &http.Client{Transport: transport, Jar: jar}, nil
}

// applyProxy wires a SOCKS5 proxy into transport when proxyURL has a
// socks5 scheme, via golang.org/x/net/proxy; any other scheme is left to
// http.Transport's native http.ProxyURL handling.
func applyProxy(transport *http.Transport, dialer *net.Dialer, proxyURL string) error {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return coretypes.NewConfigError("invalid proxy_url: " + proxyURL)
	}

	if u.Scheme != "socks5" && u.Scheme != "socks5h" {
		transport.Proxy = http.ProxyURL(u)
		return nil
	}

	dialSOCKS, err := proxy.FromURL(u, dialer)
	if err != nil {
		return coretypes.NewConfigError("building socks5 dialer: " + err.Error())
	}
	transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if ctxDialer, ok := dialSOCKS.(proxy.ContextDialer); ok {
			return ctxDialer.DialContext(ctx, network, addr)
		}
		return dialSOCKS.Dial(network, addr)
	}
	return nil
}
