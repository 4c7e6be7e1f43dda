package main

import (
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// newHTTPClient builds the shared outbound client for refresh and usage
// calls. The request timeout is deliberate: a hung provider connection must
// surface as a transient network error instead of stalling a poll cycle.
func newHTTPClient(timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
	}
	_ = http2.ConfigureTransport(transport)

	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

// httpDoer lets tests substitute the HTTP layer.
type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
