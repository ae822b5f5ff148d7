package client

import (
	"net/http"
	"time"
)

// defaultUserAgent is presented on upstream requests that carry no explicit
// identity headers. Feed fetches and origin probes use it; relay sessions
// always override it with their own spoofed set.
const defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// HeaderSettingClient wraps http.Client to automatically set headers on
// every outbound request. The upstream origin rejects requests whose header
// set looks synthetic, so defaults are applied centrally instead of at each
// call site.
type HeaderSettingClient struct {
	Client *http.Client
}

// NewHeaderSettingClient builds a client tuned for long-lived streaming
// downloads: no overall timeout, but a bounded header wait so a stalled
// origin fails fast.
func NewHeaderSettingClient() *HeaderSettingClient {
	client := &http.Client{
		Timeout: 0, // No overall timeout for streaming
		Transport: &http.Transport{
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			DisableKeepAlives:     false,
			ResponseHeaderTimeout: 30 * time.Second, // Only timeout for headers
		},
	}

	return &HeaderSettingClient{
		Client: client,
	}
}

// Do sends the request with default headers applied.
func (hsc *HeaderSettingClient) Do(req *http.Request) (*http.Response, error) {
	hsc.setHeaders(req, nil)
	return hsc.Client.Do(req)
}

// DoWithHeaders sends the request with the supplied header map layered on
// top of the defaults. Map entries win over defaults.
func (hsc *HeaderSettingClient) DoWithHeaders(req *http.Request, headers map[string]string) (*http.Response, error) {
	hsc.setHeaders(req, headers)
	return hsc.Client.Do(req)
}

func (hsc *HeaderSettingClient) setHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("User-Agent", defaultUserAgent)
	req.Header.Set("Connection", "keep-alive")
	req.Header.Set("Accept", "*/*")

	for k, v := range extra {
		req.Header.Set(k, v)
	}
}
