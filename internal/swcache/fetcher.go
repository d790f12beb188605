package swcache

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Fetcher performs network requests on behalf of the controller.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// FetchError is a network-level failure for a request identity. HTTP error
// statuses are responses, not FetchErrors.
type FetchError struct {
	Identity string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Identity, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// HTTPFetcher fetches over HTTP and types responses relative to Scope: same
// origin is basic, cross origin is cors or opaque.
type HTTPFetcher struct {
	Client *http.Client
	Scope  *url.URL
}

// NewHTTPClient constructs an http.Client for origin fetches.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 60 * time.Second}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 150 * time.Millisecond,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var reqBody io.Reader
	if req.Body != nil {
		reqBody = bytes.NewReader(req.Body)
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL.String(), reqBody)
	if err != nil {
		return nil, &FetchError{Identity: req.Identity(), Err: err}
	}
	copyHeaders(hreq.Header, req.Header)
	for _, h := range hopHeaders {
		hreq.Header.Del(h)
	}
	hreq.Header.Set("Accept-Encoding", "identity")

	resp, err := client.Do(hreq)
	if err != nil {
		return nil, &FetchError{Identity: req.Identity(), Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Identity: req.Identity(), Err: err}
	}

	h := cloneHeader(resp.Header)
	h.Del("Content-Length")
	for _, name := range hopHeaders {
		h.Del(name)
	}
	// The client follows redirects; the final hop decides the type.
	final := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL
	}
	return &Response{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
		Header:     h,
		Body:       body,
		Type:       f.responseType(final, resp.Header),
		URL:        final.String(),
	}, nil
}

func (f *HTTPFetcher) responseType(u *url.URL, h http.Header) ResponseType {
	if f.Scope == nil || sameOrigin(f.Scope, u) {
		return ResponseBasic
	}
	if h.Get("Access-Control-Allow-Origin") != "" {
		return ResponseCORS
	}
	return ResponseOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
