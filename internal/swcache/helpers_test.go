package swcache

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

const testScope = "https://app.test/"

var errUnreachable = errors.New("network unreachable")

// fakeFetcher answers from a route table and counts calls per URL.
type fakeFetcher struct {
	mu      sync.Mutex
	routes  map[string]*Response
	fail    map[string]error
	offline bool
	calls   map[string]int
	gate    chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		routes: map[string]*Response{},
		fail:   map[string]error{},
		calls:  map[string]int{},
	}
}

func (f *fakeFetcher) set(rawURL string, status int, typ ResponseType, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[rawURL] = &Response{
		Status: status,
		Header: http.Header{"Content-Type": []string{"text/plain"}},
		Body:   []byte(body),
		Type:   typ,
		URL:    rawURL,
	}
}

func (f *fakeFetcher) ok(rawURL, body string) { f.set(rawURL, http.StatusOK, ResponseBasic, body) }

func (f *fakeFetcher) failWith(rawURL string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[rawURL] = err
}

func (f *fakeFetcher) setOffline(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offline = v
}

func (f *fakeFetcher) count(rawURL string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[rawURL]
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func (f *fakeFetcher) Fetch(ctx context.Context, req *Request) (*Response, error) {
	key := req.URL.String()
	f.mu.Lock()
	f.calls[key]++
	gate := f.gate
	offline := f.offline
	err := f.fail[key]
	resp, ok := f.routes[key]
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if offline {
		return nil, &FetchError{Identity: req.Identity(), Err: errUnreachable}
	}
	if err != nil {
		return nil, &FetchError{Identity: req.Identity(), Err: err}
	}
	if !ok {
		return &Response{Status: http.StatusNotFound, Type: ResponseBasic, Body: []byte("not found"), URL: key}, nil
	}
	return resp.clone(), nil
}

// recordingStorage wraps a Storage and records every call that touches a
// bucket.
type recordingStorage struct {
	Storage

	mu  sync.Mutex
	ops []string
}

func (s *recordingStorage) record(op string) {
	s.mu.Lock()
	s.ops = append(s.ops, op)
	s.mu.Unlock()
}

func (s *recordingStorage) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

func (s *recordingStorage) reset() {
	s.mu.Lock()
	s.ops = nil
	s.mu.Unlock()
}

func (s *recordingStorage) Open(ctx context.Context, name string) (Bucket, error) {
	s.record("open " + name)
	b, err := s.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &recordingBucket{Bucket: b, s: s}, nil
}

type recordingBucket struct {
	Bucket
	s *recordingStorage
}

func (b *recordingBucket) Match(ctx context.Context, req *Request) (*Response, bool, error) {
	b.s.record("match " + req.Identity())
	return b.Bucket.Match(ctx, req)
}

func (b *recordingBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	b.s.record("put " + req.Identity())
	return b.Bucket.Put(ctx, req, resp)
}

func (b *recordingBucket) PutAll(ctx context.Context, entries []Entry) error {
	b.s.record("putall")
	return b.Bucket.PutAll(ctx, entries)
}

type testEnv struct {
	ctrl    *Controller
	fetcher *fakeFetcher
	storage *recordingStorage
	clients *ClientRegistry
	notes   *NotificationCenter
}

func newTestEnv(t *testing.T, cfg ControllerConfig) *testEnv {
	t.Helper()
	scope, err := url.Parse(testScope)
	require.NoError(t, err)
	if cfg.Scope == nil {
		cfg.Scope = scope
	}
	if cfg.BucketName == "" {
		cfg.BucketName = "v1"
	}
	env := &testEnv{
		fetcher: newFakeFetcher(),
		storage: &recordingStorage{Storage: NewMemoryStorage()},
		clients: NewClientRegistry(),
		notes:   NewNotificationCenter(),
	}
	env.ctrl = NewController(cfg, env.host())
	return env
}

func (e *testEnv) host() Host {
	return Host{Storage: e.storage, Fetcher: e.fetcher, Clients: e.clients, Notifier: e.notes}
}

func mustRequest(t *testing.T, rawURL string) *Request {
	t.Helper()
	req, err := NewRequest(rawURL)
	require.NoError(t, err)
	return req
}

func navigation(t *testing.T, rawURL string) *Request {
	t.Helper()
	req := mustRequest(t, rawURL)
	req.Destination = DestinationDocument
	req.Mode = "navigate"
	return req
}

// bucketHas reports whether the named bucket holds an entry for rawURL.
func bucketHas(t *testing.T, s Storage, name, rawURL string) bool {
	t.Helper()
	ctx := context.Background()
	ok, err := s.Has(ctx, name)
	require.NoError(t, err)
	if !ok {
		return false
	}
	b, err := s.Open(ctx, name)
	require.NoError(t, err)
	_, found, err := b.Match(ctx, mustRequest(t, rawURL))
	require.NoError(t, err)
	return found
}
