package swcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

var ErrClosed = errors.New("swcache: storage closed")

// Storage is the set of named buckets shared by every controller version in
// the process.
type Storage interface {
	// Open returns the bucket with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Bucket, error)
	Has(ctx context.Context, name string) (bool, error)
	// Keys lists bucket names in creation order.
	Keys(ctx context.Context) ([]string, error)
	// Delete removes a bucket and all of its entries. It reports whether the
	// bucket existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

// Bucket maps request identities to stored responses.
type Bucket interface {
	Name() string
	Match(ctx context.Context, req *Request) (*Response, bool, error)
	Put(ctx context.Context, req *Request, resp *Response) error
	// PutAll stores every entry or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	Delete(ctx context.Context, req *Request) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// OpenStorage builds the storage backend selected by the config.
func OpenStorage(cfg Config) (Storage, error) {
	switch cfg.Storage.Driver {
	case "", DriverMemory:
		return NewMemoryStorage(), nil
	case DriverLevelDB:
		return NewLevelDBStorage(cfg.Storage.Path)
	case DriverRedis:
		return NewRedisStorage(cfg.Storage.RedisURL, cfg.Storage.RedisPrefix)
	case DriverSQLite:
		return NewSQLiteStorage(cfg.Storage.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

// entryEnvelope is the JSON form of a stored response used by the redis and
// sqlite backends.
type entryEnvelope struct {
	StoredAt   time.Time   `json:"stored_at"`
	Status     int         `json:"status"`
	StatusText string      `json:"status_text,omitempty"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"body"`
	Type       string      `json:"type"`
	URL        string      `json:"url,omitempty"`
}

func encodeEnvelope(resp *Response, now time.Time) ([]byte, error) {
	return json.Marshal(entryEnvelope{
		StoredAt:   now,
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     resp.Header,
		Body:       resp.Body,
		Type:       string(resp.Type),
		URL:        resp.URL,
	})
}

func decodeEnvelope(data []byte) (*Response, error) {
	var env entryEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &Response{
		Status:     env.Status,
		StatusText: env.StatusText,
		Header:     env.Header,
		Body:       env.Body,
		Type:       ResponseType(env.Type),
		URL:        env.URL,
	}, nil
}

// ---- memory storage ----

type memoryStorage struct {
	mu      sync.Mutex
	seq     int
	buckets map[string]*memoryBucket
	closed  bool
}

// NewMemoryStorage returns a process-local Storage. Entries are lost when the
// process exits.
func NewMemoryStorage() Storage {
	return &memoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if b, ok := s.buckets[name]; ok {
		return b, nil
	}
	s.seq++
	b := &memoryBucket{name: name, seq: s.seq, entries: map[string]*Response{}}
	s.buckets[name] = b
	return b, nil
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Keys(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	bs := make([]*memoryBucket, 0, len(s.buckets))
	for _, b := range s.buckets {
		bs = append(bs, b)
	}
	sort.Slice(bs, func(i, j int) bool { return bs[i].seq < bs[j].seq })
	out := make([]string, 0, len(bs))
	for _, b := range bs {
		out = append(out, b.name)
	}
	return out, nil
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	b, ok := s.buckets[name]
	if !ok {
		return false, nil
	}
	delete(s.buckets, name)
	b.drop()
	return true, nil
}

func (s *memoryStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type memoryBucket struct {
	name string
	seq  int

	mu      sync.RWMutex
	entries map[string]*Response
	order   []string
	dropped bool
}

func (b *memoryBucket) Name() string { return b.name }

func (b *memoryBucket) drop() {
	b.mu.Lock()
	b.entries = map[string]*Response{}
	b.order = nil
	b.dropped = true
	b.mu.Unlock()
}

func (b *memoryBucket) Match(_ context.Context, req *Request) (*Response, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	resp, ok := b.entries[req.Identity()]
	if !ok {
		return nil, false, nil
	}
	return resp.clone(), true, nil
}

func (b *memoryBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: req.Identity(), Response: resp}})
}

func (b *memoryBucket) PutAll(_ context.Context, entries []Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped {
		return fmt.Errorf("bucket %q: deleted", b.name)
	}
	for _, e := range entries {
		if _, ok := b.entries[e.Key]; !ok {
			b.order = append(b.order, e.Key)
		}
		b.entries[e.Key] = e.Response.clone()
	}
	return nil
}

func (b *memoryBucket) Delete(_ context.Context, req *Request) (bool, error) {
	key := req.Identity()
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	for i, k := range b.order {
		if k == key {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (b *memoryBucket) Keys(_ context.Context) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...), nil
}
