package swcache

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"hash/crc32"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// On-disk layout:
//
//	n:<bucket>                   -> bucketMeta
//	e:<bucket>\x00<identity>     -> storedEntry
const (
	metaPrefix  = "n:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type bucketMeta struct {
	Seq       int64
	CreatedAt int64 // unix seconds
}

type storedEntry struct {
	Status     int
	StatusText string
	Header     http.Header
	Body       []byte
	Type       string
	URL        string
	StoredAt   int64 // unix seconds
	Hash32     uint32
}

func newStoredEntry(resp *Response) storedEntry {
	return storedEntry{
		Status:     resp.Status,
		StatusText: resp.StatusText,
		Header:     cloneHeader(resp.Header),
		Body:       resp.Body,
		Type:       string(resp.Type),
		URL:        resp.URL,
		StoredAt:   time.Now().Unix(),
		Hash32:     crc32.ChecksumIEEE(resp.Body),
	}
}

func (e storedEntry) response() *Response {
	return &Response{
		Status:     e.Status,
		StatusText: e.StatusText,
		Header:     e.Header,
		Body:       e.Body,
		Type:       ResponseType(e.Type),
		URL:        e.URL,
	}
}

type diskOp struct {
	bucket  string
	create  bool
	entries []Entry
	drop    bool
	delKey  string
	done    chan diskResult
}

type diskResult struct {
	existed bool
	err     error
}

type leveldbStorage struct {
	db *leveldb.DB

	mu      sync.Mutex
	seq     int64
	closed  bool
	ops     chan diskOp
	done    chan struct{}
	closeMu sync.RWMutex
}

// NewLevelDBStorage opens (or creates) a persistent Storage at path. All
// writes go through a single writer goroutine.
func NewLevelDBStorage(path string) (Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	s := &leveldbStorage{
		db:   db,
		ops:  make(chan diskOp, 1024),
		done: make(chan struct{}),
	}
	metas, err := s.loadMetas()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, m := range metas {
		if m.meta.Seq > s.seq {
			s.seq = m.meta.Seq
		}
	}
	go s.writerLoop()
	return s, nil
}

type namedMeta struct {
	name string
	meta bucketMeta
}

func (s *leveldbStorage) loadMetas() ([]namedMeta, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(metaPrefix)), nil)
	defer it.Release()

	var out []namedMeta
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte(metaPrefix)))
		var meta bucketMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		out = append(out, namedMeta{name: name, meta: meta})
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].meta.Seq < out[j].meta.Seq })
	return out, nil
}

// submit hands an op to the writer and waits for its result.
func (s *leveldbStorage) submit(ctx context.Context, op diskOp) (diskResult, error) {
	s.closeMu.RLock()
	if s.closed {
		s.closeMu.RUnlock()
		return diskResult{}, ErrClosed
	}
	op.done = make(chan diskResult, 1)
	select {
	case s.ops <- op:
	case <-ctx.Done():
		s.closeMu.RUnlock()
		return diskResult{}, ctx.Err()
	}
	s.closeMu.RUnlock()

	select {
	case res := <-op.done:
		return res, res.err
	case <-ctx.Done():
		return diskResult{}, ctx.Err()
	}
}

func (s *leveldbStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if _, err := s.submit(ctx, diskOp{bucket: name, create: true}); err != nil {
		return nil, err
	}
	return &leveldbBucket{s: s, name: name}, nil
}

func (s *leveldbStorage) Has(_ context.Context, name string) (bool, error) {
	if s.isClosed() {
		return false, ErrClosed
	}
	return s.db.Has([]byte(metaPrefix+name), nil)
}

func (s *leveldbStorage) Keys(_ context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}
	metas, err := s.loadMetas()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(metas))
	for _, m := range metas {
		out = append(out, m.name)
	}
	return out, nil
}

func (s *leveldbStorage) Delete(ctx context.Context, name string) (bool, error) {
	res, err := s.submit(ctx, diskOp{bucket: name, drop: true})
	if err != nil {
		return false, err
	}
	return res.existed, nil
}

func (s *leveldbStorage) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()
	<-s.done
	return s.db.Close()
}

func (s *leveldbStorage) isClosed() bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	return s.closed
}

func (s *leveldbStorage) writerLoop() {
	defer close(s.done)
	for op := range s.ops {
		var res diskResult
		switch {
		case op.create:
			res.err = s.applyCreate(op.bucket)
		case op.drop:
			res.existed, res.err = s.applyDrop(op.bucket)
		case op.delKey != "":
			res.existed, res.err = s.applyDeleteEntry(op.bucket, op.delKey)
		default:
			res.err = s.applyPut(op.bucket, op.entries)
		}
		op.done <- res
	}
}

func (s *leveldbStorage) applyCreate(name string) error {
	ok, err := s.db.Has([]byte(metaPrefix+name), nil)
	if err != nil || ok {
		return err
	}
	s.mu.Lock()
	s.seq++
	meta := bucketMeta{Seq: s.seq, CreatedAt: time.Now().Unix()}
	s.mu.Unlock()
	b, err := encodeGob(meta)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(metaPrefix+name), b, nil)
}

func (s *leveldbStorage) applyPut(name string, entries []Entry) error {
	ok, err := s.db.Has([]byte(metaPrefix+name), nil)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q: deleted", name)
	}
	batch := new(leveldb.Batch)
	for _, e := range entries {
		b, err := encodeGob(newStoredEntry(e.Response))
		if err != nil {
			return fmt.Errorf("encode %q: %w", e.Key, err)
		}
		batch.Put(entryKey(name, e.Key), b)
	}
	return s.db.Write(batch, nil)
}

func (s *leveldbStorage) applyDrop(name string) (bool, error) {
	existed, err := s.db.Has([]byte(metaPrefix+name), nil)
	if err != nil {
		return false, err
	}
	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKey(name, "")), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, err
	}
	batch.Delete([]byte(metaPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, err
	}
	return existed, nil
}

func (s *leveldbStorage) applyDeleteEntry(name, key string) (bool, error) {
	k := entryKey(name, key)
	existed, err := s.db.Has(k, nil)
	if err != nil || !existed {
		return false, err
	}
	return true, s.db.Delete(k, nil)
}

func entryKey(bucket, identity string) []byte {
	return []byte(entryPrefix + bucket + keySep + identity)
}

type leveldbBucket struct {
	s    *leveldbStorage
	name string
}

func (b *leveldbBucket) Name() string { return b.name }

func (b *leveldbBucket) Match(_ context.Context, req *Request) (*Response, bool, error) {
	if b.s.isClosed() {
		return nil, false, ErrClosed
	}
	raw, err := b.s.db.Get(entryKey(b.name, req.Identity()), nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var ent storedEntry
	if err := decodeGob(raw, &ent); err != nil {
		return nil, false, fmt.Errorf("decode %q: %w", req.Identity(), err)
	}
	return ent.response(), true, nil
}

func (b *leveldbBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: req.Identity(), Response: resp}})
}

func (b *leveldbBucket) PutAll(ctx context.Context, entries []Entry) error {
	_, err := b.s.submit(ctx, diskOp{bucket: b.name, entries: entries})
	return err
}

func (b *leveldbBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	res, err := b.s.submit(ctx, diskOp{bucket: b.name, delKey: req.Identity()})
	if err != nil {
		return false, err
	}
	return res.existed, nil
}

func (b *leveldbBucket) Keys(_ context.Context) ([]string, error) {
	if b.s.isClosed() {
		return nil, ErrClosed
	}
	prefix := entryKey(b.name, "")
	it := b.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(it.Key()[len(prefix):]))
	}
	return out, it.Error()
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
