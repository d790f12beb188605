package swcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix = "swcache"
	// Opening any bucket touches the watched name set, so concurrent opens
	// abort in-flight puts.
	redisTxAttempts = 10
)

// redisStorage keeps the bucket name list in a sorted set scored by creation
// time and each bucket in its own hash keyed by request identity. It lets
// several proxy replicas share one set of buckets.
type redisStorage struct {
	client *redis.Client
	prefix string
}

// NewRedisStorage connects to the Redis instance at rawURL and verifies it
// with a ping.
func NewRedisStorage(rawURL, prefix string) (Storage, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return newRedisStorageFromClient(client, prefix), nil
}

func newRedisStorageFromClient(client *redis.Client, prefix string) *redisStorage {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &redisStorage{client: client, prefix: prefix}
}

func (s *redisStorage) namesKey() string { return s.prefix + ":buckets" }

func (s *redisStorage) bucketKey(name string) string { return s.prefix + ":bucket:" + name }

func (s *redisStorage) Open(ctx context.Context, name string) (Bucket, error) {
	score := float64(time.Now().UnixNano())
	if err := s.client.ZAddNX(ctx, s.namesKey(), redis.Z{Score: score, Member: name}).Err(); err != nil {
		return nil, fmt.Errorf("redis open %q: %w", name, err)
	}
	return &redisBucket{s: s, name: name}, nil
}

func (s *redisStorage) Has(ctx context.Context, name string) (bool, error) {
	err := s.client.ZScore(ctx, s.namesKey(), name).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis has %q: %w", name, err)
	}
	return true, nil
}

func (s *redisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := s.client.ZRange(ctx, s.namesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}
	return names, nil
}

func (s *redisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var rem *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		rem = p.ZRem(ctx, s.namesKey(), name)
		p.Del(ctx, s.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("redis delete %q: %w", name, err)
	}
	return rem.Val() > 0, nil
}

func (s *redisStorage) Close() error {
	return s.client.Close()
}

type redisBucket struct {
	s    *redisStorage
	name string
}

func (b *redisBucket) Name() string { return b.name }

func (b *redisBucket) Match(ctx context.Context, req *Request) (*Response, bool, error) {
	data, err := b.s.client.HGet(ctx, b.s.bucketKey(b.name), req.Identity()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get %q: %w", req.Identity(), err)
	}
	resp, err := decodeEnvelope(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode cached payload %q: %w", req.Identity(), err)
	}
	return resp, true, nil
}

func (b *redisBucket) Put(ctx context.Context, req *Request, resp *Response) error {
	return b.PutAll(ctx, []Entry{{Key: req.Identity(), Response: resp}})
}

func (b *redisBucket) PutAll(ctx context.Context, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	fields := make([]any, 0, 2*len(entries))
	for _, e := range entries {
		data, err := encodeEnvelope(e.Response, now)
		if err != nil {
			return fmt.Errorf("encode cached payload %q: %w", e.Key, err)
		}
		fields = append(fields, e.Key, data)
	}

	// Refuse to resurrect a bucket that was pruned while a write was pending.
	put := func(tx *redis.Tx) error {
		if err := tx.ZScore(ctx, b.s.namesKey(), b.name).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("bucket %q: deleted", b.name)
			}
			return err
		}
		_, err := tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.HSet(ctx, b.s.bucketKey(b.name), fields...)
			return nil
		})
		return err
	}
	err := retryTx(ctx, redisTxAttempts, func() error {
		return b.s.client.Watch(ctx, put, b.s.namesKey())
	})
	if err != nil {
		return fmt.Errorf("redis put %q: %w", b.name, err)
	}
	return nil
}

func (b *redisBucket) Delete(ctx context.Context, req *Request) (bool, error) {
	n, err := b.s.client.HDel(ctx, b.s.bucketKey(b.name), req.Identity()).Result()
	if err != nil {
		return false, fmt.Errorf("redis delete %q: %w", req.Identity(), err)
	}
	return n > 0, nil
}

func (b *redisBucket) Keys(ctx context.Context) ([]string, error) {
	keys, err := b.s.client.HKeys(ctx, b.s.bucketKey(b.name)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %q: %w", b.name, err)
	}
	return keys, nil
}

// retryTx runs fn until it succeeds, fails with something other than an
// aborted transaction, or attempts run out.
func retryTx(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !errors.Is(err, redis.TxFailedErr) {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
	}
	return err
}
