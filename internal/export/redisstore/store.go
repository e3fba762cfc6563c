// Package redisstore keeps finished consultations in Redis.
//
// Each consultation is a hash under <prefix><sessionID> with a "record"
// field holding the JSON form and a "text" field holding the rendered
// document. A sorted set <prefix>index scores session IDs by start time.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/MrWong99/consultflow/internal/export"
)

// DefaultPrefix namespaces every key.
const DefaultPrefix = "consultflow:consultation:"

var (
	_ export.Store  = (*Store)(nil)
	_ export.Lister = (*Store)(nil)
)

// Store is safe for concurrent use.
type Store struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option { return func(s *Store) { s.prefix = p } }

// WithTTL expires records after d. Zero keeps them forever.
func WithTTL(d time.Duration) Option { return func(s *Store) { s.ttl = d } }

// New wraps an existing client.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: DefaultPrefix}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Dial connects to addr and pings it.
func Dial(ctx context.Context, addr, password string, db int, opts ...Option) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", addr, err)
	}
	return New(client, opts...), nil
}

func (s *Store) key(id string) string { return s.prefix + id }
func (s *Store) index() string        { return s.prefix + "index" }

// Save writes the record hash and indexes it in one transaction.
func (s *Store) Save(ctx context.Context, r export.Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("redisstore: save: %w", err)
	}
	key := s.key(r.SessionID)
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, "record", data, "text", export.Text(r))
		if s.ttl > 0 {
			p.Expire(ctx, key, s.ttl)
		}
		p.ZAdd(ctx, s.index(), redis.Z{Score: float64(r.StartedAt.Unix()), Member: r.SessionID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redisstore: save %s: %w", key, err)
	}
	return nil
}

// Load reads the record field of sessionID.
func (s *Store) Load(ctx context.Context, sessionID string) (export.Record, error) {
	key := s.key(sessionID)
	val, err := s.client.HGet(ctx, key, "record").Result()
	if errors.Is(err, redis.Nil) {
		return export.Record{}, export.ErrNotFound
	}
	if err != nil {
		return export.Record{}, fmt.Errorf("redisstore: HGET %s: %w", key, err)
	}
	var r export.Record
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return export.Record{}, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return r, nil
}

// Text returns the rendered document of sessionID.
func (s *Store) Text(ctx context.Context, sessionID string) (string, error) {
	key := s.key(sessionID)
	val, err := s.client.HGet(ctx, key, "text").Result()
	if errors.Is(err, redis.Nil) {
		return "", export.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("redisstore: HGET %s: %w", key, err)
	}
	return val, nil
}

// Recent returns up to n session IDs, newest first.
func (s *Store) Recent(ctx context.Context, n int64) ([]string, error) {
	if n <= 0 {
		n = 20
	}
	ids, err := s.client.ZRevRange(ctx, s.index(), 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: recent: %w", err)
	}
	return ids, nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redisstore: ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error { return s.client.Close() }
