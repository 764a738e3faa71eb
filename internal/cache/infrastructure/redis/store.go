package redis

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"evcc-ingest/internal/cache"
)

const (
	defaultPrefix = "evcc-ingest:"
	fieldValue    = "value"
	fieldLastSeen = "last_write_at"
	scanCount     = 256
)

var errNilClient = errors.New("redis store: nil client")

// Store keeps one namespace as a Redis hash per key.
type Store struct {
	client    goredis.UniversalClient
	prefix    string
	namespace string
}

// Option configures the store.
type Option func(*Store)

// WithPrefix overrides the key prefix shared by all namespaces.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// NewStore constructs a store for one namespace.
func NewStore(client goredis.UniversalClient, namespace string, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errNilClient
	}
	if namespace == "" {
		return nil, errors.New("redis store: empty namespace")
	}
	s := &Store{client: client, prefix: defaultPrefix, namespace: namespace}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewNamespaces mounts the cache and write namespaces on one client.
func NewNamespaces(client goredis.UniversalClient, opts ...Option) (cache.Namespaces, error) {
	c, err := NewStore(client, cache.NamespaceCache, opts...)
	if err != nil {
		return cache.Namespaces{}, err
	}
	w, err := NewStore(client, cache.NamespaceWrite, opts...)
	if err != nil {
		return cache.Namespaces{}, err
	}
	return cache.Namespaces{Cache: c, Write: w}, nil
}

func (s *Store) redisKey(key string) string {
	return s.prefix + s.namespace + ":" + key
}

func (s *Store) namespacePrefix() string {
	return s.prefix + s.namespace + ":"
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, errNilClient
	}
	value, err := s.client.HGet(ctx, s.redisKey(key), fieldValue).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set stores value under key, keeping existing meta.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s == nil || s.client == nil {
		return errNilClient
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	return s.client.HSet(ctx, s.redisKey(key), fieldValue, value).Err()
}

// GetMeta returns the meta stored under key.
func (s *Store) GetMeta(ctx context.Context, key string) (cache.Meta, bool, error) {
	if s == nil || s.client == nil {
		return cache.Meta{}, false, errNilClient
	}
	raw, err := s.client.HGet(ctx, s.redisKey(key), fieldLastSeen).Result()
	if errors.Is(err, goredis.Nil) {
		return cache.Meta{}, false, nil
	}
	if err != nil {
		return cache.Meta{}, false, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return cache.Meta{}, false, err
	}
	return cache.Meta{LastWriteAt: time.UnixMilli(ms).UTC()}, true, nil
}

// SetMeta stores meta under key, keeping the existing value.
func (s *Store) SetMeta(ctx context.Context, key string, meta cache.Meta) error {
	if s == nil || s.client == nil {
		return errNilClient
	}
	if key == "" {
		return cache.ErrEmptyKey
	}
	return s.client.HSet(ctx, s.redisKey(key), fieldLastSeen, meta.LastWriteAt.UnixMilli()).Err()
}

// Delete removes key from the namespace.
func (s *Store) Delete(ctx context.Context, key string) error {
	if s == nil || s.client == nil {
		return errNilClient
	}
	return s.client.Del(ctx, s.redisKey(key)).Err()
}

// Keys returns the sorted keys starting with prefix.
func (s *Store) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errNilClient
	}
	base := s.namespacePrefix()
	match := escapeGlob(base+prefix) + "*"

	seen := make(map[string]struct{})
	iter := s.client.Scan(ctx, 0, match, scanCount).Iterator()
	for iter.Next(ctx) {
		seen[strings.TrimPrefix(iter.Val(), base)] = struct{}{}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globEscaper.Replace(s)
}
