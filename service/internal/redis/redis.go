// Package redis stores msgpack encoded objects in Redis with an expiration.
package redis

import (
	"context"
	"fmt"
	"time"

	gocache "github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/marshaler"
	libstore "github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// Cache keeps msgpack encoded objects in Redis. A zero TTL means keys never expire.
type Cache struct {
	cache      *gocache.Cache[any]
	marshaler  *marshaler.Marshaler
	defaultTTL time.Duration
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithDefaultTTL sets the expiration used when MarshalSet is not given one.
func WithDefaultTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		c.defaultTTL = ttl
	}
}

// SetOption configures a single MarshalSet call.
type SetOption func(*time.Duration)

// WithTTL overrides the default expiration for one entry.
func WithTTL(ttl time.Duration) SetOption {
	return func(d *time.Duration) {
		*d = ttl
	}
}

// NewCache creates a Cache on top of client.
func NewCache(client redis.UniversalClient, opts ...CacheOption) *Cache {
	c := &Cache{}
	for _, opt := range opts {
		opt(c)
	}

	c.cache = gocache.New[any](redisstore.NewRedis(client, libstore.WithExpiration(c.defaultTTL)))
	c.marshaler = marshaler.New(c.cache)

	return c
}

// UnmarshalGet decodes the object stored under key into object. A missing key yields redis.Nil.
func (c *Cache) UnmarshalGet(ctx context.Context, key string, object any) error {
	value, err := c.cache.Get(ctx, key)
	if err != nil {
		return err
	}

	// go-redis hands back strings, other stores may hand back bytes.
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unexpected value type %T for key %q", v, key)
	}
	if err := msgpack.Unmarshal(raw, object); err != nil {
		return fmt.Errorf("decoding value of key %q: %w", key, err)
	}

	return nil
}

// MarshalSet encodes object and stores it under key.
func (c *Cache) MarshalSet(ctx context.Context, key string, object any, opts ...SetOption) error {
	ttl := c.defaultTTL
	for _, opt := range opts {
		opt(&ttl)
	}

	return c.marshaler.Set(ctx, key, object, libstore.WithExpiration(ttl))
}
