package testutil

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	iredis "github.com/backfila/backfila/service/internal/redis"
	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

const (
	// RedisCacheTTL defines a duration for the test cache TTL.
	RedisCacheTTL = 30 * time.Second
)

// RedisServer start a new miniredis server and registers the cleanup after the test is done.
// See https://github.com/alicebob/miniredis.
func RedisServer(tb testing.TB) *miniredis.Miniredis {
	tb.Helper()

	return miniredis.RunT(tb)
}

// RedisClient starts a new miniredis server and gives back a properly configured client for that server.
func RedisClient(tb testing.TB) (redis.UniversalClient, *miniredis.Miniredis) {
	tb.Helper()

	srv := RedisServer(tb)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	tb.Cleanup(func() { _ = client.Close() })

	return client, srv
}

// RedisCache creates a new Redis cache using a new miniredis server and redis client. A global TTL for
// cached objects can be specific (defaults to no TTL).
func RedisCache(tb testing.TB, ttl time.Duration) *iredis.Cache {
	tb.Helper()

	client, _ := RedisClient(tb)
	return iredis.NewCache(client, iredis.WithDefaultTTL(ttl))
}

// RedisCacheMock is similar to RedisCache but here we use a redismock client.
func RedisCacheMock(tb testing.TB, ttl time.Duration) (*iredis.Cache, redismock.ClientMock) {
	tb.Helper()

	client, mock := redismock.NewClientMock()

	return iredis.NewCache(client, iredis.WithDefaultTTL(ttl)), mock
}
