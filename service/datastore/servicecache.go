package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/backfila/backfila/log"
	"github.com/backfila/backfila/service/datastore/models"
	iredis "github.com/backfila/backfila/service/internal/redis"
	"github.com/redis/go-redis/v9"
)

const (
	cacheOpTimeout = 500 * time.Millisecond
	// serviceCacheTTL bounds how long a connector change takes to reach every instance.
	serviceCacheTTL = 5 * time.Minute
)

// ServiceCache is a cache for *models.Service objects, keyed by name. Cache failures are never surfaced, a miss falls
// back to the database.
type ServiceCache interface {
	Get(ctx context.Context, name string) *models.Service
	Set(ctx context.Context, s *models.Service)
}

// noOpServiceCache satisfies the ServiceCache, but does not do anything.
type noOpServiceCache struct{}

// NewNoOpServiceCache creates a new non-operational cache for service objects.
func NewNoOpServiceCache() ServiceCache {
	return &noOpServiceCache{}
}

func (*noOpServiceCache) Get(context.Context, string) *models.Service { return nil }

func (*noOpServiceCache) Set(context.Context, *models.Service) {}

// centralServiceCache is the centralized service cache backed by Redis.
type centralServiceCache struct {
	cache *iredis.Cache
}

// NewCentralServiceCache creates an interface for the centralized service cache backed by Redis.
func NewCentralServiceCache(cache *iredis.Cache) ServiceCache {
	return &centralServiceCache{cache}
}

// key generates the Redis key for a service. The name is hash tagged so that every key of a service lands on the same
// Redis Cluster slot.
func (*centralServiceCache) key(name string) string {
	return fmt.Sprintf("backfila:db:{service:%s}", name)
}

// Get a service from the cache.
func (c *centralServiceCache) Get(ctx context.Context, name string) *models.Service {
	getCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	var svc models.Service
	if err := c.cache.UnmarshalGet(getCtx, c.key(name), &svc); err != nil {
		// redis.Nil is returned when the key is not found in Redis
		if !errors.Is(err, redis.Nil) {
			log.GetLogger(log.WithContext(ctx)).WithError(err).Warn("service cache: failed to read service from cache")
		}
		return nil
	}

	return &svc
}

// Set a service in the cache.
func (c *centralServiceCache) Set(ctx context.Context, svc *models.Service) {
	setCtx, cancel := context.WithTimeout(ctx, cacheOpTimeout)
	defer cancel()

	if err := c.cache.MarshalSet(setCtx, c.key(svc.Name), svc, iredis.WithTTL(serviceCacheTTL)); err != nil {
		log.GetLogger(log.WithContext(ctx)).WithError(err).Warn("service cache: failed to write service to cache")
	}
}
