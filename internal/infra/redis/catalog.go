package redis

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"lms-progress-service/internal/domain"
)

// CatalogLoader fetches a course outline from a backing store (e.g. the
// course hierarchy tables in Postgres).
type CatalogLoader interface {
	LoadOutline(ctx context.Context, courseID string) (domain.CourseOutline, error)
}

// Catalog caches course outlines in Redis (a set of unit ids per course)
// and falls back to a loader on cache miss.
// Unit ids are stored as: SADD course:{courseID}:units {unitID...}
type Catalog struct {
	client *redis.Client
	loader CatalogLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex // singleflight serializes per course, not across courses
	rnd   *rand.Rand
}

func NewCatalog(client *redis.Client, loader CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Catalog) GetOutline(ctx context.Context, courseID string) (domain.CourseOutline, error) {
	key := c.unitsKey(courseID)

	unitIDs, err := c.client.SMembers(ctx, key).Result()
	if err == nil && len(unitIDs) > 0 {
		return domain.CourseOutline{CourseID: courseID, UnitIDs: unitIDs}, nil
	}

	result, err, _ := c.sf.Do(courseID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		unitIDs, err := c.client.SMembers(ctx, key).Result()
		if err == nil && len(unitIDs) > 0 {
			return domain.CourseOutline{CourseID: courseID, UnitIDs: unitIDs}, nil
		}

		outline, err := c.loader.LoadOutline(ctx, courseID)
		if err != nil {
			return domain.CourseOutline{}, err
		}

		if len(outline.UnitIDs) > 0 {
			members := make([]interface{}, 0, len(outline.UnitIDs))
			for _, id := range outline.UnitIDs {
				members = append(members, id)
			}
			pipe := c.client.Pipeline()
			pipe.SAdd(ctx, key, members...)
			if ttl := c.ttlWithJitter(); ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
			_, _ = pipe.Exec(ctx)
		}

		return outline, nil
	})
	if err != nil {
		return domain.CourseOutline{}, err
	}
	return result.(domain.CourseOutline), nil
}

func (c *Catalog) unitsKey(courseID string) string {
	return "course:" + courseID + ":units"
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	jitter := c.rnd.Int63n(jitterMax + 1)
	c.rndMu.Unlock()
	return c.ttl + time.Duration(jitter)
}
