package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"lms-progress-service/internal/domain"
)

// CatalogLoader fetches a course outline from a backing store.
type CatalogLoader interface {
	LoadOutline(ctx context.Context, courseID string) (domain.CourseOutline, error)
}

// Catalog caches course outlines with TTL to avoid repeated hierarchy
// queries on every recalculation.
type Catalog struct {
	loader CatalogLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group
	rnd    *rand.Rand

	mu    sync.RWMutex
	cache map[string]cachedOutline
}

type cachedOutline struct {
	outline   domain.CourseOutline
	expiresAt time.Time
}

func NewCatalog(loader CatalogLoader, ttl time.Duration) *Catalog {
	return &Catalog{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedOutline),
	}
}

func (c *Catalog) GetOutline(ctx context.Context, courseID string) (domain.CourseOutline, error) {
	now := c.clock()

	c.mu.RLock()
	if entry, ok := c.cache[courseID]; ok && entry.expiresAt.After(now) {
		c.mu.RUnlock()
		return entry.outline, nil
	}
	c.mu.RUnlock()

	result, err, _ := c.sf.Do(courseID, func() (interface{}, error) {
		now := c.clock()
		c.mu.RLock()
		if entry, ok := c.cache[courseID]; ok && entry.expiresAt.After(now) {
			c.mu.RUnlock()
			return entry.outline, nil
		}
		c.mu.RUnlock()

		outline, err := c.loader.LoadOutline(ctx, courseID)
		if err != nil {
			return domain.CourseOutline{}, err
		}

		c.mu.Lock()
		c.cache[courseID] = cachedOutline{
			outline:   outline,
			expiresAt: now.Add(c.ttlWithJitter()),
		}
		c.mu.Unlock()
		return outline, nil
	})
	if err != nil {
		return domain.CourseOutline{}, err
	}
	return result.(domain.CourseOutline), nil
}

func (c *Catalog) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}

// StaticCatalogLoader is a loader backed by an in-memory map (useful for
// tests/demos).
type StaticCatalogLoader struct {
	outlines map[string]domain.CourseOutline
}

func NewStaticCatalogLoader(outlines map[string]domain.CourseOutline) *StaticCatalogLoader {
	return &StaticCatalogLoader{outlines: outlines}
}

func (l *StaticCatalogLoader) LoadOutline(_ context.Context, courseID string) (domain.CourseOutline, error) {
	if outline, ok := l.outlines[courseID]; ok {
		return outline, nil
	}
	return domain.CourseOutline{}, domain.ErrCourseNotFound
}
