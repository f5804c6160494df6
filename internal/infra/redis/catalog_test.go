package redis

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/infra/memory"
)

type countingLoader struct {
	memory.CatalogLoader
	calls int
}

func (l *countingLoader) LoadOutline(ctx context.Context, courseID string) (domain.CourseOutline, error) {
	l.calls++
	return l.CatalogLoader.LoadOutline(ctx, courseID)
}

func sampleOutline() domain.CourseOutline {
	return domain.CourseOutline{
		CourseID: "course-1",
		UnitIDs:  []string{"unit-1", "unit-2", "unit-3"},
	}
}

func TestCatalogCachesOutlineInRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		CatalogLoader: memory.NewStaticCatalogLoader(map[string]domain.CourseOutline{
			"course-1": sampleOutline(),
		}),
	}
	catalog := NewCatalog(newClient(mr), loader, time.Minute)
	ctx := context.Background()

	outline, err := catalog.GetOutline(ctx, "course-1")
	if err != nil {
		t.Fatalf("get outline: %v", err)
	}
	if len(outline.UnitIDs) != 3 {
		t.Fatalf("unexpected outline %+v", outline)
	}
	if loader.calls != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls)
	}
	if !mr.Exists("course:course-1:units") {
		t.Fatalf("expected cached unit set in redis")
	}

	// Second call should hit cache, loader not incremented.
	outline, err = catalog.GetOutline(ctx, "course-1")
	if err != nil {
		t.Fatalf("get outline from cache: %v", err)
	}
	if loader.calls != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls)
	}
	got := append([]string(nil), outline.UnitIDs...)
	sort.Strings(got)
	want := []string{"unit-1", "unit-2", "unit-3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("cached outline mismatch: got %v", got)
		}
	}
}

func TestCatalogReloadsAfterExpiry(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		CatalogLoader: memory.NewStaticCatalogLoader(map[string]domain.CourseOutline{
			"course-1": sampleOutline(),
		}),
	}
	catalog := NewCatalog(newClient(mr), loader, time.Minute)
	ctx := context.Background()

	if _, err := catalog.GetOutline(ctx, "course-1"); err != nil {
		t.Fatalf("get outline: %v", err)
	}

	// Past the TTL plus its 10% jitter bound.
	mr.FastForward(2 * time.Minute)

	if _, err := catalog.GetOutline(ctx, "course-1"); err != nil {
		t.Fatalf("get outline after expiry: %v", err)
	}
	if loader.calls != 2 {
		t.Fatalf("expected reload after expiry, got %d calls", loader.calls)
	}
}

func TestCatalogConcurrentFillsAcrossCourses(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	outlines := make(map[string]domain.CourseOutline)
	courseIDs := []string{"course-1", "course-2", "course-3", "course-4"}
	for _, id := range courseIDs {
		outlines[id] = domain.CourseOutline{CourseID: id, UnitIDs: []string{"unit-1", "unit-2"}}
	}
	catalog := NewCatalog(newClient(mr), memory.NewStaticCatalogLoader(outlines), time.Minute)
	ctx := context.Background()

	// Fills for different courses run in parallel; each sets its own TTL.
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for _, id := range courseIDs {
			wg.Add(1)
			go func(courseID string) {
				defer wg.Done()
				outline, err := catalog.GetOutline(ctx, courseID)
				if err != nil {
					t.Errorf("get outline %s: %v", courseID, err)
					return
				}
				if len(outline.UnitIDs) != 2 {
					t.Errorf("unexpected outline for %s: %+v", courseID, outline)
				}
			}(id)
		}
	}
	wg.Wait()

	for _, id := range courseIDs {
		if !mr.Exists("course:" + id + ":units") {
			t.Fatalf("expected cached unit set for %s", id)
		}
	}
}

func TestCatalogUnknownCourse(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	loader := &countingLoader{
		CatalogLoader: memory.NewStaticCatalogLoader(nil),
	}
	catalog := NewCatalog(newClient(mr), loader, time.Minute)

	if _, err := catalog.GetOutline(context.Background(), "course-x"); !errors.Is(err, domain.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	if mr.Exists("course:course-x:units") {
		t.Fatalf("a failed load must not leave a cache key")
	}
}
