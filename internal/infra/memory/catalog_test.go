package memory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"lms-progress-service/internal/domain"
)

type countingLoader struct {
	calls   int32
	outline domain.CourseOutline
}

func (l *countingLoader) LoadOutline(_ context.Context, courseID string) (domain.CourseOutline, error) {
	atomic.AddInt32(&l.calls, 1)
	if courseID != l.outline.CourseID {
		return domain.CourseOutline{}, domain.ErrCourseNotFound
	}
	return l.outline, nil
}

func TestCatalogCachesOutline(t *testing.T) {
	loader := &countingLoader{outline: domain.CourseOutline{
		CourseID: "course-1",
		UnitIDs:  []string{"unit-1", "unit-2"},
	}}
	catalog := NewCatalog(loader, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		outline, err := catalog.GetOutline(ctx, "course-1")
		if err != nil {
			t.Fatalf("get outline: %v", err)
		}
		if len(outline.UnitIDs) != 2 {
			t.Fatalf("unexpected outline %+v", outline)
		}
	}
	if n := atomic.LoadInt32(&loader.calls); n != 1 {
		t.Fatalf("expected one loader call, got %d", n)
	}
}

func TestCatalogExpiresAfterTTL(t *testing.T) {
	loader := &countingLoader{outline: domain.CourseOutline{
		CourseID: "course-1",
		UnitIDs:  []string{"unit-1"},
	}}
	catalog := NewCatalog(loader, time.Minute)
	ctx := context.Background()

	if _, err := catalog.GetOutline(ctx, "course-1"); err != nil {
		t.Fatalf("get outline: %v", err)
	}

	// Jump past the TTL including its jitter.
	future := time.Now().Add(2 * time.Minute)
	catalog.clock = func() time.Time { return future }

	if _, err := catalog.GetOutline(ctx, "course-1"); err != nil {
		t.Fatalf("get outline after expiry: %v", err)
	}
	if n := atomic.LoadInt32(&loader.calls); n != 2 {
		t.Fatalf("expected reload after TTL, got %d calls", n)
	}
}

func TestCatalogPropagatesNotFound(t *testing.T) {
	loader := &countingLoader{outline: domain.CourseOutline{CourseID: "course-1"}}
	catalog := NewCatalog(loader, time.Minute)

	if _, err := catalog.GetOutline(context.Background(), "course-x"); !errors.Is(err, domain.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound, got %v", err)
	}
	// Errors are not cached.
	if _, err := catalog.GetOutline(context.Background(), "course-x"); !errors.Is(err, domain.ErrCourseNotFound) {
		t.Fatalf("expected ErrCourseNotFound on second call, got %v", err)
	}
	if n := atomic.LoadInt32(&loader.calls); n != 2 {
		t.Fatalf("expected loader called per failed lookup, got %d", n)
	}
}
