package app

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// batchConcurrency bounds the fan-out of batch recalculations.
const batchConcurrency = 4

// ProgressService derives course progress rollups from the unit-level ground
// truth. Every recalculation is a full re-derivation over the course's unit
// set, never an incremental patch, which makes it idempotent and
// order-independent regardless of upstream partial failures.
type ProgressService struct {
	store   ProgressStore
	catalog Catalog
	log     *logger.Logger
	now     func() time.Time
}

func NewProgressService(store ProgressStore, catalog Catalog, log *logger.Logger) *ProgressService {
	return &ProgressService{store: store, catalog: catalog, log: log, now: time.Now}
}

// Summary derives the current progress for a course without writing
// anything. Used by diagnostics and read-only callers.
func (p *ProgressService) Summary(ctx context.Context, userID, courseID string) (domain.ProgressSummary, error) {
	outline, err := p.catalog.GetOutline(ctx, courseID)
	if err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("load course outline: %w", err)
	}

	units, err := p.store.ListUnitProgress(ctx, userID, courseID)
	if err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("list unit progress: %w", err)
	}

	inCourse := make(map[string]struct{}, len(outline.UnitIDs))
	for _, id := range outline.UnitIDs {
		inCourse[id] = struct{}{}
	}
	completed := 0
	for _, u := range units {
		if !u.Completed {
			continue
		}
		if _, ok := inCourse[u.UnitID]; ok {
			completed++
		}
	}

	total := len(outline.UnitIDs)
	pct := 0
	if total > 0 {
		pct = int(math.Round(100 * float64(completed) / float64(total)))
	}
	return domain.ProgressSummary{
		CourseID:   courseID,
		Percentage: pct,
		Status:     domain.StatusForPercentage(pct),
		Completed:  completed,
		Total:      total,
	}, nil
}

// CalculateCourseProgress re-derives and persists the rollup for one course.
// startedAt is set only on the first transition from 0% to more, completedAt
// only on the transition into completed; both survive later recalculations.
func (p *ProgressService) CalculateCourseProgress(ctx context.Context, userID, courseID string) (domain.ProgressSummary, error) {
	summary, err := p.Summary(ctx, userID, courseID)
	if err != nil {
		return domain.ProgressSummary{}, err
	}

	existing, found, err := p.store.GetCourseProgress(ctx, userID, courseID)
	if err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("get course progress: %w", err)
	}

	now := p.now()
	rec := domain.CourseProgressRecord{
		UserID:             userID,
		CourseID:           courseID,
		Status:             summary.Status,
		ProgressPercentage: summary.Percentage,
		LastAccessedAt:     &now,
		UpdatedAt:          now,
	}
	if found {
		rec.StartedAt = existing.StartedAt
		rec.CompletedAt = existing.CompletedAt
	}
	if rec.StartedAt == nil && summary.Percentage > 0 {
		rec.StartedAt = &now
	}
	switch {
	case summary.Status == domain.StatusCompleted && rec.CompletedAt == nil:
		rec.CompletedAt = &now
	case summary.Status != domain.StatusCompleted:
		rec.CompletedAt = nil
	}

	if err := p.store.UpsertCourseProgress(ctx, rec); err != nil {
		return domain.ProgressSummary{}, fmt.Errorf("upsert course progress: %w", err)
	}
	return summary, nil
}

// ResetCourseProgress removes every unit row and the rollup for the pair.
// Admin resets route through here; learner-facing paths never delete.
func (p *ProgressService) ResetCourseProgress(ctx context.Context, userID, courseID string) error {
	if err := p.store.DeleteUnitProgress(ctx, userID, courseID); err != nil {
		return fmt.Errorf("delete unit progress: %w", err)
	}
	if err := p.store.DeleteCourseProgress(ctx, userID, courseID); err != nil {
		return fmt.Errorf("delete course progress: %w", err)
	}
	return nil
}

// CalculateBatchProgress recalculates many courses for one user and returns
// a map keyed by course id. Same algorithm as the single-course path, fanned
// out to avoid sequential round trips.
func (p *ProgressService) CalculateBatchProgress(ctx context.Context, userID string, courseIDs []string) (map[string]domain.ProgressSummary, error) {
	results := make(map[string]domain.ProgressSummary, len(courseIDs))
	var mu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for _, courseID := range courseIDs {
		courseID := courseID
		g.Go(func() error {
			summary, err := p.CalculateCourseProgress(ctx, userID, courseID)
			if err != nil {
				return fmt.Errorf("course %s: %w", courseID, err)
			}
			mu.Lock()
			results[courseID] = summary
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
