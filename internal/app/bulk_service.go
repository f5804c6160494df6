package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// bulkBatchSize is how many rows a bulk operation mutates per batch.
const bulkBatchSize = 5

// BulkService wraps admin-triggered bulk mutations with the same
// never-silently-lose-data guarantee the learner path has: affected rows are
// snapshotted before anything changes, mutations run in small batches, and
// each row's outcome is reported individually. One bad row never aborts the
// rest.
type BulkService struct {
	store    ProgressStore
	catalog  Catalog
	progress *ProgressService
	log      *logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewBulkService(store ProgressStore, catalog Catalog, progress *ProgressService, log *logger.Logger) *BulkService {
	return &BulkService{
		store:    store,
		catalog:  catalog,
		progress: progress,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// BulkAssignCourses creates a not_started rollup for every user that does
// not already have one for the course. Existing rollups are left untouched
// and reported as warnings.
func (s *BulkService) BulkAssignCourses(ctx context.Context, userIDs []string, courseID, reason string) (domain.BulkResult, error) {
	targets := make([]domain.BulkTarget, 0, len(userIDs))
	for _, userID := range userIDs {
		targets = append(targets, domain.BulkTarget{UserID: userID, CourseID: courseID})
	}
	return s.run(ctx, reason, targets, func(ctx context.Context, t domain.BulkTarget, result *domain.BulkResult) error {
		_, found, err := s.store.GetCourseProgress(ctx, t.UserID, t.CourseID)
		if err != nil {
			return err
		}
		if found {
			result.Warnings = append(result.Warnings, fmt.Sprintf("user %s already assigned to course %s", t.UserID, t.CourseID))
			return nil
		}
		now := s.now()
		return s.store.UpsertCourseProgress(ctx, domain.CourseProgressRecord{
			UserID:             t.UserID,
			CourseID:           t.CourseID,
			Status:             domain.StatusNotStarted,
			ProgressPercentage: 0,
			UpdatedAt:          now,
		})
	})
}

// BulkResetProgress deletes every unit row and the rollup for each target
// pair. This is the only path that removes unit progress.
func (s *BulkService) BulkResetProgress(ctx context.Context, targets []domain.BulkTarget, reason string) (domain.BulkResult, error) {
	return s.run(ctx, reason, targets, func(ctx context.Context, t domain.BulkTarget, _ *domain.BulkResult) error {
		return s.progress.ResetCourseProgress(ctx, t.UserID, t.CourseID)
	})
}

// BulkMarkComplete marks every unit of the course completed for each target
// pair and recalculates the rollup.
func (s *BulkService) BulkMarkComplete(ctx context.Context, targets []domain.BulkTarget, reason string) (domain.BulkResult, error) {
	return s.run(ctx, reason, targets, func(ctx context.Context, t domain.BulkTarget, _ *domain.BulkResult) error {
		outline, err := s.catalog.GetOutline(ctx, t.CourseID)
		if err != nil {
			return err
		}
		now := s.now()
		for _, unitID := range outline.UnitIDs {
			rec := domain.UnitProgressRecord{
				UserID:      t.UserID,
				UnitID:      unitID,
				CourseID:    t.CourseID,
				Completed:   true,
				CompletedAt: &now,
				UpdatedAt:   now,
			}
			if err := s.store.UpsertUnitProgress(ctx, rec); err != nil {
				return err
			}
		}
		_, err = s.progress.CalculateCourseProgress(ctx, t.UserID, t.CourseID)
		return err
	})
}

// run snapshots every target, then applies mutate batch by batch, isolating
// per-row failures. The snapshot write must succeed before any mutation;
// targets whose pre-image cannot be captured are reported failed and skipped.
func (s *BulkService) run(
	ctx context.Context,
	reason string,
	targets []domain.BulkTarget,
	mutate func(ctx context.Context, t domain.BulkTarget, result *domain.BulkResult) error,
) (domain.BulkResult, error) {
	backupID := s.newID()
	result := domain.BulkResult{BackupID: backupID}
	if len(targets) == 0 {
		return result, nil
	}

	now := s.now()
	snaps := make([]domain.AuditSnapshot, 0, len(targets))
	ready := make([]domain.BulkTarget, 0, len(targets))
	for _, t := range targets {
		snap := domain.AuditSnapshot{
			AuditID:   backupID,
			Reason:    reason,
			UserID:    t.UserID,
			CourseID:  t.CourseID,
			CreatedAt: now,
		}
		// A target whose pre-image cannot be read is reported failed and
		// never mutated.
		course, found, err := s.store.GetCourseProgress(ctx, t.UserID, t.CourseID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.BulkRowError{Target: t, Err: fmt.Sprintf("snapshot: %v", err)})
			continue
		}
		if found {
			courseCopy := course
			snap.CourseProgress = &courseCopy
		}
		units, err := s.store.ListUnitProgress(ctx, t.UserID, t.CourseID)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, domain.BulkRowError{Target: t, Err: fmt.Sprintf("snapshot: %v", err)})
			continue
		}
		snap.UnitProgress = units
		snaps = append(snaps, snap)
		ready = append(ready, t)
	}
	if len(snaps) > 0 {
		if err := s.store.SaveAuditSnapshots(ctx, snaps); err != nil {
			return domain.BulkResult{}, fmt.Errorf("save backup snapshots: %w", err)
		}
	}

	for start := 0; start < len(ready); start += bulkBatchSize {
		end := start + bulkBatchSize
		if end > len(ready) {
			end = len(ready)
		}
		for _, t := range ready[start:end] {
			if err := mutate(ctx, t, &result); err != nil {
				result.Failed++
				result.Errors = append(result.Errors, domain.BulkRowError{Target: t, Err: err.Error()})
				continue
			}
			result.Processed++
		}
	}

	s.log.Info("bulk operation finished",
		"backupId", backupID, "reason", reason,
		"processed", result.Processed, "failed", result.Failed)
	return result, nil
}
