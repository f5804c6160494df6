package app_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/infra/memory"
	"lms-progress-service/internal/platform/logger"
)

func newBulkEnv(t *testing.T) (*memory.ProgressStore, *app.BulkService) {
	t.Helper()
	store := memory.NewProgressStore()
	catalog := fourUnitCatalog()
	log := logger.NewNop()
	progress := app.NewProgressService(store, catalog, log)
	return store, app.NewBulkService(store, catalog, progress, log)
}

func TestBulkAssignCreatesRollupsAndWarnsOnExisting(t *testing.T) {
	store, bulk := newBulkEnv(t)
	ctx := context.Background()

	// u2 already has a rollup; it must be left untouched.
	existing := domain.CourseProgressRecord{
		UserID:             "u2",
		CourseID:           "course-1",
		Status:             domain.StatusInProgress,
		ProgressPercentage: 25,
		UpdatedAt:          time.Now(),
	}
	if err := store.UpsertCourseProgress(ctx, existing); err != nil {
		t.Fatalf("seed rollup: %v", err)
	}

	result, err := bulk.BulkAssignCourses(ctx, []string{"u1", "u2", "u3"}, "course-1", "cohort onboarding")
	if err != nil {
		t.Fatalf("bulk assign: %v", err)
	}
	if result.Processed != 3 || result.Failed != 0 {
		t.Fatalf("expected 3 processed rows, got %+v", result)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("expected one already-assigned warning, got %+v", result.Warnings)
	}

	for _, userID := range []string{"u1", "u3"} {
		rollup, found, _ := store.GetCourseProgress(ctx, userID, "course-1")
		if !found || rollup.Status != domain.StatusNotStarted {
			t.Fatalf("expected not_started rollup for %s, got found=%v %+v", userID, found, rollup)
		}
	}
	rollup, _, _ := store.GetCourseProgress(ctx, "u2", "course-1")
	if rollup.ProgressPercentage != 25 {
		t.Fatalf("existing rollup must not be overwritten, got %+v", rollup)
	}
}

func TestBulkMarkCompleteIsolatesRowFailures(t *testing.T) {
	store, bulk := newBulkEnv(t)
	ctx := context.Background()

	targets := []domain.BulkTarget{
		{UserID: "u1", CourseID: "course-1"},
		{UserID: "u2", CourseID: "course-missing"},
		{UserID: "u3", CourseID: "course-1"},
	}
	result, err := bulk.BulkMarkComplete(ctx, targets, "cohort graduation")
	if err != nil {
		t.Fatalf("bulk mark complete: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 ok / 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Target.UserID != "u2" {
		t.Fatalf("expected the failing row reported, got %+v", result.Errors)
	}

	for _, userID := range []string{"u1", "u3"} {
		rollup, found, _ := store.GetCourseProgress(ctx, userID, "course-1")
		if !found || rollup.Status != domain.StatusCompleted || rollup.ProgressPercentage != 100 {
			t.Fatalf("expected %s completed, got found=%v %+v", userID, found, rollup)
		}
		units, _ := store.ListUnitProgress(ctx, userID, "course-1")
		if len(units) != 4 {
			t.Fatalf("expected 4 completed units for %s, got %d", userID, len(units))
		}
	}
}

func TestBulkResetSnapshotsBeforeDeleting(t *testing.T) {
	store, bulk := newBulkEnv(t)
	ctx := context.Background()

	now := time.Now()
	completeUnit(t, store, "u1", "unit-1", "course-1")
	seed := domain.CourseProgressRecord{
		UserID:             "u1",
		CourseID:           "course-1",
		Status:             domain.StatusInProgress,
		ProgressPercentage: 25,
		StartedAt:          &now,
		UpdatedAt:          now,
	}
	if err := store.UpsertCourseProgress(ctx, seed); err != nil {
		t.Fatalf("seed rollup: %v", err)
	}

	result, err := bulk.BulkResetProgress(ctx, []domain.BulkTarget{{UserID: "u1", CourseID: "course-1"}}, "re-enrollment")
	if err != nil {
		t.Fatalf("bulk reset: %v", err)
	}
	if result.Processed != 1 || result.Failed != 0 {
		t.Fatalf("expected one reset row, got %+v", result)
	}

	units, _ := store.ListUnitProgress(ctx, "u1", "course-1")
	if len(units) != 0 {
		t.Fatalf("expected unit rows deleted, got %d", len(units))
	}
	if _, found, _ := store.GetCourseProgress(ctx, "u1", "course-1"); found {
		t.Fatalf("expected rollup deleted")
	}

	// The deleted state is recoverable from the backup.
	snaps, err := store.ListAuditSnapshots(ctx, result.BackupID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(snaps))
	}
	if snaps[0].CourseProgress == nil || snaps[0].CourseProgress.ProgressPercentage != 25 {
		t.Fatalf("snapshot must hold the pre-reset rollup, got %+v", snaps[0].CourseProgress)
	}
	if len(snaps[0].UnitProgress) != 1 {
		t.Fatalf("snapshot must hold the pre-reset unit rows, got %d", len(snaps[0].UnitProgress))
	}
}

// listFailStore fails unit reads for one user so the snapshot pass cannot
// capture that target's pre-image.
type listFailStore struct {
	*memory.ProgressStore
	failUser string
}

func (s *listFailStore) ListUnitProgress(ctx context.Context, userID, courseID string) ([]domain.UnitProgressRecord, error) {
	if userID == s.failUser {
		return nil, errors.New("store unavailable")
	}
	return s.ProgressStore.ListUnitProgress(ctx, userID, courseID)
}

func TestBulkSkipsTargetWhenSnapshotReadFails(t *testing.T) {
	inner := memory.NewProgressStore()
	store := &listFailStore{ProgressStore: inner, failUser: "u2"}
	catalog := fourUnitCatalog()
	log := logger.NewNop()
	progress := app.NewProgressService(store, catalog, log)
	bulk := app.NewBulkService(store, catalog, progress, log)
	ctx := context.Background()

	result, err := bulk.BulkAssignCourses(ctx, []string{"u1", "u2", "u3"}, "course-1", "cohort onboarding")
	if err != nil {
		t.Fatalf("bulk assign: %v", err)
	}
	if result.Processed != 2 || result.Failed != 1 {
		t.Fatalf("expected 2 ok / 1 failed, got %+v", result)
	}
	if len(result.Errors) != 1 || result.Errors[0].Target.UserID != "u2" {
		t.Fatalf("expected the snapshot failure reported for u2, got %+v", result.Errors)
	}

	// The target without a pre-image was never mutated.
	if _, found, _ := inner.GetCourseProgress(ctx, "u2", "course-1"); found {
		t.Fatalf("u2 must not be assigned without a captured pre-image")
	}
	for _, userID := range []string{"u1", "u3"} {
		if _, found, _ := inner.GetCourseProgress(ctx, userID, "course-1"); !found {
			t.Fatalf("expected %s assigned", userID)
		}
	}

	snaps, err := inner.ListAuditSnapshots(ctx, result.BackupID)
	if err != nil {
		t.Fatalf("list snapshots: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("expected snapshots only for the mutated targets, got %d", len(snaps))
	}
}

func TestBulkEmptyTargets(t *testing.T) {
	_, bulk := newBulkEnv(t)
	result, err := bulk.BulkResetProgress(context.Background(), nil, "noop")
	if err != nil {
		t.Fatalf("bulk reset: %v", err)
	}
	if result.Processed != 0 || result.Failed != 0 || result.BackupID == "" {
		t.Fatalf("expected empty result with a backup id, got %+v", result)
	}
}
