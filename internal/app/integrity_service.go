package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// sampleRecordLimit caps the example records included in a diagnosis report.
const sampleRecordLimit = 10

// IntegrityService finds and repairs drift between stored course rollups and
// the unit-level ground truth. Diagnosis is strictly read-only; repair
// snapshots every row before touching it so the operation is attributable
// and replayable.
type IntegrityService struct {
	store    ProgressStore
	progress *ProgressService
	log      *logger.Logger
	now      func() time.Time
	newID    func() string
}

func NewIntegrityService(store ProgressStore, progress *ProgressService, log *logger.Logger) *IntegrityService {
	return &IntegrityService{
		store:    store,
		progress: progress,
		log:      log,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// DiagnoseInconsistencies scans every stored rollup and reports the pairs
// whose percentage or status disagrees with what a recalculation would
// produce. Nothing is mutated.
func (s *IntegrityService) DiagnoseInconsistencies(ctx context.Context) (domain.DiagnosisReport, error) {
	inconsistent, totalUsers, warnings, err := s.scan(ctx)
	if err != nil {
		return domain.DiagnosisReport{}, err
	}

	badUsers := make(map[string]struct{})
	for _, rec := range inconsistent {
		badUsers[rec.UserID] = struct{}{}
	}

	report := domain.DiagnosisReport{
		TotalUsers:        totalUsers,
		InconsistentUsers: len(badUsers),
		HealthScore:       100,
		Warnings:          warnings,
	}
	if totalUsers > 0 {
		report.HealthScore = 100 * (1 - float64(len(badUsers))/float64(totalUsers))
	}
	if len(inconsistent) > sampleRecordLimit {
		report.SampleRecords = inconsistent[:sampleRecordLimit]
	} else {
		report.SampleRecords = inconsistent
	}
	return report, nil
}

// RepairAll snapshots every inconsistent pair under one audit id, then
// overwrites each with a fresh recalculation. All snapshots are persisted
// before the first mutation.
func (s *IntegrityService) RepairAll(ctx context.Context, reason string) (domain.RepairReport, error) {
	inconsistent, _, _, err := s.scan(ctx)
	if err != nil {
		return domain.RepairReport{}, err
	}

	auditID := s.newID()
	if len(inconsistent) == 0 {
		return domain.RepairReport{AuditID: auditID}, nil
	}

	now := s.now()
	snaps := make([]domain.AuditSnapshot, 0, len(inconsistent))
	repairable := make([]domain.InconsistentRecord, 0, len(inconsistent))
	for _, rec := range inconsistent {
		snap := domain.AuditSnapshot{
			AuditID:   auditID,
			Reason:    reason,
			UserID:    rec.UserID,
			CourseID:  rec.CourseID,
			CreatedAt: now,
		}
		// A pair whose pre-image cannot be read is never mutated.
		course, found, err := s.store.GetCourseProgress(ctx, rec.UserID, rec.CourseID)
		if err != nil {
			s.log.Error("snapshot read failed, pair skipped",
				"userId", rec.UserID, "courseId", rec.CourseID, "auditId", auditID, "error", err)
			continue
		}
		if found {
			courseCopy := course
			snap.CourseProgress = &courseCopy
		}
		units, err := s.store.ListUnitProgress(ctx, rec.UserID, rec.CourseID)
		if err != nil {
			s.log.Error("snapshot read failed, pair skipped",
				"userId", rec.UserID, "courseId", rec.CourseID, "auditId", auditID, "error", err)
			continue
		}
		snap.UnitProgress = units
		snaps = append(snaps, snap)
		repairable = append(repairable, rec)
	}
	if len(snaps) > 0 {
		if err := s.store.SaveAuditSnapshots(ctx, snaps); err != nil {
			return domain.RepairReport{}, fmt.Errorf("save audit snapshots: %w", err)
		}
	}

	report := domain.RepairReport{AuditID: auditID}
	repairedUsers := make(map[string]struct{})
	for _, rec := range repairable {
		if _, err := s.progress.CalculateCourseProgress(ctx, rec.UserID, rec.CourseID); err != nil {
			s.log.Error("repair recalculation failed",
				"userId", rec.UserID, "courseId", rec.CourseID, "auditId", auditID, "error", err)
			continue
		}
		report.RecordsUpdated++
		repairedUsers[rec.UserID] = struct{}{}
	}
	report.UsersAffected = len(repairedUsers)

	s.log.Info("integrity repair finished",
		"auditId", auditID, "reason", reason,
		"recordsUpdated", report.RecordsUpdated, "usersAffected", report.UsersAffected)
	return report, nil
}

// scan walks all stored rollups and classifies each against a fresh
// derivation, then sweeps unit rows for pairs that never got a rollup at
// all. Courses whose outline cannot be loaded produce a warning instead of
// failing the whole scan.
func (s *IntegrityService) scan(ctx context.Context) ([]domain.InconsistentRecord, int, []string, error) {
	rows, err := s.store.ListCourseProgress(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("list course progress: %w", err)
	}

	users := make(map[string]struct{})
	rolled := make(map[domain.ProgressPair]struct{}, len(rows))
	var inconsistent []domain.InconsistentRecord
	var warnings []string

	for _, row := range rows {
		rolled[domain.ProgressPair{UserID: row.UserID, CourseID: row.CourseID}] = struct{}{}
		users[row.UserID] = struct{}{}

		expected, err := s.progress.Summary(ctx, row.UserID, row.CourseID)
		if err != nil {
			if errors.Is(err, domain.ErrCourseNotFound) {
				warnings = append(warnings, fmt.Sprintf("course %s has a rollup for user %s but no outline", row.CourseID, row.UserID))
				continue
			}
			return nil, 0, nil, err
		}

		reason := classify(row, expected)
		if reason == "" {
			continue
		}
		inconsistent = append(inconsistent, domain.InconsistentRecord{
			UserID:             row.UserID,
			CourseID:           row.CourseID,
			StoredPercentage:   row.ProgressPercentage,
			StoredStatus:       row.Status,
			ExpectedPercentage: expected.Percentage,
			ExpectedStatus:     expected.Status,
			Reason:             reason,
		})
	}

	// A failed first recalculation leaves unit rows with no rollup at all,
	// which the rollup walk above cannot see.
	pairs, err := s.store.ListUnitProgressPairs(ctx)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("list unit progress pairs: %w", err)
	}
	for _, pair := range pairs {
		if _, ok := rolled[pair]; ok {
			continue
		}
		expected, err := s.progress.Summary(ctx, pair.UserID, pair.CourseID)
		if err != nil {
			if errors.Is(err, domain.ErrCourseNotFound) {
				warnings = append(warnings, fmt.Sprintf("course %s has unit progress for user %s but no outline", pair.CourseID, pair.UserID))
				continue
			}
			return nil, 0, nil, err
		}
		users[pair.UserID] = struct{}{}
		if expected.Percentage == 0 {
			continue
		}
		inconsistent = append(inconsistent, domain.InconsistentRecord{
			UserID:             pair.UserID,
			CourseID:           pair.CourseID,
			StoredPercentage:   0,
			StoredStatus:       domain.StatusNotStarted,
			ExpectedPercentage: expected.Percentage,
			ExpectedStatus:     expected.Status,
			Reason:             "completed units with no stored rollup",
		})
	}
	return inconsistent, len(users), warnings, nil
}

// classify returns a non-empty reason when the stored rollup disagrees with
// the derived one or contradicts itself.
func classify(stored domain.CourseProgressRecord, expected domain.ProgressSummary) string {
	switch {
	case stored.Status == domain.StatusCompleted && stored.ProgressPercentage < 100:
		return "status completed with percentage below 100"
	case stored.Status == domain.StatusNotStarted && stored.ProgressPercentage > 0:
		return "status not_started with percentage above 0"
	case stored.ProgressPercentage != expected.Percentage:
		return fmt.Sprintf("stored percentage %d, derived %d", stored.ProgressPercentage, expected.Percentage)
	case stored.Status != expected.Status:
		return fmt.Sprintf("stored status %s, derived %s", stored.Status, expected.Status)
	}
	return ""
}
