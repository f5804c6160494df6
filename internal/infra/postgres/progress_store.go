package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"lms-progress-service/internal/domain"
)

type unitProgressRow struct {
	bun.BaseModel `bun:"table:unit_progress"`

	UserID           string     `bun:"user_id,pk"`
	UnitID           string     `bun:"unit_id,pk"`
	CourseID         string     `bun:"course_id,pk"`
	Completed        bool       `bun:"completed"`
	CompletedAt      *time.Time `bun:"completed_at"`
	VideoCompleted   bool       `bun:"video_completed"`
	VideoCompletedAt *time.Time `bun:"video_completed_at"`
	QuizCompleted    bool       `bun:"quiz_completed"`
	QuizCompletedAt  *time.Time `bun:"quiz_completed_at"`
	WatchPercentage  int        `bun:"watch_percentage"`
	UpdatedAt        time.Time  `bun:"updated_at"`
}

type courseProgressRow struct {
	bun.BaseModel `bun:"table:course_progress"`

	UserID             string     `bun:"user_id,pk"`
	CourseID           string     `bun:"course_id,pk"`
	Status             string     `bun:"status"`
	ProgressPercentage int        `bun:"progress_percentage"`
	StartedAt          *time.Time `bun:"started_at"`
	CompletedAt        *time.Time `bun:"completed_at"`
	LastAccessedAt     *time.Time `bun:"last_accessed_at"`
	UpdatedAt          time.Time  `bun:"updated_at"`
}

type auditRow struct {
	bun.BaseModel `bun:"table:progress_audit"`

	ID             int64           `bun:"id,pk,autoincrement"`
	AuditID        string          `bun:"audit_id"`
	Reason         string          `bun:"reason"`
	UserID         string          `bun:"user_id"`
	CourseID       string          `bun:"course_id"`
	CourseProgress json.RawMessage `bun:"course_progress,type:jsonb,nullzero"`
	UnitProgress   json.RawMessage `bun:"unit_progress,type:jsonb,nullzero"`
	CreatedAt      time.Time       `bun:"created_at"`
}

// ProgressStore persists unit and course progress in Postgres. Unit upserts
// merge server-side: completion flags never regress, completion timestamps
// keep their earliest value, and the watch percentage keeps the maximum, so
// a stale retry landing after a newer write cannot roll state back.
type ProgressStore struct {
	db *bun.DB
}

func NewProgressStore(db *bun.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

func (s *ProgressStore) UpsertUnitProgress(ctx context.Context, rec domain.UnitProgressRecord) error {
	row := unitProgressRow{
		UserID:           rec.UserID,
		UnitID:           rec.UnitID,
		CourseID:         rec.CourseID,
		Completed:        rec.Completed,
		CompletedAt:      rec.CompletedAt,
		VideoCompleted:   rec.VideoCompleted,
		VideoCompletedAt: rec.VideoCompletedAt,
		QuizCompleted:    rec.QuizCompleted,
		QuizCompletedAt:  rec.QuizCompletedAt,
		WatchPercentage:  rec.WatchPercentage,
		UpdatedAt:        rec.UpdatedAt,
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (user_id, unit_id, course_id) DO UPDATE").
		Set("completed = unit_progress.completed OR EXCLUDED.completed").
		Set("completed_at = COALESCE(unit_progress.completed_at, EXCLUDED.completed_at)").
		Set("video_completed = unit_progress.video_completed OR EXCLUDED.video_completed").
		Set("video_completed_at = COALESCE(unit_progress.video_completed_at, EXCLUDED.video_completed_at)").
		Set("quiz_completed = unit_progress.quiz_completed OR EXCLUDED.quiz_completed").
		Set("quiz_completed_at = COALESCE(unit_progress.quiz_completed_at, EXCLUDED.quiz_completed_at)").
		Set("watch_percentage = GREATEST(unit_progress.watch_percentage, EXCLUDED.watch_percentage)").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert unit progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) ListUnitProgress(ctx context.Context, userID, courseID string) ([]domain.UnitProgressRecord, error) {
	var rows []unitProgressRow
	err := s.db.NewSelect().Model(&rows).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list unit progress: %w", err)
	}
	out := make([]domain.UnitProgressRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.UnitProgressRecord{
			UserID:           row.UserID,
			UnitID:           row.UnitID,
			CourseID:         row.CourseID,
			Completed:        row.Completed,
			CompletedAt:      row.CompletedAt,
			VideoCompleted:   row.VideoCompleted,
			VideoCompletedAt: row.VideoCompletedAt,
			QuizCompleted:    row.QuizCompleted,
			QuizCompletedAt:  row.QuizCompletedAt,
			WatchPercentage:  row.WatchPercentage,
			UpdatedAt:        row.UpdatedAt,
		})
	}
	return out, nil
}

func (s *ProgressStore) GetCourseProgress(ctx context.Context, userID, courseID string) (domain.CourseProgressRecord, bool, error) {
	var row courseProgressRow
	err := s.db.NewSelect().Model(&row).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.CourseProgressRecord{}, false, nil
	}
	if err != nil {
		return domain.CourseProgressRecord{}, false, fmt.Errorf("get course progress: %w", err)
	}
	return courseProgressFromRow(row), true, nil
}

func (s *ProgressStore) UpsertCourseProgress(ctx context.Context, rec domain.CourseProgressRecord) error {
	row := courseProgressRow{
		UserID:             rec.UserID,
		CourseID:           rec.CourseID,
		Status:             string(rec.Status),
		ProgressPercentage: rec.ProgressPercentage,
		StartedAt:          rec.StartedAt,
		CompletedAt:        rec.CompletedAt,
		LastAccessedAt:     rec.LastAccessedAt,
		UpdatedAt:          rec.UpdatedAt,
	}
	// The rollup is always a full recomputation, so the new row simply
	// replaces the old one.
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (user_id, course_id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("progress_percentage = EXCLUDED.progress_percentage").
		Set("started_at = EXCLUDED.started_at").
		Set("completed_at = EXCLUDED.completed_at").
		Set("last_accessed_at = EXCLUDED.last_accessed_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert course progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) ListCourseProgress(ctx context.Context) ([]domain.CourseProgressRecord, error) {
	var rows []courseProgressRow
	if err := s.db.NewSelect().Model(&rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list course progress: %w", err)
	}
	out := make([]domain.CourseProgressRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, courseProgressFromRow(row))
	}
	return out, nil
}

func (s *ProgressStore) ListUnitProgressPairs(ctx context.Context) ([]domain.ProgressPair, error) {
	var rows []struct {
		UserID   string `bun:"user_id"`
		CourseID string `bun:"course_id"`
	}
	err := s.db.NewSelect().Model((*unitProgressRow)(nil)).
		ColumnExpr("DISTINCT user_id, course_id").
		Scan(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("list unit progress pairs: %w", err)
	}
	out := make([]domain.ProgressPair, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ProgressPair{UserID: row.UserID, CourseID: row.CourseID})
	}
	return out, nil
}

func (s *ProgressStore) DeleteUnitProgress(ctx context.Context, userID, courseID string) error {
	_, err := s.db.NewDelete().Model((*unitProgressRow)(nil)).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete unit progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) DeleteCourseProgress(ctx context.Context, userID, courseID string) error {
	_, err := s.db.NewDelete().Model((*courseProgressRow)(nil)).
		Where("user_id = ?", userID).
		Where("course_id = ?", courseID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("delete course progress: %w", err)
	}
	return nil
}

func (s *ProgressStore) SaveAuditSnapshots(ctx context.Context, snaps []domain.AuditSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	rows := make([]auditRow, 0, len(snaps))
	for _, snap := range snaps {
		row := auditRow{
			AuditID:   snap.AuditID,
			Reason:    snap.Reason,
			UserID:    snap.UserID,
			CourseID:  snap.CourseID,
			CreatedAt: snap.CreatedAt,
		}
		if snap.CourseProgress != nil {
			data, err := json.Marshal(snap.CourseProgress)
			if err != nil {
				return fmt.Errorf("marshal course snapshot: %w", err)
			}
			row.CourseProgress = data
		}
		if len(snap.UnitProgress) > 0 {
			data, err := json.Marshal(snap.UnitProgress)
			if err != nil {
				return fmt.Errorf("marshal unit snapshot: %w", err)
			}
			row.UnitProgress = data
		}
		rows = append(rows, row)
	}
	if _, err := s.db.NewInsert().Model(&rows).Exec(ctx); err != nil {
		return fmt.Errorf("save audit snapshots: %w", err)
	}
	return nil
}

func (s *ProgressStore) ListAuditSnapshots(ctx context.Context, auditID string) ([]domain.AuditSnapshot, error) {
	var rows []auditRow
	err := s.db.NewSelect().Model(&rows).
		Where("audit_id = ?", auditID).
		Order("id ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list audit snapshots: %w", err)
	}
	if len(rows) == 0 {
		return nil, domain.ErrAuditNotFound
	}
	out := make([]domain.AuditSnapshot, 0, len(rows))
	for _, row := range rows {
		snap := domain.AuditSnapshot{
			AuditID:   row.AuditID,
			Reason:    row.Reason,
			UserID:    row.UserID,
			CourseID:  row.CourseID,
			CreatedAt: row.CreatedAt,
		}
		if len(row.CourseProgress) > 0 {
			var course domain.CourseProgressRecord
			if err := json.Unmarshal(row.CourseProgress, &course); err == nil {
				snap.CourseProgress = &course
			}
		}
		if len(row.UnitProgress) > 0 {
			_ = json.Unmarshal(row.UnitProgress, &snap.UnitProgress)
		}
		out = append(out, snap)
	}
	return out, nil
}

func courseProgressFromRow(row courseProgressRow) domain.CourseProgressRecord {
	return domain.CourseProgressRecord{
		UserID:             row.UserID,
		CourseID:           row.CourseID,
		Status:             domain.ProgressStatus(row.Status),
		ProgressPercentage: row.ProgressPercentage,
		StartedAt:          row.StartedAt,
		CompletedAt:        row.CompletedAt,
		LastAccessedAt:     row.LastAccessedAt,
		UpdatedAt:          row.UpdatedAt,
	}
}
