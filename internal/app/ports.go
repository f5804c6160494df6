package app

import (
	"context"

	"lms-progress-service/internal/domain"
)

// ProgressStore abstracts the remote row store holding unit and course
// progress. Every write must be an idempotent upsert so retries are safe.
type ProgressStore interface {
	// UpsertUnitProgress merges rec into the stored row for
	// (userID, unitID, courseID). Implementations must never regress a
	// completion flag from true to false or lower a stored watch percentage.
	UpsertUnitProgress(ctx context.Context, rec domain.UnitProgressRecord) error
	ListUnitProgress(ctx context.Context, userID, courseID string) ([]domain.UnitProgressRecord, error)

	GetCourseProgress(ctx context.Context, userID, courseID string) (domain.CourseProgressRecord, bool, error)
	UpsertCourseProgress(ctx context.Context, rec domain.CourseProgressRecord) error
	// ListCourseProgress returns every stored rollup. Used by integrity
	// diagnostics; the scan is read-only.
	ListCourseProgress(ctx context.Context) ([]domain.CourseProgressRecord, error)
	// ListUnitProgressPairs returns every distinct (userID, courseID) pair
	// that has at least one unit row, whether or not a rollup exists for it.
	ListUnitProgressPairs(ctx context.Context) ([]domain.ProgressPair, error)

	// DeleteUnitProgress and DeleteCourseProgress exist only for explicit
	// admin resets.
	DeleteUnitProgress(ctx context.Context, userID, courseID string) error
	DeleteCourseProgress(ctx context.Context, userID, courseID string) error

	// SaveAuditSnapshots persists pre-mutation row images. It must complete
	// before any of the snapshotted rows are mutated.
	SaveAuditSnapshots(ctx context.Context, snaps []domain.AuditSnapshot) error
	ListAuditSnapshots(ctx context.Context, auditID string) ([]domain.AuditSnapshot, error)
}

// AttemptLog is the durable, per-user write-ahead record of completion
// attempts. Entries survive a session restart and are removed only once the
// remote write is acknowledged.
type AttemptLog interface {
	Append(ctx context.Context, attempt domain.CompletionAttempt) error
	Remove(ctx context.Context, userID, attemptID string) error
	List(ctx context.Context, userID string) ([]domain.CompletionAttempt, error)
}

// Catalog resolves a course into the flat set of unit ids that count toward
// its progress.
type Catalog interface {
	GetOutline(ctx context.Context, courseID string) (domain.CourseOutline, error)
}
