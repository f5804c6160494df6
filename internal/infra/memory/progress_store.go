package memory

import (
	"context"
	"sync"

	"lms-progress-service/internal/domain"
)

type unitKey struct {
	userID   string
	unitID   string
	courseID string
}

type courseKey struct {
	userID   string
	courseID string
}

// ProgressStore is an in-memory implementation of app.ProgressStore. Useful
// for local runs and tests; it applies the same never-regress merge rules as
// the Postgres store.
type ProgressStore struct {
	mu     sync.RWMutex
	units  map[unitKey]domain.UnitProgressRecord
	rollup map[courseKey]domain.CourseProgressRecord
	audits map[string][]domain.AuditSnapshot
}

func NewProgressStore() *ProgressStore {
	return &ProgressStore{
		units:  make(map[unitKey]domain.UnitProgressRecord),
		rollup: make(map[courseKey]domain.CourseProgressRecord),
		audits: make(map[string][]domain.AuditSnapshot),
	}
}

func (s *ProgressStore) UpsertUnitProgress(_ context.Context, rec domain.UnitProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := unitKey{rec.UserID, rec.UnitID, rec.CourseID}
	if existing, ok := s.units[key]; ok {
		rec = mergeUnitProgress(existing, rec)
	}
	s.units[key] = rec
	return nil
}

// mergeUnitProgress folds an incoming row into the stored one. Completion
// flags only ever go false to true, completion timestamps keep the earliest
// value, and the watch percentage keeps the maximum, so a stale retry
// landing after a newer write cannot regress state.
func mergeUnitProgress(existing, incoming domain.UnitProgressRecord) domain.UnitProgressRecord {
	merged := incoming
	merged.Completed = existing.Completed || incoming.Completed
	merged.VideoCompleted = existing.VideoCompleted || incoming.VideoCompleted
	merged.QuizCompleted = existing.QuizCompleted || incoming.QuizCompleted
	if existing.CompletedAt != nil {
		merged.CompletedAt = existing.CompletedAt
	}
	if existing.VideoCompletedAt != nil {
		merged.VideoCompletedAt = existing.VideoCompletedAt
	}
	if existing.QuizCompletedAt != nil {
		merged.QuizCompletedAt = existing.QuizCompletedAt
	}
	if existing.WatchPercentage > merged.WatchPercentage {
		merged.WatchPercentage = existing.WatchPercentage
	}
	return merged
}

func (s *ProgressStore) ListUnitProgress(_ context.Context, userID, courseID string) ([]domain.UnitProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.UnitProgressRecord
	for key, rec := range s.units {
		if key.userID == userID && key.courseID == courseID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *ProgressStore) GetCourseProgress(_ context.Context, userID, courseID string) (domain.CourseProgressRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.rollup[courseKey{userID, courseID}]
	return rec, ok, nil
}

func (s *ProgressStore) UpsertCourseProgress(_ context.Context, rec domain.CourseProgressRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rollup[courseKey{rec.UserID, rec.CourseID}] = rec
	return nil
}

func (s *ProgressStore) ListCourseProgress(_ context.Context) ([]domain.CourseProgressRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.CourseProgressRecord, 0, len(s.rollup))
	for _, rec := range s.rollup {
		out = append(out, rec)
	}
	return out, nil
}

func (s *ProgressStore) ListUnitProgressPairs(_ context.Context) ([]domain.ProgressPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[domain.ProgressPair]struct{})
	out := make([]domain.ProgressPair, 0, len(s.units))
	for key := range s.units {
		pair := domain.ProgressPair{UserID: key.userID, CourseID: key.courseID}
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		out = append(out, pair)
	}
	return out, nil
}

func (s *ProgressStore) DeleteUnitProgress(_ context.Context, userID, courseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.units {
		if key.userID == userID && key.courseID == courseID {
			delete(s.units, key)
		}
	}
	return nil
}

func (s *ProgressStore) DeleteCourseProgress(_ context.Context, userID, courseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rollup, courseKey{userID, courseID})
	return nil
}

func (s *ProgressStore) SaveAuditSnapshots(_ context.Context, snaps []domain.AuditSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, snap := range snaps {
		s.audits[snap.AuditID] = append(s.audits[snap.AuditID], snap)
	}
	return nil
}

func (s *ProgressStore) ListAuditSnapshots(_ context.Context, auditID string) ([]domain.AuditSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snaps, ok := s.audits[auditID]
	if !ok {
		return nil, domain.ErrAuditNotFound
	}
	out := make([]domain.AuditSnapshot, len(snaps))
	copy(out, snaps)
	return out, nil
}
