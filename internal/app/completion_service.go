package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// CompletionService implements the three idempotent completion operations.
// Each operation is write-ahead logged before the remote write, reports
// success with true, and degrades to "queued for retry" with false on a
// transient remote failure. Only structural validation failures surface as
// errors; they are never retried.
type CompletionService struct {
	userID   string
	store    ProgressStore
	attempts AttemptLog
	progress *ProgressService
	queue    *RetryQueue
	log      *logger.Logger

	maxRetries  int
	callTimeout time.Duration
	now         func() time.Time
	newID       func() string
}

// NewCompletionService builds the service and its owned retry queue for a
// single user session.
func NewCompletionService(
	userID string,
	store ProgressStore,
	attempts AttemptLog,
	progress *ProgressService,
	policy RetryPolicy,
	events QueueEvents,
	log *logger.Logger,
) *CompletionService {
	s := &CompletionService{
		userID:      userID,
		store:       store,
		attempts:    attempts,
		progress:    progress,
		log:         log,
		maxRetries:  policy.MaxRetries,
		callTimeout: policy.SendTimeout,
		now:         time.Now,
		newID:       uuid.NewString,
	}
	s.queue = NewRetryQueue(policy, s, events, log)
	return s
}

// Start arms the retry queue.
func (s *CompletionService) Start() {
	s.queue.Start()
}

// Dispose stops the retry queue. Pending attempts stay in the durable log.
func (s *CompletionService) Dispose() {
	s.queue.Dispose()
}

// MarkVideoComplete records that the learner finished a video unit. Returns
// true once the remote write is acknowledged, false if the attempt was
// queued for retry.
func (s *CompletionService) MarkVideoComplete(ctx context.Context, unitID, courseID string, watchPercentage int) (bool, error) {
	if unitID == "" || courseID == "" {
		return false, fmt.Errorf("%w: missing unit or course id", domain.ErrInvalidAttempt)
	}
	if watchPercentage < 0 || watchPercentage > 100 {
		return false, fmt.Errorf("%w: watch percentage %d out of range", domain.ErrInvalidAttempt, watchPercentage)
	}
	attempt := s.newAttempt(domain.KindVideo, unitID, courseID, domain.AttemptPayload{
		WatchPercentage: watchPercentage,
	})
	return s.submit(ctx, attempt)
}

// MarkQuizComplete records a finished quiz for the unit wrapping it.
func (s *CompletionService) MarkQuizComplete(ctx context.Context, quizID, unitID, courseID string, score int, answers map[string]string) (bool, error) {
	if quizID == "" || unitID == "" || courseID == "" {
		return false, fmt.Errorf("%w: missing quiz, unit or course id", domain.ErrInvalidAttempt)
	}
	if score < 0 {
		return false, fmt.Errorf("%w: negative score", domain.ErrInvalidAttempt)
	}
	attempt := s.newAttempt(domain.KindQuiz, unitID, courseID, domain.AttemptPayload{
		QuizID:  quizID,
		Score:   score,
		Answers: answers,
	})
	return s.submit(ctx, attempt)
}

// MarkUnitComplete records a generic unit completion (reading, manual
// override, admin action).
func (s *CompletionService) MarkUnitComplete(ctx context.Context, unitID, courseID, method string) (bool, error) {
	if unitID == "" || courseID == "" {
		return false, fmt.Errorf("%w: missing unit or course id", domain.ErrInvalidAttempt)
	}
	attempt := s.newAttempt(domain.KindUnit, unitID, courseID, domain.AttemptPayload{
		Method: method,
	})
	return s.submit(ctx, attempt)
}

// RetryFailedCompletions flushes the retry queue immediately.
func (s *CompletionService) RetryFailedCompletions(ctx context.Context) {
	s.queue.Flush(ctx)
}

// FailureQueueCount reports how many attempts are awaiting retry.
func (s *CompletionService) FailureQueueCount() int {
	return s.queue.Len()
}

// HasFailures reports whether any attempt is awaiting retry.
func (s *CompletionService) HasFailures() bool {
	return s.queue.HasFailures()
}

// RecoverPending re-enqueues attempts left in the durable log by a previous
// session, so a reload mid-retry does not lose the user's work.
func (s *CompletionService) RecoverPending(ctx context.Context) error {
	pending, err := s.attempts.List(ctx, s.userID)
	if err != nil {
		return fmt.Errorf("list pending attempts: %w", err)
	}
	for _, attempt := range pending {
		if err := s.queue.Enqueue(attempt); err != nil {
			return err
		}
	}
	if len(pending) > 0 {
		s.log.Info("recovered pending completion attempts", "userId", s.userID, "count", len(pending))
	}
	return nil
}

// SendAttempt implements Sender for the owned retry queue.
func (s *CompletionService) SendAttempt(ctx context.Context, attempt domain.CompletionAttempt) error {
	return s.apply(ctx, attempt)
}

func (s *CompletionService) newAttempt(kind domain.AttemptKind, unitID, courseID string, payload domain.AttemptPayload) domain.CompletionAttempt {
	return domain.CompletionAttempt{
		ID:         s.newID(),
		Kind:       kind,
		UnitID:     unitID,
		CourseID:   courseID,
		UserID:     s.userID,
		Payload:    payload,
		CreatedAt:  s.now(),
		RetryCount: 0,
		MaxRetries: s.maxRetries,
	}
}

// submit write-ahead logs the attempt, tries the remote write once, and
// routes a failure into the retry queue.
func (s *CompletionService) submit(ctx context.Context, attempt domain.CompletionAttempt) (bool, error) {
	if err := s.attempts.Append(ctx, attempt); err != nil {
		// The log is protection, not a gate: a completion should not be
		// refused because the local log is unavailable.
		s.log.Warn("write-ahead append failed", "attemptId", attempt.ID, "error", err)
	}

	if err := s.apply(ctx, attempt); err != nil {
		if enqErr := s.queue.Enqueue(attempt); enqErr != nil {
			return false, enqErr
		}
		return false, nil
	}
	return true, nil
}

// apply performs the idempotent remote upsert and, on success, clears the
// attempt from the durable log and recalculates course progress. Shared by
// the first-try path and queue retries.
func (s *CompletionService) apply(ctx context.Context, attempt domain.CompletionAttempt) error {
	ctx, cancel := context.WithTimeout(ctx, s.callTimeout)
	defer cancel()

	now := s.now()
	rec := domain.UnitProgressRecord{
		UserID:      attempt.UserID,
		UnitID:      attempt.UnitID,
		CourseID:    attempt.CourseID,
		Completed:   true,
		CompletedAt: &now,
		UpdatedAt:   now,
	}
	switch attempt.Kind {
	case domain.KindVideo:
		rec.VideoCompleted = true
		rec.VideoCompletedAt = &now
		rec.WatchPercentage = attempt.Payload.WatchPercentage
	case domain.KindQuiz:
		rec.QuizCompleted = true
		rec.QuizCompletedAt = &now
	}

	if err := s.store.UpsertUnitProgress(ctx, rec); err != nil {
		return fmt.Errorf("upsert unit progress: %w", err)
	}

	if err := s.attempts.Remove(ctx, attempt.UserID, attempt.ID); err != nil {
		s.log.Warn("remove acknowledged attempt from log failed", "attemptId", attempt.ID, "error", err)
	}

	// Recalculation failure does not undo the completion; the integrity
	// scan will catch any resulting drift.
	if _, err := s.progress.CalculateCourseProgress(ctx, attempt.UserID, attempt.CourseID); err != nil {
		s.log.Warn("progress recalculation failed after completion",
			"courseId", attempt.CourseID, "error", err)
	}
	return nil
}
