package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"lms-progress-service/internal/domain"
)

// AttemptLog is an in-memory implementation of app.AttemptLog with the same
// bounding policy as the Redis one: per user, entries older than maxAge are
// pruned and only the newest maxEntries are retained.
type AttemptLog struct {
	maxEntries int
	maxAge     time.Duration
	clock      func() time.Time

	mu       sync.Mutex
	attempts map[string][]domain.CompletionAttempt
}

func NewAttemptLog(maxEntries int, maxAge time.Duration) *AttemptLog {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &AttemptLog{
		maxEntries: maxEntries,
		maxAge:     maxAge,
		clock:      time.Now,
		attempts:   make(map[string][]domain.CompletionAttempt),
	}
}

func (l *AttemptLog) Append(_ context.Context, attempt domain.CompletionAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := append(l.attempts[attempt.UserID], attempt)
	l.attempts[attempt.UserID] = l.pruneLocked(list)
	return nil
}

func (l *AttemptLog) Remove(_ context.Context, userID, attemptID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.attempts[userID]
	for i, a := range list {
		if a.ID == attemptID {
			l.attempts[userID] = append(list[:i], list[i+1:]...)
			return nil
		}
	}
	return nil
}

func (l *AttemptLog) List(_ context.Context, userID string) ([]domain.CompletionAttempt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	list := l.pruneLocked(l.attempts[userID])
	l.attempts[userID] = list
	out := make([]domain.CompletionAttempt, len(list))
	copy(out, list)
	return out, nil
}

// pruneLocked drops entries past maxAge, then trims to the newest maxEntries.
func (l *AttemptLog) pruneLocked(list []domain.CompletionAttempt) []domain.CompletionAttempt {
	cutoff := l.clock().Add(-l.maxAge)
	kept := list[:0]
	for _, a := range list {
		if a.CreatedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	if len(kept) > l.maxEntries {
		sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
		kept = kept[len(kept)-l.maxEntries:]
	}
	return kept
}
