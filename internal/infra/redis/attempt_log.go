package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"lms-progress-service/internal/domain"
)

// AttemptLog is the Redis-backed durable attempt log. Attempts are stored as
// a hash per user: HSET attempts:{userID} {attemptID} {json}. The log is
// bounded: entries older than maxAge are pruned on every write and only the
// newest maxEntries are retained, so a user who never returns cannot grow
// the log forever.
type AttemptLog struct {
	client     *redis.Client
	maxEntries int
	maxAge     time.Duration
	clock      func() time.Time
}

func NewAttemptLog(client *redis.Client, maxEntries int, maxAge time.Duration) *AttemptLog {
	if maxEntries <= 0 {
		maxEntries = 50
	}
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	return &AttemptLog{
		client:     client,
		maxEntries: maxEntries,
		maxAge:     maxAge,
		clock:      time.Now,
	}
}

func (l *AttemptLog) Append(ctx context.Context, attempt domain.CompletionAttempt) error {
	data, err := json.Marshal(attempt)
	if err != nil {
		return fmt.Errorf("marshal attempt: %w", err)
	}
	key := l.key(attempt.UserID)
	if err := l.client.HSet(ctx, key, attempt.ID, data).Err(); err != nil {
		return fmt.Errorf("append attempt: %w", err)
	}
	// Refresh the key TTL so an abandoned log expires on its own.
	_ = l.client.Expire(ctx, key, l.maxAge).Err()
	_, err = l.prune(ctx, attempt.UserID)
	return err
}

func (l *AttemptLog) Remove(ctx context.Context, userID, attemptID string) error {
	return l.client.HDel(ctx, l.key(userID), attemptID).Err()
}

func (l *AttemptLog) List(ctx context.Context, userID string) ([]domain.CompletionAttempt, error) {
	attempts, err := l.load(ctx, userID)
	if err != nil {
		return nil, err
	}
	cutoff := l.clock().Add(-l.maxAge)
	kept := attempts[:0]
	for _, a := range attempts {
		if a.CreatedAt.After(cutoff) {
			kept = append(kept, a)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].CreatedAt.Before(kept[j].CreatedAt) })
	return kept, nil
}

// prune enforces the age and size bounds, returning how many entries were
// dropped.
func (l *AttemptLog) prune(ctx context.Context, userID string) (int, error) {
	attempts, err := l.load(ctx, userID)
	if err != nil {
		return 0, err
	}

	cutoff := l.clock().Add(-l.maxAge)
	var stale []string
	fresh := attempts[:0]
	for _, a := range attempts {
		if a.CreatedAt.After(cutoff) {
			fresh = append(fresh, a)
		} else {
			stale = append(stale, a.ID)
		}
	}
	if len(fresh) > l.maxEntries {
		sort.Slice(fresh, func(i, j int) bool { return fresh[i].CreatedAt.Before(fresh[j].CreatedAt) })
		for _, a := range fresh[:len(fresh)-l.maxEntries] {
			stale = append(stale, a.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := l.client.HDel(ctx, l.key(userID), stale...).Err(); err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return len(stale), nil
}

func (l *AttemptLog) load(ctx context.Context, userID string) ([]domain.CompletionAttempt, error) {
	raw, err := l.client.HGetAll(ctx, l.key(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	attempts := make([]domain.CompletionAttempt, 0, len(raw))
	for _, data := range raw {
		var a domain.CompletionAttempt
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			// Skip unreadable entries rather than blocking recovery.
			continue
		}
		attempts = append(attempts, a)
	}
	return attempts, nil
}

func (l *AttemptLog) key(userID string) string {
	return "attempts:" + userID
}
