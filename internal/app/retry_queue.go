package app

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// Sender performs the remote write for a queued attempt.
type Sender interface {
	SendAttempt(ctx context.Context, attempt domain.CompletionAttempt) error
}

// QueueEvents decouples the retry core from whatever notification mechanism
// the UI layer uses. All callbacks are optional and invoked outside the
// queue lock.
type QueueEvents struct {
	OnQueued    func(attempt domain.CompletionAttempt)
	OnSucceeded func(attempt domain.CompletionAttempt)
	OnExhausted func(attempt domain.CompletionAttempt)
}

// RetryPolicy controls backoff behavior.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	MaxRetries   int
	// JitterWindow is the upper bound of the random jitter added to every
	// delay, spreading retries after a shared outage. Zero disables jitter.
	JitterWindow time.Duration
	// SendTimeout bounds each individual remote attempt.
	SendTimeout time.Duration
}

// DefaultRetryPolicy returns the standard backoff configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
		MaxRetries:   3,
		JitterWindow: time.Second,
		SendTimeout:  10 * time.Second,
	}
}

// Entry lifecycle: pending -> inFlight -> (dropped on success or exhaustion,
// or back to scheduled after a failed send).
type entryState int

const (
	statePending entryState = iota
	stateScheduled
	stateInFlight
)

// queueEntry wraps an attempt with its timer and state so the same entry is
// never retried concurrently by two timers.
type queueEntry struct {
	attempt domain.CompletionAttempt
	state   entryState
	timer   *time.Timer
}

// RetryQueue holds failed completion attempts and retries them with
// exponential backoff until success or exhaustion. One queue serves one user
// session; it has an explicit Start/Dispose lifecycle and is injected into
// the layers that need it rather than living in a package-level variable.
type RetryQueue struct {
	policy RetryPolicy
	sender Sender
	events QueueEvents
	log    *logger.Logger
	rnd    *rand.Rand

	mu       sync.Mutex
	entries  map[string]*queueEntry
	started  bool
	disposed bool
	inflight sync.WaitGroup
}

func NewRetryQueue(policy RetryPolicy, sender Sender, events QueueEvents, log *logger.Logger) *RetryQueue {
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = time.Second
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if policy.SendTimeout <= 0 {
		policy.SendTimeout = 10 * time.Second
	}
	return &RetryQueue{
		policy:  policy,
		sender:  sender,
		events:  events,
		log:     log,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano())),
		entries: make(map[string]*queueEntry),
	}
}

// Start arms the queue. Attempts enqueued before Start are held without a
// timer and get scheduled here.
func (q *RetryQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.disposed {
		return
	}
	q.started = true
	for key, entry := range q.entries {
		if entry.state == statePending {
			q.scheduleLocked(key, entry)
		}
	}
}

// Dispose stops all timers and rejects further enqueues. In-flight sends run
// to completion; Dispose blocks until they return. Attempts still queued
// remain in the durable attempt log for later recovery.
func (q *RetryQueue) Dispose() {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return
	}
	q.disposed = true
	for _, entry := range q.entries {
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
	q.entries = make(map[string]*queueEntry)
	q.mu.Unlock()
	q.inflight.Wait()
}

// Enqueue adds a failed attempt to the retry schedule. An attempt whose
// (kind, unitId) pair is already queued merges into the existing entry: the
// payload is replaced and the retry count carries forward incremented, so
// two competing timers can never double-write the same unit.
func (q *RetryQueue) Enqueue(attempt domain.CompletionAttempt) error {
	q.mu.Lock()
	if q.disposed {
		q.mu.Unlock()
		return domain.ErrQueueDisposed
	}
	key := attempt.DedupKey()
	if existing, ok := q.entries[key]; ok {
		merged := attempt
		merged.RetryCount = existing.attempt.RetryCount + 1
		if merged.MaxRetries == 0 {
			merged.MaxRetries = existing.attempt.MaxRetries
		}
		existing.attempt = merged
		q.mu.Unlock()
		q.log.Debug("merged completion attempt into queued entry",
			"kind", attempt.Kind, "unitId", attempt.UnitID, "retryCount", merged.RetryCount)
		return nil
	}

	entry := &queueEntry{attempt: attempt, state: statePending}
	q.entries[key] = entry
	if q.started {
		q.scheduleLocked(key, entry)
	}
	q.mu.Unlock()

	q.log.Info("completion attempt queued for retry",
		"kind", attempt.Kind, "unitId", attempt.UnitID, "courseId", attempt.CourseID,
		"retryCount", attempt.RetryCount)
	if q.events.OnQueued != nil {
		q.events.OnQueued(attempt)
	}
	return nil
}

// Flush retries every queued entry immediately, skipping the remaining
// backoff. It runs the attempts sequentially and returns once all of them
// have resolved. Backs the UI "retry now" button.
func (q *RetryQueue) Flush(ctx context.Context) {
	q.mu.Lock()
	keys := make([]string, 0, len(q.entries))
	for key, entry := range q.entries {
		if entry.state == stateInFlight {
			continue
		}
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
		entry.state = statePending
		keys = append(keys, key)
	}
	q.mu.Unlock()

	for _, key := range keys {
		q.attempt(ctx, key)
	}
}

// Len reports the number of attempts currently awaiting retry.
func (q *RetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// HasFailures reports whether any attempt is awaiting retry.
func (q *RetryQueue) HasFailures() bool {
	return q.Len() > 0
}

// scheduleLocked arms the timer for the entry's next attempt. Callers hold
// q.mu.
func (q *RetryQueue) scheduleLocked(key string, entry *queueEntry) {
	delay := q.backoffDelay(entry.attempt.RetryCount)
	entry.state = stateScheduled
	entry.timer = time.AfterFunc(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), q.policy.SendTimeout)
		defer cancel()
		q.attempt(ctx, key)
	})
}

// attempt performs one send for the keyed entry and reschedules, succeeds,
// or exhausts it based on the outcome.
func (q *RetryQueue) attempt(ctx context.Context, key string) {
	q.mu.Lock()
	entry, ok := q.entries[key]
	if !ok || q.disposed || entry.state == stateInFlight {
		q.mu.Unlock()
		return
	}
	entry.state = stateInFlight
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	attempt := entry.attempt
	q.inflight.Add(1)
	q.mu.Unlock()
	defer q.inflight.Done()

	err := q.sender.SendAttempt(ctx, attempt)

	q.mu.Lock()
	entry, ok = q.entries[key]
	if !ok || q.disposed {
		q.mu.Unlock()
		return
	}

	if err == nil {
		// The entry may have been superseded while in flight; the merged
		// payload already landed via the idempotent upsert, so dropping the
		// entry is safe either way.
		delete(q.entries, key)
		q.mu.Unlock()
		q.log.Info("queued completion attempt succeeded",
			"kind", attempt.Kind, "unitId", attempt.UnitID, "retryCount", attempt.RetryCount)
		if q.events.OnSucceeded != nil {
			q.events.OnSucceeded(attempt)
		}
		return
	}

	entry.attempt.RetryCount++
	if entry.attempt.RetryCount >= entry.attempt.MaxRetries {
		exhausted := entry.attempt
		delete(q.entries, key)
		q.mu.Unlock()
		// The attempt stays in the durable log; only the active retry
		// schedule drops it.
		q.log.Error("completion attempt exhausted retries",
			"kind", exhausted.Kind, "unitId", exhausted.UnitID,
			"retryCount", exhausted.RetryCount, "error", err)
		if q.events.OnExhausted != nil {
			q.events.OnExhausted(exhausted)
		}
		return
	}

	q.log.Warn("completion attempt failed, rescheduling",
		"kind", attempt.Kind, "unitId", attempt.UnitID,
		"retryCount", entry.attempt.RetryCount, "error", err)
	q.scheduleLocked(key, entry)
	q.mu.Unlock()
}

// backoffDelay computes min(initial * multiplier^retryCount, maxDelay) plus
// random jitter in [0, JitterWindow). Called with q.mu held, which also
// serializes access to q.rnd.
func (q *RetryQueue) backoffDelay(retryCount int) time.Duration {
	d := float64(q.policy.InitialDelay) * math.Pow(q.policy.Multiplier, float64(retryCount))
	if d > float64(q.policy.MaxDelay) {
		d = float64(q.policy.MaxDelay)
	}
	delay := time.Duration(d)
	if q.policy.JitterWindow > 0 {
		delay += time.Duration(q.rnd.Int63n(int64(q.policy.JitterWindow)))
	}
	return delay
}
