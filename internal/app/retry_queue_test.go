package app_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"lms-progress-service/internal/app"
	"lms-progress-service/internal/domain"
	"lms-progress-service/internal/platform/logger"
)

// scriptedSender fails a configured number of times before succeeding and
// records when each send happened.
type scriptedSender struct {
	mu       sync.Mutex
	failures int
	calls    []time.Time
}

func (s *scriptedSender) SendAttempt(_ context.Context, _ domain.CompletionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if s.failures > 0 {
		s.failures--
		return context.DeadlineExceeded
	}
	return nil
}

func (s *scriptedSender) callTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.calls))
	copy(out, s.calls)
	return out
}

func testPolicy() app.RetryPolicy {
	return app.RetryPolicy{
		InitialDelay: 20 * time.Millisecond,
		MaxDelay:     160 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   3,
		JitterWindow: 0,
		SendTimeout:  time.Second,
	}
}

func testAttempt(kind domain.AttemptKind, unitID string) domain.CompletionAttempt {
	return domain.CompletionAttempt{
		ID:         "attempt-" + unitID,
		Kind:       kind,
		UnitID:     unitID,
		CourseID:   "course-1",
		UserID:     "u1",
		CreatedAt:  time.Now(),
		MaxRetries: 3,
	}
}

func TestRetryTerminationAndMonotonicBackoff(t *testing.T) {
	sender := &scriptedSender{failures: 100}
	exhausted := make(chan domain.CompletionAttempt, 1)
	queue := app.NewRetryQueue(testPolicy(), sender, app.QueueEvents{
		OnExhausted: func(a domain.CompletionAttempt) { exhausted <- a },
	}, logger.NewNop())
	defer queue.Dispose()
	queue.Start()

	if err := queue.Enqueue(testAttempt(domain.KindUnit, "unit-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var final domain.CompletionAttempt
	select {
	case final = <-exhausted:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected exhaustion, queue len=%d", queue.Len())
	}

	if final.RetryCount != 3 {
		t.Fatalf("expected retryCount 3 on exhaustion, got %d", final.RetryCount)
	}
	calls := sender.callTimes()
	if len(calls) != 3 {
		t.Fatalf("expected exactly 3 retries, got %d", len(calls))
	}
	// Each delay must be at least as long as the previous one. Allow a
	// small scheduling tolerance.
	for i := 2; i < len(calls); i++ {
		prev := calls[i-1].Sub(calls[i-2])
		cur := calls[i].Sub(calls[i-1])
		if cur+5*time.Millisecond < prev {
			t.Fatalf("backoff not monotonic: gap %v after gap %v", cur, prev)
		}
	}
	if queue.Len() != 0 {
		t.Fatalf("expected exhausted entry dropped from queue, len=%d", queue.Len())
	}
}

func TestDedupMergesCompetingAttempts(t *testing.T) {
	sender := &scriptedSender{}
	queue := app.NewRetryQueue(testPolicy(), sender, app.QueueEvents{}, logger.NewNop())
	defer queue.Dispose()
	// Not started: entries accumulate without timers so the merge is
	// observable.

	if err := queue.Enqueue(testAttempt(domain.KindVideo, "unit-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second := testAttempt(domain.KindVideo, "unit-1")
	second.ID = "attempt-newer"
	if err := queue.Enqueue(second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}

	if queue.Len() != 1 {
		t.Fatalf("expected one merged entry, got %d", queue.Len())
	}

	// A different unit gets its own entry.
	if err := queue.Enqueue(testAttempt(domain.KindVideo, "unit-2")); err != nil {
		t.Fatalf("enqueue other unit: %v", err)
	}
	if queue.Len() != 2 {
		t.Fatalf("expected two entries, got %d", queue.Len())
	}
}

func TestDedupCarriesRetryCountForward(t *testing.T) {
	// The merged entry exhausts earlier because the second push already
	// counts as a retry: with maxRetries 2 and one merge, a single failed
	// send exhausts it.
	sender := &scriptedSender{failures: 100}
	policy := testPolicy()
	policy.MaxRetries = 2
	exhausted := make(chan domain.CompletionAttempt, 1)
	queue := app.NewRetryQueue(policy, sender, app.QueueEvents{
		OnExhausted: func(a domain.CompletionAttempt) { exhausted <- a },
	}, logger.NewNop())
	defer queue.Dispose()

	first := testAttempt(domain.KindQuiz, "unit-1")
	first.MaxRetries = 2
	second := testAttempt(domain.KindQuiz, "unit-1")
	second.MaxRetries = 2
	if err := queue.Enqueue(first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := queue.Enqueue(second); err != nil {
		t.Fatalf("enqueue second: %v", err)
	}
	queue.Start()

	select {
	case final := <-exhausted:
		if final.RetryCount != 2 {
			t.Fatalf("expected merged retryCount 2, got %d", final.RetryCount)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected exhaustion after merge")
	}
	if len(sender.callTimes()) != 1 {
		t.Fatalf("expected a single send for the merged entry, got %d", len(sender.callTimes()))
	}
}

func TestFlushRetriesImmediately(t *testing.T) {
	sender := &scriptedSender{}
	succeeded := make(chan domain.CompletionAttempt, 1)
	queue := app.NewRetryQueue(testPolicy(), sender, app.QueueEvents{
		OnSucceeded: func(a domain.CompletionAttempt) { succeeded <- a },
	}, logger.NewNop())
	defer queue.Dispose()

	if err := queue.Enqueue(testAttempt(domain.KindUnit, "unit-1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	queue.Flush(context.Background())

	select {
	case <-succeeded:
	default:
		t.Fatalf("expected success event from flush")
	}
	if queue.Len() != 0 {
		t.Fatalf("expected empty queue after flush, len=%d", queue.Len())
	}
}

func TestDisposeRejectsFurtherEnqueues(t *testing.T) {
	queue := app.NewRetryQueue(testPolicy(), &scriptedSender{}, app.QueueEvents{}, logger.NewNop())
	queue.Start()
	queue.Dispose()

	if err := queue.Enqueue(testAttempt(domain.KindUnit, "unit-1")); err != domain.ErrQueueDisposed {
		t.Fatalf("expected ErrQueueDisposed, got %v", err)
	}
}

func TestQueuedEventFires(t *testing.T) {
	queued := make(chan domain.CompletionAttempt, 1)
	queue := app.NewRetryQueue(testPolicy(), &scriptedSender{}, app.QueueEvents{
		OnQueued: func(a domain.CompletionAttempt) { queued <- a },
	}, logger.NewNop())
	defer queue.Dispose()

	if err := queue.Enqueue(testAttempt(domain.KindVideo, "unit-9")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	select {
	case a := <-queued:
		if a.UnitID != "unit-9" {
			t.Fatalf("unexpected queued attempt %+v", a)
		}
	default:
		t.Fatalf("expected OnQueued to fire")
	}
}
