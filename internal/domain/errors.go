package domain

import "errors"

var (
	// ErrCourseNotFound indicates the course outline could not be loaded.
	ErrCourseNotFound = errors.New("course not found")
	// ErrInvalidAttempt is returned for structural failures (missing ids,
	// out-of-range values). These are never retried.
	ErrInvalidAttempt = errors.New("invalid completion attempt")
	// ErrQueueDisposed is returned when enqueuing on a disposed retry queue.
	ErrQueueDisposed = errors.New("retry queue disposed")
	// ErrAuditNotFound indicates no snapshot exists for the given audit id.
	ErrAuditNotFound = errors.New("audit snapshot not found")
)
