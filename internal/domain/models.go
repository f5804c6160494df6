package domain

import "time"

// AttemptKind identifies what kind of content a completion attempt targets.
type AttemptKind string

const (
	KindVideo AttemptKind = "video"
	KindQuiz  AttemptKind = "quiz"
	KindUnit  AttemptKind = "unit"
)

// AttemptPayload carries kind-specific completion data. Only the fields
// relevant to the attempt's kind are populated.
type AttemptPayload struct {
	WatchPercentage int               `json:"watchPercentage,omitempty"`
	QuizID          string            `json:"quizId,omitempty"`
	Score           int               `json:"score,omitempty"`
	Answers         map[string]string `json:"answers,omitempty"`
	Method          string            `json:"method,omitempty"`
}

// CompletionAttempt is the write-ahead record of a single completion. Its ID
// is generated once and stays stable across retries of the same logical
// attempt.
type CompletionAttempt struct {
	ID         string         `json:"id"`
	Kind       AttemptKind    `json:"kind"`
	UnitID     string         `json:"unitId"`
	CourseID   string         `json:"courseId"`
	UserID     string         `json:"userId"`
	Payload    AttemptPayload `json:"payload"`
	CreatedAt  time.Time      `json:"createdAt"`
	RetryCount int            `json:"retryCount"`
	MaxRetries int            `json:"maxRetries"`
}

// DedupKey identifies the logical slot an attempt occupies in the retry
// queue: a newer attempt for the same (kind, unit) supersedes an older one.
func (a CompletionAttempt) DedupKey() string {
	return string(a.Kind) + ":" + a.UnitID
}

// ProgressStatus is the lifecycle state of a course progress rollup.
type ProgressStatus string

const (
	StatusNotStarted ProgressStatus = "not_started"
	StatusInProgress ProgressStatus = "in_progress"
	StatusCompleted  ProgressStatus = "completed"
)

// StatusForPercentage maps a progress percentage to its rollup status.
func StatusForPercentage(pct int) ProgressStatus {
	switch {
	case pct == 100:
		return StatusCompleted
	case pct > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// UnitProgressRecord is the ground truth for "did the learner finish this
// unit". One row per (userID, unitID, courseID).
type UnitProgressRecord struct {
	UserID           string     `json:"userId"`
	UnitID           string     `json:"unitId"`
	CourseID         string     `json:"courseId"`
	Completed        bool       `json:"completed"`
	CompletedAt      *time.Time `json:"completedAt,omitempty"`
	VideoCompleted   bool       `json:"videoCompleted"`
	VideoCompletedAt *time.Time `json:"videoCompletedAt,omitempty"`
	QuizCompleted    bool       `json:"quizCompleted"`
	QuizCompletedAt  *time.Time `json:"quizCompletedAt,omitempty"`
	WatchPercentage  int        `json:"watchPercentage"`
	UpdatedAt        time.Time  `json:"updatedAt"`
}

// CourseProgressRecord is the denormalized rollup for a (userID, courseID)
// pair. It must always be re-derivable from the unit rows.
type CourseProgressRecord struct {
	UserID             string         `json:"userId"`
	CourseID           string         `json:"courseId"`
	Status             ProgressStatus `json:"status"`
	ProgressPercentage int            `json:"progressPercentage"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	CompletedAt        *time.Time     `json:"completedAt,omitempty"`
	LastAccessedAt     *time.Time     `json:"lastAccessedAt,omitempty"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// ProgressSummary is the computed result of a course progress recalculation.
type ProgressSummary struct {
	CourseID   string         `json:"courseId"`
	Percentage int            `json:"percentage"`
	Status     ProgressStatus `json:"status"`
	Completed  int            `json:"completedUnits"`
	Total      int            `json:"totalUnits"`
}

// CourseOutline lists the unit ids that make up a course, flattened from its
// lesson/module hierarchy.
type CourseOutline struct {
	CourseID string   `json:"courseId"`
	UnitIDs  []string `json:"unitIds"`
}

// ProgressPair identifies one (userID, courseID) pair holding unit progress.
type ProgressPair struct {
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
}

// InconsistentRecord describes one (userID, courseID) pair whose stored
// rollup disagrees with the unit-level ground truth.
type InconsistentRecord struct {
	UserID             string         `json:"userId"`
	CourseID           string         `json:"courseId"`
	StoredPercentage   int            `json:"storedPercentage"`
	StoredStatus       ProgressStatus `json:"storedStatus"`
	ExpectedPercentage int            `json:"expectedPercentage"`
	ExpectedStatus     ProgressStatus `json:"expectedStatus"`
	Reason             string         `json:"reason"`
}

// DiagnosisReport summarizes an integrity scan.
type DiagnosisReport struct {
	TotalUsers        int                  `json:"totalUsers"`
	InconsistentUsers int                  `json:"inconsistentUsers"`
	HealthScore       float64              `json:"healthScore"`
	SampleRecords     []InconsistentRecord `json:"sampleRecords"`
	Warnings          []string             `json:"warnings,omitempty"`
}

// RepairReport summarizes a repair pass over inconsistent rollups.
type RepairReport struct {
	RecordsUpdated int    `json:"recordsUpdated"`
	UsersAffected  int    `json:"usersAffected"`
	AuditID        string `json:"auditId"`
}

// AuditSnapshot is the pre-mutation image of the rows a repair or bulk
// operation is about to change, retrievable by audit id.
type AuditSnapshot struct {
	AuditID        string                `json:"auditId"`
	Reason         string                `json:"reason"`
	UserID         string                `json:"userId"`
	CourseID       string                `json:"courseId"`
	CourseProgress *CourseProgressRecord `json:"courseProgress,omitempty"`
	UnitProgress   []UnitProgressRecord  `json:"unitProgress,omitempty"`
	CreatedAt      time.Time             `json:"createdAt"`
}

// BulkTarget identifies one row a bulk operation acts on.
type BulkTarget struct {
	UserID   string `json:"userId"`
	CourseID string `json:"courseId"`
}

// BulkRowError reports the failure of a single row within a bulk operation.
type BulkRowError struct {
	Target BulkTarget `json:"target"`
	Err    string     `json:"error"`
}

// BulkResult aggregates per-row outcomes of a bulk operation. A row failure
// never aborts the rest of the batch.
type BulkResult struct {
	BackupID  string         `json:"backupId"`
	Processed int            `json:"processed"`
	Failed    int            `json:"failed"`
	Errors    []BulkRowError `json:"errors,omitempty"`
	Warnings  []string       `json:"warnings,omitempty"`
}
