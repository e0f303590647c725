package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist or has expired.
var ErrNotFound = errors.New("not found")

// ErrJobConflict is returned by CreateJob when the subject already has a
// non-terminal job. The caller should fall back to the existing job id.
var ErrJobConflict = errors.New("subject already has a job in flight")

// CacheEntry is one collected data point for a subject. Entries are advisory
// and time-bound: last write wins, expired rows read as absent.
type CacheEntry struct {
	Subject   string
	Kind      string
	Scope     string // tenant isolation; "" for the default scope
	ValueJSON string
	Quality   int // 0-100
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Age returns how long ago the entry was written.
func (e CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Job statuses. Transitions are monotonic: queued -> running -> one of the
// terminal states. Terminal rows never change status again.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// TerminalStatus reports whether status is one of the three terminal states.
func TerminalStatus(status string) bool {
	return status == JobCompleted || status == JobFailed || status == JobCancelled
}

// Job is one analysis job. The jobs table is the single source of truth for
// job state; a job created by one instance must be visible to a poll handled
// by any other.
type Job struct {
	ID           string
	Subject      string
	Scope        string
	ProviderMode string // "inline" or "background"
	Status       string
	Progress     string
	Result       string
	Error        string
	Attempts     int
	MaxAttempts  int
	RunAfter     time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	ExpiresAt    time.Time
}
