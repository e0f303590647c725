package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the cache entries and jobs tables.
// Both tables are shared mutable state reachable from any process instance;
// nothing orchestration-relevant lives only in memory.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "dossier.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle so tests can shape row state
// directly.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// --- Cache entries ---

// UpsertCacheEntry writes (or overwrites) the entry for (subject, kind, scope).
// Last write wins; entries are advisory so a lost race merely means a slightly
// staler read.
func (s *Store) UpsertCacheEntry(e CacheEntry) error {
	if !e.ExpiresAt.After(e.CreatedAt) {
		return fmt.Errorf("cache entry for %s/%s: expires_at must be after created_at", e.Subject, e.Kind)
	}
	_, err := s.db.Exec(`
		INSERT INTO cache_entries (subject, kind, scope, value_json, quality, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(subject, kind, scope) DO UPDATE SET
			value_json = excluded.value_json,
			quality = excluded.quality,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		e.Subject, e.Kind, e.Scope, e.ValueJSON, e.Quality,
		e.CreatedAt.UTC().Format(time.RFC3339), e.ExpiresAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetFresh returns the entry for (subject, kind, scope) if it is still live.
// A row past its expires_at reads as ErrNotFound regardless of its value.
// When maxAge > 0 the entry must additionally be younger than maxAge; this is
// how the collection TTL and the (longer) analysis freshness ceiling stay
// distinct without duplicating rows.
func (s *Store) GetFresh(subject, kind, scope string, maxAge time.Duration) (CacheEntry, error) {
	var e CacheEntry
	var createdAt, expiresAt string
	err := s.db.QueryRow(`
		SELECT subject, kind, scope, value_json, quality, created_at, expires_at
		FROM cache_entries WHERE subject = ? AND kind = ? AND scope = ?`,
		subject, kind, scope,
	).Scan(&e.Subject, &e.Kind, &e.Scope, &e.ValueJSON, &e.Quality, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return CacheEntry{}, ErrNotFound
	}
	if err != nil {
		return CacheEntry{}, err
	}
	if e.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if e.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return CacheEntry{}, fmt.Errorf("parsing expires_at: %w", err)
	}

	now := time.Now().UTC()
	if now.After(e.ExpiresAt) {
		return CacheEntry{}, ErrNotFound
	}
	if maxAge > 0 && e.Age(now) > maxAge {
		return CacheEntry{}, ErrNotFound
	}
	return e, nil
}

// PruneExpiredCache deletes cache rows past their expiry. Returns the number
// of rows removed.
func (s *Store) PruneExpiredCache(now time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- Jobs ---

// CreateJob inserts a new job in queued state. If the subject already has a
// queued or running job the insert hits the active-job unique index and
// ErrJobConflict is returned; the caller resolves it by reusing the existing id.
func (s *Store) CreateJob(job Job) error {
	now := time.Now().UTC()
	runAfter := job.RunAfter
	if runAfter.IsZero() {
		runAfter = now
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = 3
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, subject, scope, provider_mode, status, progress, attempts, max_attempts, run_after, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, 'queued', ?, 0, ?, ?, ?, ?, ?)`,
		job.ID, job.Subject, job.Scope, job.ProviderMode, job.Progress, maxAttempts,
		runAfter.UTC().Format(time.RFC3339), now.Format(time.RFC3339), now.Format(time.RFC3339),
		job.ExpiresAt.UTC().Format(time.RFC3339),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrJobConflict
	}
	return err
}

// ActiveJob returns the queued or running job for (subject, scope), if any.
func (s *Store) ActiveJob(subject, scope string) (Job, error) {
	return s.queryJob(`WHERE subject = ? AND scope = ? AND status IN ('queued', 'running')`, subject, scope)
}

// GetJob returns the job with the given id.
func (s *Store) GetJob(id string) (Job, error) {
	return s.queryJob(`WHERE id = ?`, id)
}

func (s *Store) queryJob(where string, args ...any) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt, expiresAt string
	err := s.db.QueryRow(`
		SELECT id, subject, scope, provider_mode, status, progress, result, error, attempts, max_attempts, run_after, created_at, updated_at, expires_at
		FROM jobs `+where, args...,
	).Scan(&j.ID, &j.Subject, &j.Scope, &j.ProviderMode, &j.Status, &j.Progress, &j.Result, &j.Error,
		&j.Attempts, &j.MaxAttempts, &runAfter, &createdAt, &updatedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	if j.RunAfter, err = time.Parse(time.RFC3339, runAfter); err != nil {
		return Job{}, fmt.Errorf("parsing run_after for job %s: %w", j.ID, err)
	}
	if j.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.ID, err)
	}
	if j.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.ID, err)
	}
	if j.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return Job{}, fmt.Errorf("parsing expires_at for job %s: %w", j.ID, err)
	}
	return j, nil
}

// ClaimDueJob moves the oldest due queued job of the given provider mode to
// running and returns it. Returns (nil, nil) when nothing is claimable. The
// status-guarded UPDATE makes the claim idempotent-safe across concurrent
// worker instances.
func (s *Store) ClaimDueJob(providerMode string) (*Job, error) {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}

	var id string
	err = tx.QueryRow(`
		SELECT id FROM jobs
		WHERE status = 'queued' AND provider_mode = ? AND run_after <= ?
		ORDER BY run_after ASC, created_at ASC
		LIMIT 1`, providerMode, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		tx.Rollback()
		return nil, nil
	}
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := tx.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`, now, id)
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		tx.Rollback()
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		tx.Rollback()
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	job, err := s.GetJob(id)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// StartJob moves a specific queued job to running. Used by the inline runner,
// which executes the job it just created instead of waiting for a claim sweep.
// Returns ErrJobConflict if the job is no longer queued.
func (s *Store) StartJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE jobs SET status = 'running', updated_at = ? WHERE id = ? AND status = 'queued'`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if err := s.jobMissingOrTerminal(id); err != nil {
			return err
		}
		return ErrJobConflict
	}
	return nil
}

// UpdateJobProgress records a human-readable progress line on a non-terminal
// job. Progress on a terminal job is silently dropped.
func (s *Store) UpdateJobProgress(id, text string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET progress = ?, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`, text, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.jobMissingOrTerminal(id)
	}
	return nil
}

// CompleteJob marks a running job completed with its result. Completing a job
// that was cancelled underneath the worker is a no-op: the terminal status wins.
func (s *Store) CompleteJob(id, result string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'completed', result = ?, progress = '', updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`, result, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.jobMissingOrTerminal(id)
	}
	return nil
}

// FailJob records a failed attempt. While attempts remain the job is
// rescheduled to queued with exponential backoff via run_after; once the
// budget is exhausted the job is terminally failed with the error summary.
func (s *Store) FailJob(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var attempts, maxAttempts int
	err = tx.QueryRow(`SELECT status, attempts, max_attempts FROM jobs WHERE id = ?`, id).Scan(&status, &attempts, &maxAttempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if TerminalStatus(status) {
		return nil
	}

	now := time.Now().UTC()
	attempts++

	if attempts >= maxAttempts {
		_, err = tx.Exec(`UPDATE jobs SET status = 'failed', attempts = ?, error = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, now.Format(time.RFC3339), id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		runAfter := now.Add(backoff)
		_, err = tx.Exec(`UPDATE jobs SET status = 'queued', attempts = ?, error = ?, run_after = ?, updated_at = ? WHERE id = ?`,
			attempts, errMsg, runAfter.Format(time.RFC3339), now.Format(time.RFC3339), id)
	}

	if err != nil {
		return err
	}

	return tx.Commit()
}

// CancelJob requests cooperative cancellation: the status flips to cancelled
// and a running worker notices at its next checkpoint. Cancelling a job that
// is already terminal is a no-op.
func (s *Store) CancelJob(id string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'cancelled', updated_at = ?
		WHERE id = ? AND status IN ('queued', 'running')`, now, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.jobMissingOrTerminal(id)
	}
	return nil
}

// jobMissingOrTerminal distinguishes "no such job" from "job already terminal"
// after a zero-row guarded update. Terminal is not an error.
func (s *Store) jobMissingOrTerminal(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return nil
}

// CountJobsByStatus returns a status -> count map over all job rows.
func (s *Store) CountJobsByStatus() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// PruneExpiredJobs deletes terminal jobs whose result cache lifetime has
// passed. In-flight jobs are never deleted.
func (s *Store) PruneExpiredJobs(now time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM jobs WHERE expires_at < ? AND status IN ('completed', 'failed', 'cancelled')`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RequeueStaleJobs recovers running jobs abandoned by a crashed or killed
// worker. Every checkpoint touches updated_at, so a running row untouched
// since cutoff has no live worker behind it; it is charged a failed attempt,
// which requeues it with backoff or terminally fails it once the attempt
// budget is spent. Without this sweep the active-job index would pin the
// subject to the zombie row forever.
func (s *Store) RequeueStaleJobs(cutoff time.Time) (int64, error) {
	rows, err := s.db.Query(`SELECT id FROM jobs WHERE status = 'running' AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	// Release the cursor before FailJob opens its transaction; the pool is
	// capped at one connection.
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var n int64
	for _, id := range ids {
		if err := s.FailJob(id, "worker lost: no progress since claim"); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}
