// Package queue implements the durable work queue and job runner: SQLite
// persistence with lease-based claiming, subprocess execution with
// streamed logs, and artifact discovery.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// JobType enumerates the kinds of work the runner knows how to execute.
type JobType string

const (
	JobConvert   JobType = "convert"
	JobCalibrate JobType = "calibrate"
	JobApply     JobType = "apply"
	JobImage     JobType = "image"
)

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Job is one unit of work tracked by the queue.
type Job struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Status      Status
	Priority    int
	Attempts    int
	MaxRetries  int
	WorkerID    string
	VisibleAfter time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// Lease represents a claimed job a worker is currently executing.
type Lease struct {
	Job      Job
	WorkerID string
	Expires  time.Time
}

// Store persists jobs and queue items in SQLite with WAL journaling. A
// single connection (SetMaxOpenConns(1)) plus Store.mu serialize writers
// in place of the teacher's file-based JSON persistence.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore opens (creating if necessary) the queue database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create queue db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_retries INTEGER NOT NULL DEFAULT 3,
		worker_id TEXT,
		visible_after DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(status, visible_after, priority, created_at);
	CREATE INDEX IF NOT EXISTS idx_jobs_type_status ON jobs(type, status);

	CREATE TABLE IF NOT EXISTS log_chunks (
		job_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		bytes TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		PRIMARY KEY (job_id, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_log_chunks_job ON log_chunks(job_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Enqueue inserts a new pending job, visible immediately.
func (s *Store) Enqueue(jobType JobType, payload json.RawMessage, priority, maxRetries int) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO jobs (id, type, payload, status, priority, attempts, max_retries, worker_id, visible_after, created_at, updated_at, last_error)
		VALUES (?, ?, ?, ?, ?, 0, ?, '', ?, ?, ?, '')
	`, id, string(jobType), string(payload), string(StatusPending), priority, maxRetries, now, now, now)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Claim atomically selects the next eligible job and marks it running under
// a lease held by workerID. Store.mu plus a single-connection pool
// (SetMaxOpenConns(1)) serialize this transaction against every other Store
// method, guaranteeing exactly one caller wins a given job even under
// concurrent claimers.
func (s *Store) Claim(ctx context.Context, workerID string, leaseDuration time.Duration) (*Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, type, payload, status, priority, attempts, max_retries, visible_after, created_at, updated_at, last_error
		FROM jobs
		WHERE status = ? AND visible_after <= ?
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
	`, string(StatusPending), time.Now().UTC())

	var j Job
	var statusStr, payloadStr string
	if err := row.Scan(&j.ID, &j.Type, &payloadStr, &statusStr, &j.Priority, &j.Attempts, &j.MaxRetries, &j.VisibleAfter, &j.CreatedAt, &j.UpdatedAt, &j.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("claim select: %w", err)
	}
	j.Payload = json.RawMessage(payloadStr)
	j.Status = Status(statusStr)

	now := time.Now().UTC()
	expires := now.Add(leaseDuration)

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?, visible_after = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ?
	`, string(StatusRunning), workerID, expires, now, j.ID)
	if err != nil {
		return nil, false, fmt.Errorf("claim update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit claim: %w", err)
	}

	j.Status = StatusRunning
	j.WorkerID = workerID
	j.Attempts++
	return &Lease{Job: j, WorkerID: workerID, Expires: expires}, true, nil
}

// Heartbeat extends a lease's visibility deadline so the stale sweep does
// not reclaim a job that is still actively being worked.
func (s *Store) Heartbeat(ctx context.Context, lease *Lease, extend time.Duration) error {
	newExpiry := time.Now().UTC().Add(extend)
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET visible_after = ?, updated_at = ? WHERE id = ? AND worker_id = ? AND status = ?
	`, newExpiry, time.Now().UTC(), lease.Job.ID, lease.WorkerID, string(StatusRunning))
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	lease.Expires = newExpiry
	return nil
}

// Complete marks a job done.
func (s *Store) Complete(ctx context.Context, lease *Lease) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, last_error = '' WHERE id = ?
	`, string(StatusDone), time.Now().UTC(), lease.Job.ID)
	return err
}

// Cancel marks a job cancelled: the terminal state for a job whose process
// was killed by context cancellation rather than failing on its own, so it
// is never retried.
func (s *Store) Cancel(ctx context.Context, lease *Lease, cause error) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, last_error = ? WHERE id = ?
	`, string(StatusCancelled), time.Now().UTC(), cause.Error(), lease.Job.ID)
	return err
}

// Fail records a job failure. When retriable and attempts remain, the job
// is returned to pending with an exponential backoff delay; otherwise it is
// marked permanently failed.
func (s *Store) Fail(ctx context.Context, lease *Lease, cause error, retriable bool) error {
	now := time.Now().UTC()

	if retriable && lease.Job.Attempts < lease.Job.MaxRetries {
		delay := backoffDelay(lease.Job.Attempts)
		_, err := s.db.ExecContext(ctx, `
			UPDATE jobs SET status = ?, visible_after = ?, updated_at = ?, last_error = ? WHERE id = ?
		`, string(StatusPending), now.Add(delay), now, cause.Error(), lease.Job.ID)
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, updated_at = ?, last_error = ? WHERE id = ?
	`, string(StatusFailed), now, cause.Error(), lease.Job.ID)
	return err
}

func backoffDelay(attempt int) time.Duration {
	d := time.Second
	for i := 0; i < attempt && d < 60*time.Second; i++ {
		d *= 4
	}
	if d > 60*time.Second {
		d = 60 * time.Second
	}
	return d
}

// Depth returns the number of pending jobs, used by the ingest watcher to
// apply backpressure.
func (s *Store) Depth() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM jobs WHERE status = ?`, string(StatusPending)).Scan(&n)
	return n, err
}

// Get returns a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, payload, status, priority, attempts, max_retries, worker_id, visible_after, created_at, updated_at, last_error
		FROM jobs WHERE id = ?
	`, id)

	var j Job
	var statusStr, payloadStr string
	if err := row.Scan(&j.ID, &j.Type, &payloadStr, &statusStr, &j.Priority, &j.Attempts, &j.MaxRetries, &j.WorkerID, &j.VisibleAfter, &j.CreatedAt, &j.UpdatedAt, &j.LastError); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("job not found: %s", id)
		}
		return nil, err
	}
	j.Payload = json.RawMessage(payloadStr)
	j.Status = Status(statusStr)
	return &j, nil
}

// List returns jobs optionally filtered by status, newest first.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Job, error) {
	var rows *sql.Rows
	var err error
	if status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, payload, status, priority, attempts, max_retries, worker_id, visible_after, created_at, updated_at, last_error
			FROM jobs WHERE status = ? ORDER BY created_at DESC LIMIT ?
		`, string(status), limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, type, payload, status, priority, attempts, max_retries, worker_id, visible_after, created_at, updated_at, last_error
			FROM jobs ORDER BY created_at DESC LIMIT ?
		`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var statusStr, payloadStr string
		if err := rows.Scan(&j.ID, &j.Type, &payloadStr, &statusStr, &j.Priority, &j.Attempts, &j.MaxRetries, &j.WorkerID, &j.VisibleAfter, &j.CreatedAt, &j.UpdatedAt, &j.LastError); err != nil {
			return nil, err
		}
		j.Payload = json.RawMessage(payloadStr)
		j.Status = Status(statusStr)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// AppendLog persists a batch of log lines for jobID under the next dense
// sequence number, inside one transaction so seq assignment never races.
func (s *Store) AppendLog(ctx context.Context, jobID, text string) (LogChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return LogChunk{}, err
	}
	defer tx.Rollback()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM log_chunks WHERE job_id = ?`, jobID).Scan(&maxSeq); err != nil {
		return LogChunk{}, err
	}
	seq := maxSeq.Int64 + 1
	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO log_chunks (job_id, seq, bytes, timestamp) VALUES (?, ?, ?, ?)
	`, jobID, seq, text, now); err != nil {
		return LogChunk{}, err
	}

	if err := tx.Commit(); err != nil {
		return LogChunk{}, err
	}

	return LogChunk{JobID: jobID, Seq: seq, Bytes: text, Timestamp: now}, nil
}

// Logs returns the persisted log backlog for jobID in sequence order.
func (s *Store) Logs(ctx context.Context, jobID string) ([]LogChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, seq, bytes, timestamp FROM log_chunks WHERE job_id = ? ORDER BY seq
	`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []LogChunk
	for rows.Next() {
		var c LogChunk
		if err := rows.Scan(&c.JobID, &c.Seq, &c.Bytes, &c.Timestamp); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ReclaimStale resets running jobs whose lease has expired past
// staleThreshold back to pending, recovering from a crashed worker.
func (s *Store) ReclaimStale(ctx context.Context, staleThreshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-staleThreshold)
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, visible_after = ?, updated_at = ?
		WHERE status = ? AND visible_after < ?
	`, string(StatusPending), time.Now().UTC(), time.Now().UTC(), string(StatusRunning), cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
