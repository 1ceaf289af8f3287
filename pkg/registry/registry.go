// Package registry implements the data/product registry: durable artifact
// records with a staging -> publishing -> published/failed lifecycle.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Lifecycle is an artifact's publish state.
type Lifecycle string

const (
	Staging    Lifecycle = "staging"
	Publishing Lifecycle = "publishing"
	Published  Lifecycle = "published"
	Failed     Lifecycle = "failed"
)

// Artifact is one registered data product (measurement set, calibration
// table, image, etc).
type Artifact struct {
	ID               string
	Kind             string
	Path             string
	SourceJobID      string
	Status           Lifecycle
	PublishAttempts  int
	LastPublishError string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Store persists artifacts in a dedicated SQLite database, separate from
// the work queue's, matching the per-concern database split of the
// storage layout.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.Mutex
}

// NewStore opens or creates the registry database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create registry db directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open registry db: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init registry schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		path TEXT NOT NULL,
		source_job_id TEXT,
		status TEXT NOT NULL,
		publish_attempts INTEGER NOT NULL DEFAULT 0,
		last_publish_error TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_status ON artifacts(status);
	CREATE INDEX IF NOT EXISTS idx_artifacts_kind ON artifacts(kind);
	CREATE INDEX IF NOT EXISTS idx_artifacts_created ON artifacts(created_at, id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Stage registers a new artifact in the staging state.
func (s *Store) Stage(ctx context.Context, kind, path, sourceJobID string) (string, error) {
	id := uuid.NewString()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, kind, path, source_job_id, status, publish_attempts, last_publish_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 0, '', ?, ?)
	`, id, kind, path, sourceJobID, string(Staging), now, now)
	if err != nil {
		return "", fmt.Errorf("stage artifact: %w", err)
	}
	return id, nil
}

// BeginPublish transitions an artifact from staging to publishing,
// succeeding only if it was still in staging — closing the race window
// between a recovery sweep and a concurrent publish attempt.
func (s *Store) BeginPublish(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, updated_at = ? WHERE id = ? AND status = ?
	`, string(Publishing), time.Now().UTC(), id, string(Staging))
	if err != nil {
		return false, fmt.Errorf("begin publish: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// RecordPublishFailure increments the attempt counter and records the
// error, reverting the artifact to failed or staging depending on whether
// retries remain.
func (s *Store) RecordPublishFailure(ctx context.Context, id string, cause error, retriable bool, maxAttempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var attempts int
	if err := s.db.QueryRowContext(ctx, `SELECT publish_attempts FROM artifacts WHERE id = ?`, id).Scan(&attempts); err != nil {
		return fmt.Errorf("read publish attempts: %w", err)
	}
	attempts++

	next := Staging
	if !retriable || attempts >= maxAttempts {
		next = Failed
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, publish_attempts = ?, last_publish_error = ?, updated_at = ? WHERE id = ?
	`, string(next), attempts, cause.Error(), time.Now().UTC(), id)
	return err
}

// Retry resets a failed (or stalled, previously-retried) artifact back to
// staging for another publish attempt: publish_attempts and
// last_publish_error are cleared so the next BeginPublish/RecordPublishFailure
// cycle starts clean. Succeeds only from failed, or from staging with at
// least one prior attempt (a retry that was itself interrupted before
// BeginPublish could claim it).
func (s *Store) Retry(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, publish_attempts = 0, last_publish_error = '', updated_at = ?
		WHERE id = ? AND (status = ? OR (status = ? AND publish_attempts > 0))
	`, string(Staging), time.Now().UTC(), id, string(Failed), string(Staging))
	if err != nil {
		return false, fmt.Errorf("retry artifact: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompletePublish marks an artifact published.
func (s *Store) CompletePublish(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE artifacts SET status = ?, last_publish_error = '', updated_at = ? WHERE id = ? AND status = ?
	`, string(Published), time.Now().UTC(), id, string(Publishing))
	if err != nil {
		return fmt.Errorf("complete publish: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("artifact %s was not in publishing state", id)
	}
	return nil
}

// Get returns an artifact by ID.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, path, source_job_id, status, publish_attempts, last_publish_error, created_at, updated_at
		FROM artifacts WHERE id = ?
	`, id)
	return scanArtifact(row)
}

// Filter narrows a List query.
type Filter struct {
	Kind       string
	Status     Lifecycle
	After      time.Time
	AfterID    string
	Limit      int
}

// List returns artifacts matching filter, paginated with a keyset cursor
// on (created_at, id) rather than OFFSET, so pages stay stable under
// concurrent inserts.
func (s *Store) List(ctx context.Context, f Filter) ([]Artifact, error) {
	query := `SELECT id, kind, path, source_job_id, status, publish_attempts, last_publish_error, created_at, updated_at FROM artifacts WHERE 1=1`
	var args []any

	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, string(f.Status))
	}
	if !f.After.IsZero() {
		query += " AND (created_at, id) > (?, ?)"
		args = append(args, f.After, f.AfterID)
	}
	query += " ORDER BY created_at, id"

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifactRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row scanner) (*Artifact, error) {
	var a Artifact
	var statusStr string
	if err := row.Scan(&a.ID, &a.Kind, &a.Path, &a.SourceJobID, &statusStr, &a.PublishAttempts, &a.LastPublishError, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("artifact not found")
		}
		return nil, err
	}
	a.Status = Lifecycle(statusStr)
	return &a, nil
}

func scanArtifactRow(rows *sql.Rows) (*Artifact, error) {
	return scanArtifact(rows)
}

// CountByStatus aggregates artifact counts grouped by status, used by the
// publish/recovery monitor's periodic sweep.
func (s *Store) CountByStatus(ctx context.Context) (map[Lifecycle]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM artifacts GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Lifecycle]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Lifecycle(status)] = n
	}
	return counts, rows.Err()
}
