package mesh

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrRunNotFound is returned when a run ID is not in the store
var ErrRunNotFound = errors.New("run not found")

// Run statuses recorded in history
const (
	RunStatusComplete = "complete"
	RunStatusFailed   = "failed"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    image_name TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL,
    model      TEXT NOT NULL,
    script     TEXT NOT NULL,
    attempts   INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS revisions (
    id          TEXT PRIMARY KEY,
    run_id      TEXT NOT NULL REFERENCES runs(id),
    instruction TEXT NOT NULL,
    script      TEXT NOT NULL,
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_revisions_run ON revisions(run_id);
`

// RunRecord is one pipeline run in history
type RunRecord struct {
	ID        string      `json:"id"`
	ImageName string      `json:"imageName"`
	Status    string      `json:"status"`
	Model     SketchModel `json:"model"`
	Script    string      `json:"script"`
	Attempts  int         `json:"attempts"`
	CreatedAt time.Time   `json:"createdAt"`
}

// RevisionRecord is one applied modification of a run's script
type RevisionRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"runId"`
	Instruction string    `json:"instruction"`
	Script      string    `json:"script"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Store persists run history in SQLite
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the history database at path
func OpenStore(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveRun inserts or replaces a run. An empty ID is assigned a new UUID.
func (s *Store) SaveRun(ctx context.Context, rec RunRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	model, err := EncodeSketch(rec.Model)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT OR REPLACE INTO runs (id, image_name, status, model, script, attempts, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, rec.ID, rec.ImageName, rec.Status, string(model), rec.Script, rec.Attempts, rec.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return rec.ID, nil
}

// SaveRevision records a revision and updates the run's current script
func (s *Store) SaveRevision(ctx context.Context, runID, instruction, script string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE runs SET script = ? WHERE id = ?`, script, runID)
	if err != nil {
		return "", fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrRunNotFound
	}

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, `
        INSERT INTO revisions (id, run_id, instruction, script, created_at)
        VALUES (?, ?, ?, ?, ?)
    `, id, runID, instruction, script, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert revision: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetRun loads a run by ID
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, image_name, status, model, script, attempts, created_at
        FROM runs
        WHERE id = ?
    `, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, ErrRunNotFound
	}
	return rec, err
}

// ListRuns returns the most recent runs first, at most limit (0 means all)
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, image_name, status, model, script, attempts, created_at
        FROM runs
        ORDER BY created_at DESC, rowid DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	out := make([]RunRecord, 0)
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Revisions returns a run's revisions oldest first
func (s *Store) Revisions(ctx context.Context, runID string) ([]RevisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, run_id, instruction, script, created_at
        FROM revisions
        WHERE run_id = ?
        ORDER BY created_at ASC, rowid ASC
    `, runID)
	if err != nil {
		return nil, fmt.Errorf("query revisions: %w", err)
	}
	defer rows.Close()

	out := make([]RevisionRecord, 0)
	for rows.Next() {
		var r RevisionRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.RunID, &r.Instruction, &r.Script, &created); err != nil {
			return nil, fmt.Errorf("scan revision: %w", err)
		}
		r.CreatedAt = time.UnixMilli(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (RunRecord, error) {
	var rec RunRecord
	var model string
	var created int64
	if err := row.Scan(&rec.ID, &rec.ImageName, &rec.Status, &model, &rec.Script, &rec.Attempts, &created); err != nil {
		return RunRecord{}, err
	}
	m, err := ParseSketchJSON([]byte(model))
	if err != nil {
		return RunRecord{}, fmt.Errorf("decode stored model for %s: %w", rec.ID, err)
	}
	rec.Model = m
	rec.CreatedAt = time.UnixMilli(created)
	return rec, nil
}
