package importer

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteJobStore keeps job history in an embedded SQLite file so that it
// survives restarts of a single instance.
type SQLiteJobStore struct {
	db *sql.DB
}

// NewSQLiteJobStore opens (or creates) the job database at path
func NewSQLiteJobStore(path string) (*SQLiteJobStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open job database: %w", err)
	}
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	s := &SQLiteJobStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize job schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteJobStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS import_jobs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		data TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_import_jobs_account ON import_jobs(account_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_import_jobs_status ON import_jobs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveJob upserts the job
func (s *SQLiteJobStore) SaveJob(ctx context.Context, job *Job) error {
	if job.ID == "" {
		return fmt.Errorf("SaveJob: job id is required")
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("SaveJob: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO import_jobs (id, account_id, status, created_at, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data`,
		job.ID, job.AccountID, string(job.Status), job.CreatedAt.UnixNano(), string(data))
	if err != nil {
		return fmt.Errorf("SaveJob: %w", err)
	}
	return nil
}

// GetJob loads one job
func (s *SQLiteJobStore) GetJob(ctx context.Context, id string) (*Job, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM import_jobs WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("GetJob: %w", err)
	}
	return decodeJob(data)
}

// ListJobs returns matching jobs, newest first
func (s *SQLiteJobStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.AccountID != "" {
		where = append(where, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT data FROM import_jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListJobs: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("ListJobs: %w", err)
		}
		job, err := decodeJob(data)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// Prune deletes finished jobs created before the cutoff
func (s *SQLiteJobStore) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM import_jobs
		WHERE created_at < ? AND status IN (?, ?)`,
		before.UnixNano(), string(StatusCompleted), string(StatusFailed))
	if err != nil {
		return 0, fmt.Errorf("Prune: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database handle
func (s *SQLiteJobStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteJobStore) Close() error {
	return s.db.Close()
}

func decodeJob(data string) (*Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(data), &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
