package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"stock_research_backend/logger"
	"stock_research_backend/models"
)

// DefaultHistoryPath is the SQLite file holding finished collection jobs
const DefaultHistoryPath = "data/collection_history.db"

// HistoryStore persists finished collection jobs in SQLite
type HistoryStore struct {
	db  *sql.DB
	mu  sync.RWMutex
	log *logger.Logger
}

// OpenHistoryStore opens (and creates if needed) the history database at path
func OpenHistoryStore(path string) (*HistoryStore, error) {
	if path == "" {
		path = DefaultHistoryPath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping history database: %w", err)
	}

	s := &HistoryStore{db: db, log: logger.Category("storage")}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	s.log.Infof("Collection history initialized at %s", path)
	return s, nil
}

func (s *HistoryStore) createTables() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		CREATE TABLE IF NOT EXISTS collection_history (
			id VARCHAR PRIMARY KEY,
			job_type VARCHAR NOT NULL,
			mode VARCHAR,
			status VARCHAR NOT NULL,
			total_stocks INTEGER,
			completed INTEGER,
			failed INTEGER,
			errors TEXT,
			stocks TEXT,
			created_at INTEGER,
			started_at INTEGER,
			ended_at INTEGER
		)
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create collection_history table: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_history_ended ON collection_history(ended_at)`); err != nil {
		return fmt.Errorf("failed to create collection_history index: %w", err)
	}
	return nil
}

// Close closes the database
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// SaveJob inserts or replaces a finished job
func (s *HistoryStore) SaveJob(ctx context.Context, job *models.CollectionJob) error {
	errs, err := json.Marshal(job.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode job errors: %w", err)
	}
	stocks, err := json.Marshal(job.Stocks)
	if err != nil {
		return fmt.Errorf("failed to encode job stocks: %w", err)
	}
	var ended sql.NullInt64
	if job.EndedAt != nil {
		ended = sql.NullInt64{Int64: job.EndedAt.UnixMilli(), Valid: true}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	query := `INSERT OR REPLACE INTO collection_history
		(id, job_type, mode, status, total_stocks, completed, failed, errors, stocks, created_at, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, query,
		job.ID, string(job.Type), string(job.Mode), string(job.Status),
		job.TotalStocks, job.Progress.Completed, job.Progress.Failed,
		string(errs), string(stocks),
		job.CreatedAt.UnixMilli(), job.StartedAt.UnixMilli(), ended,
	)
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", job.ID, err)
	}
	return nil
}

// Recent returns up to limit jobs, most recently finished first
func (s *HistoryStore) Recent(ctx context.Context, limit int) ([]*models.CollectionJob, error) {
	if limit <= 0 {
		limit = 50
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_type, mode, status, total_stocks, completed, failed, errors, stocks, created_at, started_at, ended_at
		FROM collection_history
		ORDER BY ended_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var jobs []*models.CollectionJob
	for rows.Next() {
		var (
			job                   models.CollectionJob
			jobType, mode, status string
			errs, stocks          sql.NullString
			createdAt, startedAt  int64
			endedAt               sql.NullInt64
		)
		if err := rows.Scan(&job.ID, &jobType, &mode, &status, &job.TotalStocks,
			&job.Progress.Completed, &job.Progress.Failed, &errs, &stocks,
			&createdAt, &startedAt, &endedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		job.Type = models.JobType(jobType)
		job.Mode = models.JobMode(mode)
		job.Status = models.JobStatus(status)
		job.CreatedAt = time.UnixMilli(createdAt).UTC()
		job.StartedAt = time.UnixMilli(startedAt).UTC()
		if endedAt.Valid {
			t := time.UnixMilli(endedAt.Int64).UTC()
			job.EndedAt = &t
		}
		job.Errors = []string{}
		if errs.Valid && errs.String != "" {
			if err := json.Unmarshal([]byte(errs.String), &job.Errors); err != nil {
				s.log.WithError(err).Warnf("Corrupt errors column for job %s", job.ID)
			}
		}
		if stocks.Valid && stocks.String != "" {
			if err := json.Unmarshal([]byte(stocks.String), &job.Stocks); err != nil {
				s.log.WithError(err).Warnf("Corrupt stocks column for job %s", job.ID)
			}
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// Prune deletes jobs that ended before cutoff
func (s *HistoryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM collection_history WHERE ended_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune history: %w", err)
	}
	return res.RowsAffected()
}
