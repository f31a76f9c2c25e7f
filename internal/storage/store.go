// Package storage persists URLs, responses, content, analyses, links,
// crawl jobs, queue events, gazetteer places, plans, cache entries, and
// background tasks. All writes in the process go through one Store.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

// Store owns the database handle and the content directory.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	logger *zap.Logger

	// Content tier thresholds in bytes.
	inlineLimit int64
	bucketLimit int64

	contentDir string

	// Current bucket file for the bucket tier.
	bucketMu     sync.Mutex
	activeBucket int64
	bucketSize   int64
}

const (
	defaultInlineLimit = 32 * 1024
	defaultBucketLimit = 512 * 1024
	bucketRotateSize   = 64 * 1024 * 1024
)

// New opens (or creates) the database at path. contentDir holds the
// bucket and file content tiers.
func New(path, contentDir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	// SQLite connection with optimizations
	dsn := fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000&_foreign_keys=1", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if contentDir != "" {
		for _, sub := range []string{"buckets", "files"} {
			if err := os.MkdirAll(filepath.Join(contentDir, sub), 0755); err != nil {
				return nil, fmt.Errorf("failed to create content dir: %w", err)
			}
		}
	}

	return &Store{
		db:          db,
		logger:      logger.Named("storage"),
		inlineLimit: defaultInlineLimit,
		bucketLimit: defaultBucketLimit,
		contentDir:  contentDir,
	}, nil
}

// Initialize creates all tables and indexes.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(Schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Vacuum reclaims free pages. Used by the vacuum background task.
func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// SetContentLimits overrides the inline/bucket tier thresholds.
func (s *Store) SetContentLimits(inline, bucket int64) {
	if inline > 0 {
		s.inlineLimit = inline
	}
	if bucket > inline {
		s.bucketLimit = bucket
	}
}
