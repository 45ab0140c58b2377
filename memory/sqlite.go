package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hupe1980/agentloop/core"
)

// SQLiteStore is the durable MemoryStore implementation.
//
// Retrieval fetches a candidate window with LIKE matching and re-ranks by
// token overlap, so relevance ordering matches the in-memory store.
type SQLiteStore struct {
	db *sql.DB
	// candidateLimit bounds the LIKE candidate window per query.
	candidateLimit int
}

// SQLiteOptions configures the SQLite store.
type SQLiteOptions struct {
	CandidateLimit int
}

// NewSQLiteStore creates/opens the memory database at path.
func NewSQLiteStore(path string, optFns ...func(o *SQLiteOptions)) (*SQLiteStore, error) {
	opts := SQLiteOptions{CandidateLimit: 64}
	for _, fn := range optFns {
		fn(&opts)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process store. Use one shared connection to avoid writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, candidateLimit: opts.CandidateLimit}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS memory_records (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS memory_records_owner_idx ON memory_records(owner_id, created_at_ms DESC);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init memory db: %w", err)
		}
	}
	return nil
}

// Retrieve implements core.MemoryStore.
func (s *SQLiteStore) Retrieve(ctx context.Context, ownerID, queryContext string, limit int) ([]core.MemoryRecord, error) {
	if limit <= 0 {
		return []core.MemoryRecord{}, nil
	}

	queryTokens := tokenize(queryContext)

	rows, err := s.queryCandidates(ctx, ownerID, queryTokens)
	if err != nil {
		return nil, &core.StoreError{Op: "retrieve", Err: err}
	}
	defer rows.Close()

	var records []core.MemoryRecord
	for rows.Next() {
		var rec core.MemoryRecord
		var createdMs int64
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &createdMs); err != nil {
			return nil, &core.StoreError{Op: "retrieve", Err: err}
		}
		rec.CreatedAt = time.UnixMilli(createdMs)
		rec.Score = overlapScore(queryTokens, tokenize(rec.Content))
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &core.StoreError{Op: "retrieve", Err: err}
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Score != records[j].Score {
			return records[i].Score > records[j].Score
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})

	if len(records) > limit {
		records = records[:limit]
	}
	return records, nil
}

// queryCandidates fetches recent records for the owner, preferring rows
// that contain at least one query token when a query is present.
func (s *SQLiteStore) queryCandidates(ctx context.Context, ownerID string, queryTokens map[string]struct{}) (*sql.Rows, error) {
	base := `SELECT id, owner_id, content, created_at_ms FROM memory_records WHERE owner_id = ?`
	args := []any{ownerID}

	if len(queryTokens) > 0 {
		var likes []string
		for tok := range queryTokens {
			likes = append(likes, `lower(content) LIKE ?`)
			args = append(args, "%"+tok+"%")
		}
		base += ` AND (` + strings.Join(likes, " OR ") + `)`
	}

	base += ` ORDER BY created_at_ms DESC LIMIT ?`
	args = append(args, s.candidateLimit)

	return s.db.QueryContext(ctx, base, args...)
}

// Write implements core.MemoryStore.
func (s *SQLiteStore) Write(ctx context.Context, ownerID, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_records (id, owner_id, content, created_at_ms) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), ownerID, content, time.Now().UnixMilli(),
	)
	if err != nil {
		return &core.StoreError{Op: "write", Err: err}
	}
	return nil
}
