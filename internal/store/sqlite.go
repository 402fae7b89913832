package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ashureev/repo-ranger/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteAudit implements AuditLog using SQLite. It is write-only from the
// pipeline's point of view and is never used to restore sessions.
type SQLiteAudit struct {
	db *sql.DB
}

var _ AuditLog = (*SQLiteAudit)(nil)

// NewSQLiteAudit opens (or creates) the audit database at dbPath.
func NewSQLiteAudit(dbPath string) (*SQLiteAudit, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	audit := &SQLiteAudit{db: db}
	if err := audit.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return audit, nil
}

func (s *SQLiteAudit) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS tool_invocations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		turn_id TEXT NOT NULL,
		tool TEXT NOT NULL,
		requested_path TEXT NOT NULL,
		outcome TEXT NOT NULL,
		resolved_path TEXT,
		bytes_written INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_tool_invocations_session ON tool_invocations(session_id, id);

	CREATE TABLE IF NOT EXISTS pipeline_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pipeline_transitions_session ON pipeline_transitions(session_id, id);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteAudit) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteAudit) Close() error {
	return s.db.Close()
}

// RecordInvocation stores a tool invocation.
func (s *SQLiteAudit) RecordInvocation(ctx context.Context, sessionID, turnID string, inv domain.ToolInvocation) error {
	query := `
	INSERT INTO tool_invocations (session_id, turn_id, tool, requested_path, outcome, resolved_path, bytes_written, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	var resolved interface{}
	if inv.ResolvedPath != "" {
		resolved = inv.ResolvedPath
	}
	at := inv.At
	if at.IsZero() {
		at = time.Now()
	}

	return execWithRetry(ctx, "record invocation", sessionID, func() error {
		_, err := s.db.ExecContext(ctx, query,
			sessionID, turnID, inv.Tool, inv.RequestedPath, inv.Outcome(),
			resolved, inv.BytesWritten, at.UnixNano(),
		)
		return err
	})
}

// RecordTransition stores a committed pipeline state change.
func (s *SQLiteAudit) RecordTransition(ctx context.Context, sessionID string, from, to domain.PipelineState, at time.Time) error {
	query := `INSERT INTO pipeline_transitions (session_id, from_state, to_state, created_at) VALUES (?, ?, ?, ?)`
	return execWithRetry(ctx, "record transition", sessionID, func() error {
		_, err := s.db.ExecContext(ctx, query, sessionID, string(from), string(to), at.UnixNano())
		return err
	})
}

// ListInvocations returns the stored invocations of a session, oldest first.
func (s *SQLiteAudit) ListInvocations(ctx context.Context, sessionID string) ([]InvocationRecord, error) {
	query := `
		SELECT session_id, turn_id, tool, requested_path, outcome, resolved_path, bytes_written, created_at
		FROM tool_invocations WHERE session_id = ? ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Debug("Failed to close invocation rows", "error", closeErr)
		}
	}()

	var records []InvocationRecord
	for rows.Next() {
		var rec InvocationRecord
		var resolved sql.NullString
		var createdAt int64
		if err := rows.Scan(
			&rec.SessionID, &rec.TurnID, &rec.Tool, &rec.RequestedPath,
			&rec.Outcome, &resolved, &rec.BytesWritten, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan invocation row: %w", err)
		}
		rec.ResolvedPath = resolved.String
		rec.CreatedAt = time.Unix(0, createdAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return records, nil
}

// execWithRetry runs fn with exponential backoff on SQLite lock contention.
func execWithRetry(ctx context.Context, op, sessionID string, fn func() error) error {
	maxRetries := 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isLockContention(err) || i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("Audit write hit a locked database, retrying",
			"op", op,
			"session_id", sessionID,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isLockContention reports whether err is SQLITE_BUSY or "database is
// locked", the two forms of writer contention worth retrying.
func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked")
}

// NopAudit discards all records. It is used when no audit database is set.
type NopAudit struct{}

var _ AuditLog = NopAudit{}

func (NopAudit) RecordInvocation(context.Context, string, string, domain.ToolInvocation) error {
	return nil
}

func (NopAudit) RecordTransition(context.Context, string, domain.PipelineState, domain.PipelineState, time.Time) error {
	return nil
}

func (NopAudit) ListInvocations(context.Context, string) ([]InvocationRecord, error) {
	return nil, nil
}

func (NopAudit) Ping(context.Context) error { return nil }

func (NopAudit) Close() error { return nil }
