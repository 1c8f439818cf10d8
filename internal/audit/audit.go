// Package audit keeps a durable record of every resolved poll so moderators
// can review what the automation did and why.
package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

var (
	writeMaxElapsedTime  = 10 * time.Second
	writeInitialInterval = 100 * time.Millisecond
	writeMaxRetries      = uint64(4)
)

// Entry is one resolved poll outcome.
type Entry struct {
	PollID     string
	Kind       string
	SubjectID  uint64
	Yes        int
	No         int
	Verdict    string
	Action     string
	ResolvedAt int64
}

// Log appends poll outcomes to a local SQLite database. A single connection
// guarded by a mutex is enough here since writes happen at poll-resolution
// frequency.
type Log struct {
	mu     sync.Mutex
	conn   *sqlite.Conn
	logger *zap.Logger
}

// Open creates or opens the audit database and ensures the schema exists.
func Open(path string, logger *zap.Logger) (*Log, error) {
	conn, err := sqlite.OpenConn(path, sqlite.OpenCreate|sqlite.OpenReadWrite)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	err = sqlitex.Execute(conn, `
		CREATE TABLE IF NOT EXISTS poll_audit (
			poll_id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject_id INTEGER NOT NULL,
			yes INTEGER NOT NULL,
			no INTEGER NOT NULL,
			verdict TEXT NOT NULL,
			action TEXT NOT NULL,
			resolved_at INTEGER NOT NULL
		)
	`, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	return &Log{
		conn:   conn,
		logger: logger.Named("audit"),
	}, nil
}

// Close releases the database connection.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.conn.Close()
}

// Record appends one entry, retrying transient write failures (for example a
// briefly locked database) with exponential backoff.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(writeMaxElapsedTime),
		backoff.WithInitialInterval(writeInitialInterval),
	), writeMaxRetries)

	err := backoff.Retry(func() error {
		return l.insert(entry)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("audit write failed after retries: %w", err)
	}

	return nil
}

func (l *Log) insert(entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return sqlitex.Execute(l.conn, `
		INSERT OR REPLACE INTO poll_audit
			(poll_id, kind, subject_id, yes, no, verdict, action, resolved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, &sqlitex.ExecOptions{
		Args: []any{
			entry.PollID, entry.Kind, int64(entry.SubjectID),
			entry.Yes, entry.No, entry.Verdict, entry.Action, entry.ResolvedAt,
		},
	})
}

// Recent returns the latest entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry

	err := sqlitex.Execute(l.conn, `
		SELECT poll_id, kind, subject_id, yes, no, verdict, action, resolved_at
		FROM poll_audit
		ORDER BY resolved_at DESC
		LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{limit},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			entries = append(entries, Entry{
				PollID:     stmt.ColumnText(0),
				Kind:       stmt.ColumnText(1),
				SubjectID:  uint64(stmt.ColumnInt64(2)),
				Yes:        stmt.ColumnInt(3),
				No:         stmt.ColumnInt(4),
				Verdict:    stmt.ColumnText(5),
				Action:     stmt.ColumnText(6),
				ResolvedAt: stmt.ColumnInt64(7),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entries: %w", err)
	}

	return entries, nil
}
