package ledger

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"audiocache/work/logger"
)

// Ledger records videos whose extraction exhausted every strategy, so the
// prefetch scheduler stops hammering the same dead ids on every scan. A
// client re-request still goes through the full plan; the ledger only gates
// background work.
type Ledger struct {
	db *sql.DB
}

// FailureRow is one exhausted-extraction record.
type FailureRow struct {
	VideoID     string
	Strategy    string
	Reason      string
	ExhaustedAt time.Time
}

// Open creates or opens the ledger database with WAL mode and a busy
// timeout suitable for a single-process writer.
func Open(path string) (*Ledger, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger migration: %w", err)
	}

	logger.Debug("{ledger - Open} Extraction ledger opened at %s", path)
	return l, nil
}

func (l *Ledger) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS extraction_failures (
			video_id     TEXT PRIMARY KEY,
			strategy     TEXT NOT NULL,
			reason       TEXT NOT NULL,
			exhausted_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// MarkExhausted records (or refreshes) a video whose plan ran out. The last
// failing strategy and its diagnostics are kept for the admin surface.
func (l *Ledger) MarkExhausted(videoID, strategy, reason string) error {
	_, err := l.db.Exec(`
		INSERT INTO extraction_failures (video_id, strategy, reason, exhausted_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(video_id) DO UPDATE SET
			strategy = excluded.strategy,
			reason = excluded.reason,
			exhausted_at = CURRENT_TIMESTAMP
	`, videoID, strategy, reason)
	if err != nil {
		return fmt.Errorf("mark exhausted: %w", err)
	}
	return nil
}

// RecentlyExhausted reports whether the video failed all strategies within
// the given window.
func (l *Ledger) RecentlyExhausted(videoID string, window time.Duration) (bool, error) {
	var exists bool
	err := l.db.QueryRow(`
		SELECT EXISTS(
			SELECT 1 FROM extraction_failures
			WHERE video_id = ? AND exhausted_at > ?
		)
	`, videoID, time.Now().Add(-window).UTC()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check exhausted: %w", err)
	}
	return exists, nil
}

// Clear removes a video's failure record, typically after a later
// extraction succeeded.
func (l *Ledger) Clear(videoID string) error {
	_, err := l.db.Exec(`DELETE FROM extraction_failures WHERE video_id = ?`, videoID)
	if err != nil {
		return fmt.Errorf("clear failure record: %w", err)
	}
	return nil
}

// Recent returns the most recent failure records, newest first.
func (l *Ledger) Recent(limit int) ([]FailureRow, error) {
	rows, err := l.db.Query(`
		SELECT video_id, strategy, reason, exhausted_at
		FROM extraction_failures
		ORDER BY exhausted_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()

	var out []FailureRow
	for rows.Next() {
		var r FailureRow
		if err := rows.Scan(&r.VideoID, &r.Strategy, &r.Reason, &r.ExhaustedAt); err != nil {
			return nil, fmt.Errorf("scan failure row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}
