package ledger

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMarkAndCheckExhausted(t *testing.T) {
	l := openTestLedger(t)

	if err := l.MarkExhausted("dQw4w9WgXcQ", "anon+mweb", "sign in to confirm"); err != nil {
		t.Fatalf("MarkExhausted() error: %v", err)
	}

	recent, err := l.RecentlyExhausted("dQw4w9WgXcQ", 24*time.Hour)
	if err != nil {
		t.Fatalf("RecentlyExhausted() error: %v", err)
	}
	if !recent {
		t.Error("freshly marked video must report recently exhausted")
	}

	recent, err = l.RecentlyExhausted("otherVideo1", 24*time.Hour)
	if err != nil {
		t.Fatalf("RecentlyExhausted() error: %v", err)
	}
	if recent {
		t.Error("unmarked video must not report exhausted")
	}
}

func TestMarkExhaustedUpserts(t *testing.T) {
	l := openTestLedger(t)

	if err := l.MarkExhausted("dQw4w9WgXcQ", "anon+tv", "first"); err != nil {
		t.Fatalf("MarkExhausted() error: %v", err)
	}
	if err := l.MarkExhausted("dQw4w9WgXcQ", "anon+mweb", "second"); err != nil {
		t.Fatalf("second MarkExhausted() error: %v", err)
	}

	rows, err := l.Recent(10)
	if err != nil {
		t.Fatalf("Recent() error: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected a single row after upsert, got %d", len(rows))
	}
	if rows[0].Strategy != "anon+mweb" || rows[0].Reason != "second" {
		t.Errorf("row = %+v, want the refreshed record", rows[0])
	}
}

func TestClear(t *testing.T) {
	l := openTestLedger(t)

	if err := l.MarkExhausted("dQw4w9WgXcQ", "anon+tv", "blocked"); err != nil {
		t.Fatalf("MarkExhausted() error: %v", err)
	}
	if err := l.Clear("dQw4w9WgXcQ"); err != nil {
		t.Fatalf("Clear() error: %v", err)
	}

	recent, err := l.RecentlyExhausted("dQw4w9WgXcQ", 24*time.Hour)
	if err != nil {
		t.Fatalf("RecentlyExhausted() error: %v", err)
	}
	if recent {
		t.Error("cleared video must not report exhausted")
	}
}

func TestClearMissingIsNotAnError(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Clear("neverSeen01"); err != nil {
		t.Errorf("Clear() on a missing id must be a no-op, got: %v", err)
	}
}
