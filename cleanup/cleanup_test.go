package cleanup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/outpostlabs/sessiond/sessionstore"
)

func newTestCoordinator(t *testing.T) (*Coordinator, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func TestSweepCSRFTokensDeletesExpired(t *testing.T) {
	c, store := newTestCoordinator(t)
	past := time.Now().Add(-time.Hour)
	if err := store.InsertCSRFToken(&sessionstore.CSRFToken{Token: "t1", UserID: "u1", ExpiresAt: past}); err != nil {
		t.Fatalf("InsertCSRFToken() error = %v", err)
	}

	n, err := c.sweepCSRFTokens()
	if err != nil {
		t.Fatalf("sweepCSRFTokens() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("sweepCSRFTokens() = %d, want 1", n)
	}
}

func TestRunGuardedRecordsStatusOnPanic(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.runGuarded("boom", func() (int64, error) { panic("kaboom") })

	statuses := c.GetStatus()
	if len(statuses) != 1 {
		t.Fatalf("GetStatus() len = %d, want 1", len(statuses))
	}
	if statuses[0].LastErr == nil {
		t.Fatal("expected recorded error after panic")
	}
}

func TestRunGuardedRecordsSuccess(t *testing.T) {
	c, _ := newTestCoordinator(t)
	c.runGuarded("ok", func() (int64, error) { return 3, nil })

	statuses := c.GetStatus()
	if len(statuses) != 1 || statuses[0].LastCount != 3 || statuses[0].LastErr != nil {
		t.Fatalf("GetStatus() = %+v", statuses)
	}
}
