package supervisor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/outpostlabs/sessiond/sessionstore"
)

func newTestSupervisor(t *testing.T) (*Supervisor, *sessionstore.Store) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	sup := New(store, SystemClock{}, nil)
	return sup, store
}

func waitForStatus(t *testing.T, store *sessionstore.Store, id string, want sessionstore.ProcessStatus, within time.Duration) *sessionstore.UserProcess {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		p, err := store.GetProcess(id)
		if err != nil {
			t.Fatalf("GetProcess() error = %v", err)
		}
		if p.Status == want {
			return p
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %s did not reach status %s within %s", id, want, within)
	return nil
}

func TestTrackProcessRecordsCleanExit(t *testing.T) {
	sup, store := newTestSupervisor(t)

	p, err := sup.TrackProcess(TrackOptions{Command: "sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("TrackProcess() error = %v", err)
	}
	if p.Status != sessionstore.ProcessRunning {
		t.Fatalf("initial status = %s, want running", p.Status)
	}

	got := waitForStatus(t, store, p.ID, sessionstore.ProcessStopped, time.Second)
	if got.ExitCode == nil || *got.ExitCode != 0 {
		t.Fatalf("exit code = %v, want 0", got.ExitCode)
	}
}

func TestTrackProcessRecordsNonZeroExitAsCrashed(t *testing.T) {
	sup, store := newTestSupervisor(t)

	p, err := sup.TrackProcess(TrackOptions{Command: "sh", Args: []string{"-c", "exit 7"}})
	if err != nil {
		t.Fatalf("TrackProcess() error = %v", err)
	}

	got := waitForStatus(t, store, p.ID, sessionstore.ProcessCrashed, time.Second)
	if got.ExitCode == nil || *got.ExitCode != 7 {
		t.Fatalf("exit code = %v, want 7", got.ExitCode)
	}
}

func TestAutoRestartOnCrash(t *testing.T) {
	sup, store := newTestSupervisor(t)

	p, err := sup.TrackProcess(TrackOptions{Command: "sh", Args: []string{"-c", "exit 1"}, AutoRestart: true})
	if err != nil {
		t.Fatalf("TrackProcess() error = %v", err)
	}
	waitForStatus(t, store, p.ID, sessionstore.ProcessCrashed, time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		all, err := store.ListAllProcesses()
		if err != nil {
			t.Fatalf("ListAllProcesses() error = %v", err)
		}
		if len(all) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("auto-restart did not spawn a replacement process row")
}

func TestStopProcessMarksKilled(t *testing.T) {
	sup, store := newTestSupervisor(t)

	p, err := sup.TrackProcess(TrackOptions{Command: "sleep", Args: []string{"30"}})
	if err != nil {
		t.Fatalf("TrackProcess() error = %v", err)
	}

	if err := sup.StopProcess(p.ID); err != nil {
		t.Fatalf("StopProcess() error = %v", err)
	}

	got, err := store.GetProcess(p.ID)
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if got.Status != sessionstore.ProcessKilled {
		t.Fatalf("status = %s, want killed", got.Status)
	}
}

func TestGetStatusNotFound(t *testing.T) {
	sup, _ := newTestSupervisor(t)
	if _, err := sup.GetStatus("missing"); err != ErrNotFound {
		t.Fatalf("GetStatus() error = %v, want ErrNotFound", err)
	}
}

func TestRestoreProcessesMarksDeadPidsCrashed(t *testing.T) {
	sup, store := newTestSupervisor(t)

	now := time.Now()
	if err := store.InsertProcess(&sessionstore.UserProcess{
		ID: "stale", Pid: 999999, Command: "ghost", Status: sessionstore.ProcessRunning,
		StartedAt: now, LastSeen: now,
	}); err != nil {
		t.Fatalf("InsertProcess() error = %v", err)
	}

	if err := sup.restoreProcesses(); err != nil {
		t.Fatalf("restoreProcesses() error = %v", err)
	}

	got, err := store.GetProcess("stale")
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if got.Status != sessionstore.ProcessCrashed {
		t.Fatalf("status = %s, want crashed", got.Status)
	}
}

func TestIsProcessRunning(t *testing.T) {
	if isProcessRunning(0) {
		t.Error("isProcessRunning(0) = true, want false")
	}
	if isProcessRunning(999999) {
		t.Error("isProcessRunning(999999) = true, want false (pid should not exist)")
	}
}
