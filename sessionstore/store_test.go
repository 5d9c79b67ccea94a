package sessionstore

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "sessiond.db")
	s, err := Open(dsn)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionCRUD(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()

	sess := &Session{
		ID:               "sess-1",
		WorkspaceID:      "ws-1",
		RecoveryToken:    "tok-1",
		SessionName:      "main",
		IsDefaultSession: true,
		SessionType:      "terminal",
		ShellPid:         1234,
		Status:           SessionActive,
		EnvironmentVars:  map[string]string{"HOME": "/home/claude"},
		TerminalSize:     TerminalSize{Cols: 80, Rows: 30},
		MaxIdleTime:      1440,
		AutoCleanup:      true,
		CanRecover:       true,
		CreatedAt:        now,
		LastActivityAt:   now,
	}
	if err := s.InsertSession(sess); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	got, err := s.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.SessionName != "main" || got.TerminalSize.Cols != 80 {
		t.Fatalf("GetSession() = %+v, mismatched fields", got)
	}

	byToken, err := s.GetSessionByRecoveryToken("tok-1")
	if err != nil {
		t.Fatalf("GetSessionByRecoveryToken() error = %v", err)
	}
	if byToken.ID != "sess-1" {
		t.Fatalf("GetSessionByRecoveryToken() ID = %s, want sess-1", byToken.ID)
	}

	cmd := "ls -la"
	if err := s.UpdateSessionState("sess-1", SessionPatch{LastCommand: &cmd}, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpdateSessionState() error = %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.LastCommand != "ls -la" || len(got.ShellHistory) != 1 {
		t.Fatalf("UpdateSessionState() did not persist lastCommand/shellHistory: %+v", got)
	}

	if err := s.DetachSocket("sess-1", now); err != nil {
		t.Fatalf("DetachSocket() error = %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.Status != SessionPaused || got.SocketID != nil {
		t.Fatalf("DetachSocket() did not pause/clear socket: %+v", got)
	}

	if err := s.TerminateSession("sess-1", now); err != nil {
		t.Fatalf("TerminateSession() error = %v", err)
	}
	got, _ = s.GetSession("sess-1")
	if got.Status != SessionTerminated || got.CanRecover {
		t.Fatalf("TerminateSession() did not terminate: %+v", got)
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	if _, err := s.GetSession("missing"); err != ErrNotFound {
		t.Fatalf("GetSession(missing) error = %v, want ErrNotFound", err)
	}
}

func TestBulkTerminateActive(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	for _, id := range []string{"a", "b"} {
		if err := s.InsertSession(&Session{
			ID: id, WorkspaceID: "ws", SessionName: id, Status: SessionActive,
			TerminalSize: TerminalSize{Cols: 80, Rows: 30}, MaxIdleTime: 1440,
			CreatedAt: now, LastActivityAt: now,
		}); err != nil {
			t.Fatalf("InsertSession(%s) error = %v", id, err)
		}
	}
	n, err := s.BulkTerminateActive(now)
	if err != nil {
		t.Fatalf("BulkTerminateActive() error = %v", err)
	}
	if n != 2 {
		t.Fatalf("BulkTerminateActive() = %d, want 2", n)
	}
	counts, err := s.CountSessionsByStatus()
	if err != nil {
		t.Fatalf("CountSessionsByStatus() error = %v", err)
	}
	if counts[SessionTerminated] != 2 {
		t.Fatalf("CountSessionsByStatus()[terminated] = %d, want 2", counts[SessionTerminated])
	}
}

func TestLayoutCRUD(t *testing.T) {
	s := openTestStore(t)
	l := &Layout{
		ID: "layout-1", WorkspaceID: "ws-1", Name: "default", LayoutType: LayoutSingle, IsDefault: true,
		Configuration: LayoutConfiguration{
			Type: LayoutSingle,
			Panes: []Pane{
				{ID: "pane-0", Position: "main", Tabs: []string{}, Status: PanePending},
			},
		},
	}
	if err := s.InsertLayout(l); err != nil {
		t.Fatalf("InsertLayout() error = %v", err)
	}

	got, err := s.GetDefaultLayout("ws-1")
	if err != nil {
		t.Fatalf("GetDefaultLayout() error = %v", err)
	}
	if len(got.Configuration.Panes) != 1 {
		t.Fatalf("GetDefaultLayout() panes = %d, want 1", len(got.Configuration.Panes))
	}

	got.Configuration.Panes[0].Tabs = []string{"sess-1"}
	if err := s.UpdateLayoutConfiguration(l.ID, got.Configuration); err != nil {
		t.Fatalf("UpdateLayoutConfiguration() error = %v", err)
	}
	got, _ = s.GetLayout(l.ID)
	if len(got.Configuration.Panes[0].Tabs) != 1 {
		t.Fatalf("UpdateLayoutConfiguration() did not persist: %+v", got.Configuration)
	}
}

func TestProcessCRUD(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	p := &UserProcess{
		ID: "proc-1", Pid: 999, Command: "npm", Args: []string{"run", "dev"},
		Status: ProcessRunning, AutoRestart: true, StartedAt: now, LastSeen: now,
	}
	if err := s.InsertProcess(p); err != nil {
		t.Fatalf("InsertProcess() error = %v", err)
	}

	got, err := s.GetProcess("proc-1")
	if err != nil {
		t.Fatalf("GetProcess() error = %v", err)
	}
	if len(got.Args) != 2 || got.Args[1] != "dev" {
		t.Fatalf("GetProcess() args = %v", got.Args)
	}

	exitCode := 1
	if err := s.UpdateProcessExit("proc-1", ProcessCrashed, &exitCode, now); err != nil {
		t.Fatalf("UpdateProcessExit() error = %v", err)
	}
	got, _ = s.GetProcess("proc-1")
	if got.Status != ProcessCrashed || got.ExitCode == nil || *got.ExitCode != 1 {
		t.Fatalf("UpdateProcessExit() did not persist: %+v", got)
	}
}

func TestAuthEviction(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	if err := s.InsertCSRFToken(&CSRFToken{Token: "t1", UserID: "u1", ExpiresAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("InsertCSRFToken() error = %v", err)
	}
	if err := s.InsertCSRFToken(&CSRFToken{Token: "t2", UserID: "u1", ExpiresAt: now.Add(time.Hour)}); err != nil {
		t.Fatalf("InsertCSRFToken() error = %v", err)
	}
	n, err := s.DeleteExpiredCSRFTokens(now)
	if err != nil {
		t.Fatalf("DeleteExpiredCSRFTokens() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("DeleteExpiredCSRFTokens() = %d, want 1", n)
	}
}
