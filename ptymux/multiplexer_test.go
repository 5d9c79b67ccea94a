package ptymux

import (
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/outpostlabs/sessiond/layout"
	"github.com/outpostlabs/sessiond/session"
	"github.com/outpostlabs/sessiond/sessionstore"
	"github.com/outpostlabs/sessiond/transport"
	"github.com/outpostlabs/sessiond/workspace"
)

type captureBroadcaster struct {
	mu   sync.Mutex
	msgs []transport.Message
	done chan struct{}
}

func newCaptureBroadcaster() *captureBroadcaster {
	return &captureBroadcaster{done: make(chan struct{}, 64)}
}

func (c *captureBroadcaster) Emit(socketID string, msg transport.Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, msg)
	c.mu.Unlock()
	select {
	case c.done <- struct{}{}:
	default:
	}
}

func (c *captureBroadcaster) EmitRoom(workspaceID string, msg transport.Message) {
	c.Emit("", msg)
}

func (c *captureBroadcaster) types() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Type
	}
	return out
}

func newTestMultiplexer(t *testing.T) (*Multiplexer, *session.Manager) {
	t.Helper()
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mgr, err := session.NewManager(store, session.SystemClock{}, nil)
	if err != nil {
		t.Fatalf("session.NewManager() error = %v", err)
	}
	t.Cleanup(mgr.Cleanup)

	workspaces := workspace.NewStaticService([]workspace.Workspace{{ID: "ws1", Name: "ws1", LocalPath: t.TempDir()}})
	layouts := layout.NewEngine(store, nil)

	mux, err := New(mgr, workspaces, layouts, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(mux.Shutdown)
	return mux, mgr
}

func TestCreatePtyForSocketSpawnsNewSession(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	result, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{
		WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, Name: "main", CanRecover: true,
	})
	if err != nil {
		t.Fatalf("CreatePtyForSocket() error = %v", err)
	}
	if result.Mode != modeCreated {
		t.Fatalf("CreatePtyForSocket() mode = %s, want created", result.Mode)
	}
	if !result.Replay {
		t.Fatal("CreatePtyForSocket() replay = false, want true for first visit")
	}
	if result.Session.Status != sessionstore.SessionActive {
		t.Fatalf("session status = %s, want active", result.Session.Status)
	}

	mux.mu.RLock()
	_, live := mux.live[result.Session.ID]
	mux.mu.RUnlock()
	if !live {
		t.Fatal("session not registered in live map")
	}
}

func TestCreatePtyForSocketResumesSameSocket(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	first, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, CanRecover: true})
	if err != nil {
		t.Fatalf("CreatePtyForSocket() error = %v", err)
	}

	second, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("second CreatePtyForSocket() error = %v", err)
	}
	if second.Mode != modeResumed {
		t.Fatalf("second CreatePtyForSocket() mode = %s, want resumed", second.Mode)
	}
	if second.Session.ID != first.Session.ID {
		t.Fatalf("resumed session id = %s, want %s", second.Session.ID, first.Session.ID)
	}
	if second.Replay {
		t.Fatal("second CreatePtyForSocket() replay = true, want suppressed for a repeat visit in the same workspace")
	}
}

func TestCreatePtyForSocketForceNewCreatesSecondSession(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	first, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, CanRecover: true})
	if err != nil {
		t.Fatalf("CreatePtyForSocket() error = %v", err)
	}

	second, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, ForceNew: true})
	if err != nil {
		t.Fatalf("second CreatePtyForSocket() error = %v", err)
	}
	if second.Mode != modeCreated {
		t.Fatalf("ForceNew CreatePtyForSocket() mode = %s, want created", second.Mode)
	}
	if second.Session.ID == first.Session.ID {
		t.Fatal("ForceNew CreatePtyForSocket() reused the existing default session, want a distinct one")
	}
}

func TestSwitchSocketToSessionReplaySuppression(t *testing.T) {
	mux, _ := newTestMultiplexer(t)

	a, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, ForceNew: true})
	if err != nil {
		t.Fatalf("create A error = %v", err)
	}
	b, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24, ForceNew: true})
	if err != nil {
		t.Fatalf("create B error = %v", err)
	}

	// Switching back to A within the same workspace is a repeat visit: no replay.
	replay := mux.switchSocketToSession("sock-1", "ws1", a.Session.ID)
	if replay {
		t.Fatal("switchSocketToSession(A) replay = true, want suppressed (repeat visit)")
	}

	// First visit to B again after switching away and back is still a repeat
	// visit within the same workspace attachment.
	replay = mux.switchSocketToSession("sock-1", "ws1", b.Session.ID)
	if replay {
		t.Fatal("switchSocketToSession(B) replay = true, want suppressed (already visited)")
	}

	// A workspace switch always replays, even revisiting a previously-seen session id.
	replay = mux.switchSocketToSession("sock-1", "ws2", a.Session.ID)
	if !replay {
		t.Fatal("switchSocketToSession after workspace switch replay = false, want true")
	}
}

func TestHandleInputWritesToShellAndBroadcasts(t *testing.T) {
	mux, _ := newTestMultiplexer(t)
	bc := newCaptureBroadcaster()
	mux.SetBroadcaster(bc)

	result, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreatePtyForSocket() error = %v", err)
	}

	if err := mux.HandleInput(result.Session.ID, []byte("echo hi\r")); err != nil {
		t.Fatalf("HandleInput() error = %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		bc.mu.Lock()
		seen := false
		for _, msg := range bc.msgs {
			if msg.Type == "terminal-output" && strings.Contains(msg.Data, "hi") {
				seen = true
			}
		}
		bc.mu.Unlock()
		if seen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no output broadcast within timeout")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResizeUnknownSession(t *testing.T) {
	mux, _ := newTestMultiplexer(t)
	if err := mux.Resize("missing", 80, 24); err != ErrNotFound {
		t.Fatalf("Resize() error = %v, want ErrNotFound", err)
	}
}

func TestCloseRemovesFromAllIndexesAndEmitsKilled(t *testing.T) {
	mux, _ := newTestMultiplexer(t)
	bc := newCaptureBroadcaster()
	mux.SetBroadcaster(bc)

	result, err := mux.CreatePtyForSocket("sock-1", SpawnOptions{WorkspaceID: "ws1", Shell: "/bin/sh", Cols: 80, Rows: 24})
	if err != nil {
		t.Fatalf("CreatePtyForSocket() error = %v", err)
	}

	if err := mux.Close(result.Session.ID); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	mux.mu.RLock()
	_, live := mux.live[result.Session.ID]
	_, bound := mux.socketToSession["sock-1"]
	mux.mu.RUnlock()
	if live || bound {
		t.Fatalf("Close() left stale index entries: live=%v bound=%v", live, bound)
	}

	found := false
	for _, ty := range bc.types() {
		if ty == "terminal-killed" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Close() events = %v, want terminal-killed", bc.types())
	}
}

func TestRestartRecoveryTerminatesActiveRows(t *testing.T) {
	store, err := sessionstore.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("sessionstore.Open() error = %v", err)
	}
	defer store.Close()

	now := time.Now()
	if err := store.InsertSession(&sessionstore.Session{
		ID: "s1", WorkspaceID: "ws1", RecoveryToken: "t1", SessionName: "main",
		Status: sessionstore.SessionActive, TerminalSize: sessionstore.TerminalSize{Cols: 80, Rows: 24},
		MaxIdleTime: 1440, AutoCleanup: true, CreatedAt: now, LastActivityAt: now,
	}); err != nil {
		t.Fatalf("InsertSession() error = %v", err)
	}

	n, err := RestartRecovery(store, now)
	if err != nil {
		t.Fatalf("RestartRecovery() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("RestartRecovery() terminated = %d, want 1", n)
	}

	got, err := store.GetSession("s1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if got.Status != sessionstore.SessionTerminated {
		t.Fatalf("status = %s, want terminated", got.Status)
	}
}
