package ptymux

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/classifier"
	"github.com/outpostlabs/sessiond/history"
	"github.com/outpostlabs/sessiond/layout"
	"github.com/outpostlabs/sessiond/session"
	"github.com/outpostlabs/sessiond/sessionstore"
	"github.com/outpostlabs/sessiond/transport"
	"github.com/outpostlabs/sessiond/workspace"
)

// Sentinel errors.
var (
	ErrNotFound = errors.New("ptymux: session not found")
)

const (
	cleanupInterval = 5 * time.Minute
	readChunkSize   = 4096
)

// Broadcaster delivers events to connected sockets: Emit targets one socket,
// EmitRoom fans out to every socket in a workspace's room. transport.WSHub
// satisfies this; tests can stub it.
type Broadcaster interface {
	Emit(socketID string, msg transport.Message)
	EmitRoom(workspaceID string, msg transport.Message)
}

// SpawnOptions configures CreatePtyForSocket's resolution of a target
// session for a connecting (or reconnecting) socket.
type SpawnOptions struct {
	WorkspaceID   string
	SessionID     string // caller-specified target, takes priority over the workspace's default
	RecoveryToken string // recovers a specific row regardless of in-memory state

	// ForceNew skips default-session reuse and always creates a fresh,
	// non-default session — the path for opening an additional tab in a
	// workspace that already has one running.
	ForceNew bool

	Shell     string
	ShellArgs []string
	Env       map[string]string
	Cols, Rows uint16
	Name       string
	IsDefault  bool

	AutoCleanup bool
	CanRecover  bool
}

// socketBinding is what a connected socket is currently attached to.
type socketBinding struct {
	workspaceID string
	sessionID   string
}

// workspaceState is the in-memory per-workspace bookkeeping: which sessions
// are live, which one is the default, and the layout they're arranged in.
type workspaceState struct {
	sessionIDs       []string
	defaultSessionID *string
	layoutID         string
}

// active is one live PTY-backed session. sockets is a set, not a single
// pointer: several tabs/clients may be watching the same shell at once.
type active struct {
	sessionID   string
	workspaceID string
	term        *terminal
	hist        *history.Log

	mu          sync.Mutex
	sockets     map[string]bool
	lastCmdLine bytes.Buffer // accumulates the current unterminated input line for command classification
	manualClose bool         // set by Close so watchShellExit treats the exit as expected
}

// ResolveResult is CreatePtyForSocket's outcome.
type ResolveResult struct {
	Session *sessionstore.Session
	Mode    string // "resumed", "recovered", or "created"
	Replay  bool
}

const (
	modeResumed   = "resumed"
	modeRecovered = "recovered"
	modeCreated   = "created"
)

// Multiplexer is the PTY multiplexer (C5): it owns live shell processes,
// routes their output to scrollback and connected sockets, keeps each
// workspace's layout in sync with its live sessions, and reconciles socket
// (re)connection against the session store.
type Multiplexer struct {
	sessions   *session.Manager
	workspaces workspace.Service
	layouts    *layout.Engine
	watcher    *history.Watcher
	historyDir string
	broadcast  Broadcaster
	log        *logrus.Entry

	mu sync.RWMutex
	// workspaceSessions indexes live sessions, the default, and the layout
	// for each workspace the multiplexer has touched.
	workspaceSessions map[string]*workspaceState
	// socketToSession maps a connected socket id to what it's watching.
	socketToSession map[string]socketBinding
	// socketSessionHistory tracks which sessions a socket has already
	// visited within its CURRENT workspace attachment — reset on workspace
	// switch, accumulated on same-workspace tab switch — to drive replay
	// suppression.
	socketSessionHistory map[string]map[string]bool
	live                 map[string]*active // sessionId -> active PTY

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Multiplexer. historyDir is where per-session scrollback
// files live; broadcast may be nil until the transport layer wires itself in
// via SetBroadcaster.
func New(sessions *session.Manager, workspaces workspace.Service, layouts *layout.Engine, historyDir string, log *logrus.Entry) (*Multiplexer, error) {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	watcher, err := history.NewWatcher(historyDir, log)
	if err != nil {
		return nil, fmt.Errorf("ptymux: new watcher: %w", err)
	}
	return &Multiplexer{
		sessions:             sessions,
		workspaces:           workspaces,
		layouts:              layouts,
		watcher:              watcher,
		historyDir:           historyDir,
		log:                  log.WithField("component", "ptymux.Multiplexer"),
		workspaceSessions:    make(map[string]*workspaceState),
		socketToSession:      make(map[string]socketBinding),
		socketSessionHistory: make(map[string]map[string]bool),
		live:                 make(map[string]*active),
		stopCh:               make(chan struct{}),
	}, nil
}

// SetBroadcaster wires the transport layer's fan-out after construction,
// breaking the import cycle between ptymux and transport/server.
func (m *Multiplexer) SetBroadcaster(b Broadcaster) {
	m.mu.Lock()
	m.broadcast = b
	m.mu.Unlock()
}

// Start begins the periodic sweep that closes sessions whose shell process
// has exited.
func (m *Multiplexer) Start() {
	m.wg.Add(1)
	go m.cleanupLoop()
}

// SocketsForSession returns every socket id currently bound to sessionID.
func (m *Multiplexer) SocketsForSession(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for sock, b := range m.socketToSession {
		if b.sessionID == sessionID {
			out = append(out, sock)
		}
	}
	return out
}

// SessionForSocket returns the session id socketID is currently bound to.
func (m *Multiplexer) SessionForSocket(socketID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.socketToSession[socketID]
	return b.sessionID, ok
}

// CreatePtyForSocket implements the PTY resolution order for a connecting
// socket:
//  1. resolve the workspace (erroring if unknown);
//  2. ensure the workspace's in-memory state and layout exist;
//  3. choose a target session — caller-specified id, else the workspace's
//     in-memory default, else (absent ForceNew) none yet;
//  4. resume it if already live; else recover it by token/id if a row
//     exists for this workspace; else spawn it fresh;
//  5. switch the socket onto it, computing replay suppression, and emit the
//     matching lifecycle event (+ replay, if due).
func (m *Multiplexer) CreatePtyForSocket(socketID string, opts SpawnOptions) (*ResolveResult, error) {
	workspaceID := opts.WorkspaceID
	var ws *workspace.Workspace
	if workspaceID != "" {
		w, ok := m.workspaces.GetWorkspace(workspaceID)
		if !ok {
			return nil, fmt.Errorf("%w: workspace %s", ErrNotFound, workspaceID)
		}
		ws = w
	} else {
		all := m.workspaces.ListWorkspaces()
		if len(all) == 0 {
			return nil, fmt.Errorf("%w: no workspaces configured", ErrNotFound)
		}
		first := all[0]
		ws = &first
		workspaceID = ws.ID
	}

	state := m.ensureWorkspaceState(workspaceID)

	targetID := opts.SessionID
	var live *active
	switch {
	case targetID != "":
		m.mu.RLock()
		live = m.live[targetID]
		m.mu.RUnlock()
	case opts.ForceNew || opts.RecoveryToken != "":
		// explicit new-session or token-recovery request: skip default reuse.
	default:
		m.mu.RLock()
		def := state.defaultSessionID
		m.mu.RUnlock()
		if def != nil {
			targetID = *def
			m.mu.RLock()
			live = m.live[targetID]
			m.mu.RUnlock()
			if live == nil {
				targetID = ""
			}
		}
	}

	var result ResolveResult
	switch {
	case targetID != "" && live != nil:
		sess, err := m.sessions.GetSession(targetID)
		if err != nil {
			return nil, fmt.Errorf("ptymux: resolve live session: %w", err)
		}
		result = ResolveResult{Session: sess, Mode: modeResumed}

	case targetID != "" || opts.RecoveryToken != "":
		sess, err := m.lookupForRecovery(targetID, opts.RecoveryToken, workspaceID)
		if err != nil {
			return nil, err
		}
		if sess != nil {
			if err := m.recoverSession(sess, opts, ws); err != nil {
				return nil, err
			}
			result = ResolveResult{Session: sess, Mode: modeRecovered}
		} else {
			sess, err := m.createNewSession(workspaceID, targetID, opts, ws, state)
			if err != nil {
				return nil, err
			}
			result = ResolveResult{Session: sess, Mode: modeCreated}
		}

	default:
		sess, err := m.createNewSession(workspaceID, "", opts, ws, state)
		if err != nil {
			return nil, err
		}
		result = ResolveResult{Session: sess, Mode: modeCreated}
	}

	result.Replay = m.switchSocketToSession(socketID, workspaceID, result.Session.ID)
	m.emitHandshake(socketID, workspaceID, result)
	if result.Replay {
		m.replayTo(socketID, result.Session.ID)
	}
	return &result, nil
}

func (m *Multiplexer) ensureWorkspaceState(workspaceID string) *workspaceState {
	m.mu.Lock()
	state, ok := m.workspaceSessions[workspaceID]
	if !ok {
		state = &workspaceState{}
		m.workspaceSessions[workspaceID] = state
	}
	needsLayout := state.layoutID == ""
	m.mu.Unlock()

	if needsLayout {
		if l, err := m.layouts.GetDefaultLayout(workspaceID); err != nil {
			m.log.WithError(err).WithField("workspaceId", workspaceID).Warn("ensureWorkspaceState: get default layout failed")
		} else {
			m.mu.Lock()
			state.layoutID = l.ID
			m.mu.Unlock()
		}
	}
	return state
}

// lookupForRecovery resolves a row by recovery token (preferred) or session
// id, returning nil (not an error) if nothing recoverable belongs to this
// workspace.
func (m *Multiplexer) lookupForRecovery(sessionID, token, workspaceID string) (*sessionstore.Session, error) {
	var sess *sessionstore.Session
	var err error
	switch {
	case token != "":
		sess, err = m.sessions.FindSessionByRecoveryToken(token)
	case sessionID != "":
		sess, err = m.sessions.GetSession(sessionID)
		if errors.Is(err, sessionstore.ErrNotFound) || errors.Is(err, session.ErrNotFound) {
			sess, err = nil, nil
		}
	}
	if err != nil {
		return nil, fmt.Errorf("ptymux: recovery lookup: %w", err)
	}
	if sess == nil || sess.WorkspaceID != workspaceID || sess.Status == sessionstore.SessionTerminated {
		return nil, nil
	}
	return sess, nil
}

// createNewSession spawns a fresh shell under the PTY spawn contract and
// registers a new session row for it, adding it to the workspace's layout
// and live index.
func (m *Multiplexer) createNewSession(workspaceID, id string, opts SpawnOptions, ws *workspace.Workspace, state *workspaceState) (*sessionstore.Session, error) {
	shell, args := resolveShellCommand(opts.Shell, opts.ShellArgs)
	cols, rows := resolveSize(opts.Cols, opts.Rows)
	cwd := ws.LocalPath
	env := contractEnv(opts.Env)

	term, err := spawnTerminal(shell, args, cwd, env, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("ptymux: spawn shell: %w", err)
	}

	m.mu.RLock()
	hasDefault := state.defaultSessionID != nil
	m.mu.RUnlock()
	isDefault := opts.IsDefault || !hasDefault

	sess, err := m.sessions.CreateSession(session.CreateOptions{
		ID:                id,
		WorkspaceID:       workspaceID,
		ShellPid:          term.Pid(),
		TerminalSize:      sessionstore.TerminalSize{Cols: int(cols), Rows: int(rows)},
		Name:              opts.Name,
		IsDefault:         isDefault,
		AutoCleanup:       opts.AutoCleanup,
		CanRecover:        opts.CanRecover,
		CurrentWorkingDir: cwd,
		EnvironmentVars:   env,
	})
	if err != nil {
		_ = term.Close()
		return nil, fmt.Errorf("ptymux: create session row: %w", err)
	}

	if err := m.registerLive(sess, term, workspaceID); err != nil {
		return nil, err
	}

	if state.layoutID != "" {
		if _, err := m.layouts.AddSessionToLayout(state.layoutID, sess.ID); err != nil {
			m.log.WithError(err).WithField("sessionId", sess.ID).Warn("createNewSession: add to layout failed")
		}
	}

	m.mu.Lock()
	state.sessionIDs = append(state.sessionIDs, sess.ID)
	if isDefault {
		id := sess.ID
		state.defaultSessionID = &id
	}
	m.mu.Unlock()

	return sess, nil
}

// recoverSession respawns a shell for a row that has no live PTY, restoring
// its last known working directory and environment.
func (m *Multiplexer) recoverSession(sess *sessionstore.Session, opts SpawnOptions, ws *workspace.Workspace) error {
	m.mu.RLock()
	_, alreadyLive := m.live[sess.ID]
	m.mu.RUnlock()
	if alreadyLive {
		return nil
	}

	shell, args := resolveShellCommand(opts.Shell, opts.ShellArgs)
	cols, rows := resolveSize(uint16(sess.TerminalSize.Cols), uint16(sess.TerminalSize.Rows))
	if opts.Cols > 0 {
		cols = opts.Cols
	}
	if opts.Rows > 0 {
		rows = opts.Rows
	}
	cwd := sess.CurrentWorkingDir
	if cwd == "" {
		cwd = ws.LocalPath
	}
	env := sess.EnvironmentVars
	if len(env) == 0 {
		env = contractEnv(opts.Env)
	}

	term, err := spawnTerminal(shell, args, cwd, env, cols, rows)
	if err != nil {
		return fmt.Errorf("ptymux: respawn shell: %w", err)
	}
	if err := m.registerLive(sess, term, sess.WorkspaceID); err != nil {
		return err
	}
	if err := m.sessions.UpdateShellPid(sess.ID, term.Pid()); err != nil {
		m.log.WithError(err).WithField("sessionId", sess.ID).Warn("recoverSession: update shell pid failed")
	}

	state := m.ensureWorkspaceState(sess.WorkspaceID)
	m.mu.Lock()
	if !containsID(state.sessionIDs, sess.ID) {
		state.sessionIDs = append(state.sessionIDs, sess.ID)
	}
	m.mu.Unlock()
	return nil
}

// registerLive opens scrollback for sess, tracks it with the watcher, and
// starts its read/exit-watch goroutines.
func (m *Multiplexer) registerLive(sess *sessionstore.Session, term *terminal, workspaceID string) error {
	hist, err := history.Open(m.historyDir, workspaceID, sess.ID, m.log)
	if err != nil {
		_ = term.Close()
		return fmt.Errorf("ptymux: open history: %w", err)
	}
	m.watcher.Track(hist)

	a := &active{sessionID: sess.ID, workspaceID: workspaceID, term: term, hist: hist, sockets: make(map[string]bool)}

	m.mu.Lock()
	m.live[sess.ID] = a
	m.mu.Unlock()

	m.wg.Add(2)
	go m.readLoop(a)
	go m.watchShellExit(a)
	return nil
}

// switchSocketToSession detaches socketID from whatever it was previously
// watching, attaches it to sessionID, and reports whether a replay is due:
// replay = workspaceSwitch || first visit to this session since the socket
// last changed workspace.
func (m *Multiplexer) switchSocketToSession(socketID, workspaceID, sessionID string) bool {
	m.mu.Lock()
	prev, hadPrev := m.socketToSession[socketID]
	workspaceSwitch := !hadPrev || prev.workspaceID != workspaceID
	if workspaceSwitch {
		m.socketSessionHistory[socketID] = make(map[string]bool)
	}
	visited := m.socketSessionHistory[socketID]
	if visited == nil {
		visited = make(map[string]bool)
		m.socketSessionHistory[socketID] = visited
	}
	firstVisit := !visited[sessionID]
	visited[sessionID] = true
	m.socketToSession[socketID] = socketBinding{workspaceID: workspaceID, sessionID: sessionID}

	var prevActive *active
	if hadPrev && prev.sessionID != sessionID {
		prevActive = m.live[prev.sessionID]
	}
	newActive := m.live[sessionID]
	m.mu.Unlock()

	if prevActive != nil {
		m.detachSocketFromActive(prevActive, socketID, prev.sessionID)
	}
	if newActive != nil {
		m.attachSocketToActive(newActive, socketID)
	}

	return workspaceSwitch || firstVisit
}

func (m *Multiplexer) detachSocketFromActive(a *active, socketID, sessionID string) {
	a.mu.Lock()
	delete(a.sockets, socketID)
	empty := len(a.sockets) == 0
	a.mu.Unlock()
	if empty {
		if err := m.sessions.DetachSocketFromSession(sessionID); err != nil {
			m.log.WithError(err).WithField("sessionId", sessionID).Warn("detachSocketFromActive: detach failed")
		}
	}
}

func (m *Multiplexer) attachSocketToActive(a *active, socketID string) {
	a.mu.Lock()
	a.sockets[socketID] = true
	a.mu.Unlock()
	if err := m.sessions.AttachSocketToSession(a.sessionID, socketID); err != nil {
		m.log.WithError(err).WithField("sessionId", a.sessionID).Warn("attachSocketToActive: attach failed")
	}
}

// emitHandshake tells socketID what CreatePtyForSocket resolved: a
// terminal-created, terminal-resumed, or terminal-recovered event, the last
// carrying the recovered working directory/env/size.
func (m *Multiplexer) emitHandshake(socketID, workspaceID string, result ResolveResult) {
	m.mu.RLock()
	b := m.broadcast
	m.mu.RUnlock()
	if b == nil {
		return
	}

	sess := result.Session
	msg := transport.Message{
		WorkspaceID:   workspaceID,
		SessionID:     sess.ID,
		SessionName:   sess.SessionName,
		RecoveryToken: sess.RecoveryToken,
	}
	switch result.Mode {
	case modeCreated:
		msg.Type = "terminal-created"
	case modeResumed:
		msg.Type = "terminal-resumed"
	case modeRecovered:
		msg.Type = "terminal-recovered"
		msg.RecoveredState = &transport.RecoveredState{
			CurrentDir: sess.CurrentWorkingDir,
			EnvVars:    sess.EnvironmentVars,
			TerminalSize: transport.TerminalSize{
				Cols: sess.TerminalSize.Cols,
				Rows: sess.TerminalSize.Rows,
			},
		}
	}
	b.Emit(socketID, msg)
}

// replayTo sends sessionID's scrollback to socketID only, framed by opening
// and closing banners; silent if there's no history yet.
func (m *Multiplexer) replayTo(socketID, sessionID string) {
	m.mu.RLock()
	b := m.broadcast
	a, ok := m.live[sessionID]
	m.mu.RUnlock()
	if !ok || b == nil {
		return
	}

	recent := a.hist.GetRecent()
	if len(recent) == 0 {
		return
	}
	var body bytes.Buffer
	for _, chunk := range recent {
		body.Write(chunk)
	}

	b.Emit(socketID, transport.Message{Type: "terminal-output", SessionID: sessionID, Data: replayBanner})
	b.Emit(socketID, transport.Message{Type: "terminal-output", SessionID: sessionID, Data: body.String()})
	b.Emit(socketID, transport.Message{Type: "terminal-output", SessionID: sessionID, Data: replayClosingBanner})
}

// HandleInput writes client keystrokes to the session's shell and feeds the
// line accumulator; each '\r'-terminated line that ShouldTrackCommand accepts
// is recorded as the session's last command.
func (m *Multiplexer) HandleInput(sessionID string, data []byte) error {
	m.mu.RLock()
	a, ok := m.live[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := a.term.Write(data); err != nil {
		return fmt.Errorf("ptymux: write input: %w", err)
	}

	a.mu.Lock()
	a.lastCmdLine.Write(data)
	var completed string
	if i := bytes.IndexByte(a.lastCmdLine.Bytes(), '\r'); i >= 0 {
		completed = a.lastCmdLine.String()[:i]
		a.lastCmdLine.Reset()
	}
	a.mu.Unlock()

	if completed != "" && classifier.ShouldTrackCommand(completed) {
		if err := m.sessions.UpdateSessionState(sessionID, session.StatePatch{LastCommand: &completed}); err != nil {
			m.log.WithError(err).WithField("sessionId", sessionID).Warn("HandleInput: record last command failed")
		}
	}
	return nil
}

// WriteToPty resolves the session socketID is currently watching (unless
// sessionIDOverride names one explicitly) and writes data to it.
func (m *Multiplexer) WriteToPty(socketID string, data []byte, sessionIDOverride string) error {
	sessionID := sessionIDOverride
	if sessionID == "" {
		var ok bool
		sessionID, ok = m.SessionForSocket(socketID)
		if !ok {
			return ErrNotFound
		}
	}
	return m.HandleInput(sessionID, data)
}

// Resize changes the PTY dimensions and persists the new size.
func (m *Multiplexer) Resize(sessionID string, cols, rows uint16) error {
	m.mu.RLock()
	a, ok := m.live[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if err := a.term.Resize(cols, rows); err != nil {
		return fmt.Errorf("ptymux: resize: %w", err)
	}
	size := sessionstore.TerminalSize{Cols: int(cols), Rows: int(rows)}
	return m.sessions.UpdateSessionState(sessionID, session.StatePatch{TerminalSize: &size})
}

// ResizePty resolves the session socketID is currently watching (unless
// sessionIDOverride names one explicitly) and resizes it.
func (m *Multiplexer) ResizePty(socketID string, cols, rows uint16, sessionIDOverride string) error {
	sessionID := sessionIDOverride
	if sessionID == "" {
		var ok bool
		sessionID, ok = m.SessionForSocket(socketID)
		if !ok {
			return ErrNotFound
		}
	}
	return m.Resize(sessionID, cols, rows)
}

// Disconnect detaches a socket without killing the underlying shell.
func (m *Multiplexer) Disconnect(socketID string) error {
	m.mu.Lock()
	binding, ok := m.socketToSession[socketID]
	delete(m.socketToSession, socketID)
	delete(m.socketSessionHistory, socketID)
	var a *active
	if ok {
		a = m.live[binding.sessionID]
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if a != nil {
		m.detachSocketFromActive(a, socketID, binding.sessionID)
		return nil
	}
	return m.sessions.DetachSocketFromSession(binding.sessionID)
}

// Close tears down a session's shell, scrollback, layout slot, and
// bookkeeping entirely, promoting the next session (in creation order) to
// default if the closed one was it.
func (m *Multiplexer) Close(sessionID string) error {
	sess, lookupErr := m.sessions.GetSession(sessionID)
	workspaceID := ""
	if lookupErr == nil {
		workspaceID = sess.WorkspaceID
	}

	m.mu.Lock()
	a, live := m.live[sessionID]
	if live {
		a.mu.Lock()
		a.manualClose = true
		a.mu.Unlock()
		delete(m.live, sessionID)
	}
	for sock, b := range m.socketToSession {
		if b.sessionID == sessionID {
			delete(m.socketToSession, sock)
			delete(m.socketSessionHistory, sock)
		}
	}
	state := m.workspaceSessions[workspaceID]
	m.mu.Unlock()

	if live {
		m.watcher.Untrack(a.hist)
		_ = a.term.Close()
		a.hist.Close()
	}

	if state != nil {
		m.promoteOrRemoveDefault(state, sessionID)
		if state.layoutID != "" {
			if _, err := m.layouts.RemoveSessionFromLayout(state.layoutID, sessionID); err != nil {
				m.log.WithError(err).WithField("sessionId", sessionID).Warn("Close: remove from layout failed")
			}
		}
	}

	if err := m.sessions.TerminateSession(sessionID, "manual_close"); err != nil {
		return fmt.Errorf("ptymux: close: %w", err)
	}

	m.mu.RLock()
	b := m.broadcast
	m.mu.RUnlock()
	if b != nil && workspaceID != "" {
		b.EmitRoom(workspaceID, transport.Message{Type: "terminal-killed", WorkspaceID: workspaceID, SessionID: sessionID})
	}
	return nil
}

// promoteOrRemoveDefault removes sessionID from state's bookkeeping,
// promoting the next remaining session to default if the removed one held
// that slot.
func (m *Multiplexer) promoteOrRemoveDefault(state *workspaceState, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state.sessionIDs = removeID(state.sessionIDs, sessionID)
	if state.defaultSessionID != nil && *state.defaultSessionID == sessionID {
		if len(state.sessionIDs) > 0 {
			next := state.sessionIDs[0]
			state.defaultSessionID = &next
		} else {
			state.defaultSessionID = nil
		}
	}
}

func (m *Multiplexer) readLoop(a *active) {
	defer m.wg.Done()
	buf := make([]byte, readChunkSize)
	for {
		n, err := a.term.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		a.hist.Write(data)

		m.mu.RLock()
		b := m.broadcast
		m.mu.RUnlock()
		if b != nil {
			b.EmitRoom(a.workspaceID, transport.Message{Type: "terminal-output", SessionID: a.sessionID, Data: string(data)})
		}
	}
}

// watchShellExit observes a shell's spontaneous death (not Close's manual
// kill), broadcasts the exit, and tears the session down immediately rather
// than waiting for the periodic sweep.
func (m *Multiplexer) watchShellExit(a *active) {
	defer m.wg.Done()
	select {
	case <-a.term.Done():
	case <-m.stopCh:
		return
	}

	a.mu.Lock()
	manual := a.manualClose
	a.mu.Unlock()
	if manual {
		return
	}

	m.log.WithField("sessionId", a.sessionID).Info("watchShellExit: shell exited")

	m.mu.Lock()
	delete(m.live, a.sessionID)
	for sock, b := range m.socketToSession {
		if b.sessionID == a.sessionID {
			delete(m.socketToSession, sock)
			delete(m.socketSessionHistory, sock)
		}
	}
	state := m.workspaceSessions[a.workspaceID]
	m.mu.Unlock()

	if state != nil {
		m.promoteOrRemoveDefault(state, a.sessionID)
		if state.layoutID != "" {
			if _, err := m.layouts.RemoveSessionFromLayout(state.layoutID, a.sessionID); err != nil {
				m.log.WithError(err).WithField("sessionId", a.sessionID).Warn("watchShellExit: remove from layout failed")
			}
		}
	}

	m.mu.RLock()
	b := m.broadcast
	m.mu.RUnlock()
	if b != nil {
		b.EmitRoom(a.workspaceID, transport.Message{Type: "terminal-output", SessionID: a.sessionID, Data: "\r\nShell exited.\r\n"})
		b.EmitRoom(a.workspaceID, transport.Message{Type: "terminal-killed", WorkspaceID: a.workspaceID, SessionID: a.sessionID})
	}

	if err := m.sessions.TerminateSession(a.sessionID, "process_exit"); err != nil {
		m.log.WithError(err).WithField("sessionId", a.sessionID).Warn("watchShellExit: terminate failed")
	}

	m.watcher.Untrack(a.hist)
	a.hist.Close()
}

// cleanupLoop periodically drops live PTY handles whose process has died
// without watchShellExit observing it.
func (m *Multiplexer) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepTerminated()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Multiplexer) sweepTerminated() {
	m.mu.RLock()
	pids := make(map[string]int, len(m.live))
	for id, a := range m.live {
		pids[id] = a.term.Pid()
	}
	m.mu.RUnlock()

	for id, pid := range pids {
		if isPidAlive(pid) {
			continue
		}
		if err := m.Close(id); err != nil {
			m.log.WithError(err).WithField("sessionId", id).Warn("sweepTerminated: close failed")
		}
	}
}

// Shutdown stops all loops and kills every live shell, used on process exit.
func (m *Multiplexer) Shutdown() {
	close(m.stopCh)

	m.mu.Lock()
	entries := make([]*active, 0, len(m.live))
	for _, a := range m.live {
		a.mu.Lock()
		a.manualClose = true
		a.mu.Unlock()
		entries = append(entries, a)
	}
	m.live = make(map[string]*active)
	m.workspaceSessions = make(map[string]*workspaceState)
	m.socketToSession = make(map[string]socketBinding)
	m.socketSessionHistory = make(map[string]map[string]bool)
	m.mu.Unlock()

	for _, a := range entries {
		m.watcher.Untrack(a.hist)
		_ = a.term.Close()
		a.hist.Close()
		if err := m.sessions.TerminateSession(a.sessionID, "shutdown"); err != nil {
			m.log.WithError(err).WithField("sessionId", a.sessionID).Warn("Shutdown: terminate failed")
		}
	}
	m.wg.Wait()
	_ = m.watcher.Close()
}

func removeID(ids []string, target string) []string {
	out := ids[:0:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func containsID(ids []string, target string) bool {
	for _, id := range ids {
		if id == target {
			return true
		}
	}
	return false
}
