// Package session implements the session manager (C3): the authoritative
// lifecycle for terminal sessions — recovery tokens, idle timeouts, state
// patches, and the active/paused/terminated state machine — fronted by a
// small in-memory cache reconciled from the store on construction.
package session

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/sessionstore"
)

// Sentinel errors surfaced to callers, matching the error taxonomy's
// not-found/invalid-argument/policy split.
var (
	ErrTerminated = errors.New("session: already terminated")
	ErrNotFound   = errors.New("session: not found")
)

// Clock abstracts time so tests can control idle-timeout firing without
// sleeping; the default is the system clock.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

const (
	cleanupTickInterval = 5 * time.Minute
	cleanupMaxIdle       = 24 * time.Hour
	statsIdleThreshold   = 30 * time.Minute
	defaultMaxIdleTime   = 1440 // minutes
)

// CreateOptions is the option-bag form of createSession — the authoritative
// signature per the resolution of Open Question 1.
type CreateOptions struct {
	WorkspaceID  string
	ShellPid     int
	SocketID     *string
	TerminalSize sessionstore.TerminalSize
	Name         string
	IsDefault    bool
	ID           string // optional caller-specified id

	SessionTimeout *int
	MaxIdleTime    int // minutes; 0 means use defaultMaxIdleTime
	AutoCleanup    bool
	CanRecover     bool

	CurrentWorkingDir string
	EnvironmentVars   map[string]string
}

// StatePatch is the typed sum of fields updateSessionState may touch.
type StatePatch = sessionstore.SessionPatch

// Statistics is the result of getSessionStatistics.
type Statistics struct {
	CountsByStatus  sessionstore.SessionStatusCounts
	RecoverableCount int
	IdleCount        int
	ActiveCacheSize  int
	TokenMapSize     int
}

// PidAlive reports whether the OS still has a process running at pid. The
// supervisor's liveness probe satisfies this so the session manager can
// reconcile orphaned process rows without importing the supervisor package.
type PidAlive func(pid int) bool

// Manager is the session lifecycle authority.
type Manager struct {
	store    *sessionstore.Store
	clock    Clock
	log      *logrus.Entry
	pidAlive PidAlive

	mu           sync.RWMutex
	activeCache  map[string]*sessionstore.Session // sessionId -> cached row
	tokenMap     map[string]string                // recoveryToken -> sessionId

	idle *idleHeap

	tickerStop chan struct{}
	wg         sync.WaitGroup
}

// NewManager constructs a Manager, reconciling its caches from store: every
// session with status=active and a non-empty recoveryToken is primed into
// the token map, and a periodic cleanup tick is started.
func NewManager(store *sessionstore.Store, clock Clock, log *logrus.Entry) (*Manager, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}

	m := &Manager{
		store:       store,
		clock:       clock,
		log:         log.WithField("component", "session.Manager"),
		activeCache: make(map[string]*sessionstore.Session),
		tokenMap:    make(map[string]string),
		tickerStop:  make(chan struct{}),
	}
	m.idle = newIdleHeap(m.fireIdleTimeout)

	active, err := store.ListSessionsByStatus(sessionstore.SessionActive)
	if err != nil {
		// Fatal taxonomy: startup reconcile failures are logged but do not
		// prevent boot — the store remains the source of truth.
		m.log.WithError(err).Error("reconcile: failed to load active sessions, starting with empty cache")
	}
	for _, sess := range active {
		if sess.RecoveryToken == "" {
			continue
		}
		m.activeCache[sess.ID] = sess
		m.tokenMap[sess.RecoveryToken] = sess.ID
		if sess.AutoCleanup {
			elapsed := clock.Now().Sub(sess.LastActivityAt)
			remaining := time.Duration(sess.MaxIdleTime)*time.Minute - elapsed
			if remaining < 0 {
				remaining = 0
			}
			m.idle.arm(sess.ID, clock.Now(), remaining)
		}
	}
	m.log.WithField("count", len(active)).Info("reconcile: primed active session cache")

	m.wg.Add(1)
	go m.cleanupLoop()
	return m, nil
}

// SetPidAliveChecker wires the supervisor's PID liveness probe so
// cleanupOrphanedProcesses can tell a merely-paused supervisor row from one
// whose process is actually gone. Until set, orphaned-process cleanup is
// skipped rather than guessing.
func (m *Manager) SetPidAliveChecker(check PidAlive) {
	m.mu.Lock()
	m.pidAlive = check
	m.mu.Unlock()
}

// CreateSession writes a new session row, primes the caches, and arms its
// idle timeout.
func (m *Manager) CreateSession(opts CreateOptions) (*sessionstore.Session, error) {
	token, err := newRecoveryToken()
	if err != nil {
		return nil, fmt.Errorf("session: generate recovery token: %w", err)
	}

	maxIdle := opts.MaxIdleTime
	if maxIdle == 0 {
		maxIdle = defaultMaxIdleTime
	}
	now := m.clock.Now()

	envVars := opts.EnvironmentVars
	if envVars == nil {
		envVars = map[string]string{}
	}
	sess := &sessionstore.Session{
		ID:                opts.ID,
		WorkspaceID:       opts.WorkspaceID,
		RecoveryToken:     token,
		SessionName:       opts.Name,
		IsDefaultSession:  opts.IsDefault,
		SessionType:       "terminal",
		ShellPid:          opts.ShellPid,
		SocketID:          opts.SocketID,
		Status:            sessionstore.SessionActive,
		CurrentWorkingDir: opts.CurrentWorkingDir,
		EnvironmentVars:   envVars,
		TerminalSize:      opts.TerminalSize,
		SessionTimeout:    opts.SessionTimeout,
		MaxIdleTime:       maxIdle,
		AutoCleanup:       opts.AutoCleanup,
		CanRecover:        opts.CanRecover,
		CreatedAt:         now,
		LastActivityAt:    now,
	}
	if sess.ID == "" {
		sess.ID = newID()
	}

	if err := m.store.InsertSession(sess); err != nil {
		return nil, fmt.Errorf("session: create: %w", err)
	}

	m.mu.Lock()
	m.activeCache[sess.ID] = sess
	m.tokenMap[sess.RecoveryToken] = sess.ID
	m.mu.Unlock()

	if sess.AutoCleanup {
		m.idle.arm(sess.ID, now, time.Duration(maxIdle)*time.Minute)
	}
	return sess, nil
}

// UpdateSessionState applies patch, refreshing activity and rearming the
// idle timeout. Fails if the session is terminated.
func (m *Manager) UpdateSessionState(id string, patch StatePatch) error {
	sess, err := m.mustLive(id)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	if err := m.store.UpdateSessionState(id, patch, now); err != nil {
		return fmt.Errorf("session: update state: %w", err)
	}
	m.touchCache(id, now)
	m.rearmIdle(sess, now)
	return nil
}

// AttachSocketToSession marks the session active with the given socket,
// refreshing activity and the idle timeout. Fails if terminated.
func (m *Manager) AttachSocketToSession(id, socketID string) error {
	sess, err := m.mustLive(id)
	if err != nil {
		return err
	}
	now := m.clock.Now()
	if err := m.store.AttachSocket(id, socketID, now); err != nil {
		return fmt.Errorf("session: attach socket: %w", err)
	}
	m.touchCache(id, now)
	m.rearmIdle(sess, now)
	return nil
}

// DetachSocketFromSession pauses the session; its idle timeout keeps
// running so a paused session can still expire.
func (m *Manager) DetachSocketFromSession(id string) error {
	if _, err := m.mustLive(id); err != nil {
		return err
	}
	now := m.clock.Now()
	if err := m.store.DetachSocket(id, now); err != nil {
		return fmt.Errorf("session: detach socket: %w", err)
	}
	m.touchCache(id, now)
	return nil
}

// FindSessionByRecoveryToken looks up the token map then the store; returns
// nil, nil on unknown token, terminated session, or read failure (logged).
func (m *Manager) FindSessionByRecoveryToken(token string) (*sessionstore.Session, error) {
	m.mu.RLock()
	id, ok := m.tokenMap[token]
	m.mu.RUnlock()

	if ok {
		sess, err := m.store.GetSession(id)
		if err != nil {
			m.log.WithError(err).WithField("sessionId", id).Warn("findSessionByRecoveryToken: cached id not in store")
			return nil, nil
		}
		if sess.Status == sessionstore.SessionTerminated {
			return nil, nil
		}
		return sess, nil
	}

	sess, err := m.store.GetSessionByRecoveryToken(token)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, nil
		}
		m.log.WithError(err).Warn("findSessionByRecoveryToken: store read failed")
		return nil, nil
	}
	if sess.Status == sessionstore.SessionTerminated {
		return nil, nil
	}
	return sess, nil
}

// GetSession reads a session by id, checking the active cache first.
func (m *Manager) GetSession(id string) (*sessionstore.Session, error) {
	m.mu.RLock()
	cached, ok := m.activeCache[id]
	m.mu.RUnlock()
	if ok {
		return cached, nil
	}
	return m.store.GetSession(id)
}

// UpdateShellPid persists a respawned shell's pid, used when ptymux revives
// a session whose shell was not still live in memory.
func (m *Manager) UpdateShellPid(id string, pid int) error {
	return m.store.UpdateShellPid(id, pid)
}

// FindRecoverableSession returns the most recently active recoverable
// session for workspaceId, or nil if none.
func (m *Manager) FindRecoverableSession(workspaceID string) (*sessionstore.Session, error) {
	sessions, err := m.store.ListRecoverableSessions(workspaceID)
	if err != nil {
		m.log.WithError(err).Warn("findRecoverableSession: store read failed")
		return nil, nil
	}
	if len(sessions) == 0 {
		return nil, nil
	}
	return sessions[0], nil
}

// TerminateSession transitions the session to terminated, evicting it from
// every cache. Idempotent: terminating an already-terminated or unknown
// session leaves its row unchanged and returns nil.
func (m *Manager) TerminateSession(id, reason string) error {
	now := m.clock.Now()
	if err := m.store.TerminateSession(id, now); err != nil {
		return fmt.Errorf("session: terminate: %w", err)
	}

	m.mu.Lock()
	if sess, ok := m.activeCache[id]; ok {
		delete(m.tokenMap, sess.RecoveryToken)
	}
	delete(m.activeCache, id)
	m.mu.Unlock()

	m.idle.cancel(id)
	m.log.WithFields(logrus.Fields{"sessionId": id, "reason": reason}).Info("session terminated")
	return nil
}

// SetupIdleTimeout (re)arms id's idle timeout, replacing any prior one.
func (m *Manager) SetupIdleTimeout(id string, minutes int) {
	m.idle.arm(id, m.clock.Now(), time.Duration(minutes)*time.Minute)
}

// fireIdleTimeout is the idleHeap's fire callback: it re-reads the session
// and terminates it only if it is not already terminated and autoCleanup
// still holds. lastActivityAt is not consulted here.
func (m *Manager) fireIdleTimeout(id string) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		return
	}
	if sess.Status == sessionstore.SessionTerminated || !sess.AutoCleanup {
		return
	}
	if err := m.TerminateSession(id, "idle_timeout"); err != nil {
		m.log.WithError(err).WithField("sessionId", id).Warn("idle timeout: failed to terminate")
	}
}

// PerformSessionCleanup terminates sessions idle beyond the 24h backstop
// and reconciles orphaned supervisor rows.
func (m *Manager) PerformSessionCleanup() {
	cutoff := m.clock.Now().Add(-cleanupMaxIdle)
	for _, status := range []sessionstore.SessionStatus{sessionstore.SessionActive, sessionstore.SessionPaused} {
		sessions, err := m.store.ListSessionsByStatus(status)
		if err != nil {
			m.log.WithError(err).Warn("performSessionCleanup: list failed")
			continue
		}
		for _, sess := range sessions {
			if sess.AutoCleanup && sess.LastActivityAt.Before(cutoff) {
				if err := m.TerminateSession(sess.ID, "cleanup_expired"); err != nil {
					m.log.WithError(err).WithField("sessionId", sess.ID).Warn("performSessionCleanup: terminate failed")
				}
			}
		}
	}
	m.cleanupOrphanedProcesses()
}

// cleanupOrphanedProcesses marks as crashed each running supervisor row whose
// referenced session is gone and whose PID the OS no longer reports.
func (m *Manager) cleanupOrphanedProcesses() {
	m.mu.RLock()
	check := m.pidAlive
	m.mu.RUnlock()
	if check == nil {
		return
	}

	running, err := m.store.ListProcessesByStatus(sessionstore.ProcessRunning)
	if err != nil {
		m.log.WithError(err).Warn("cleanupOrphanedProcesses: list running failed")
		return
	}
	now := m.clock.Now()
	for _, proc := range running {
		if proc.SessionID == nil {
			continue
		}
		sess, err := m.store.GetSession(*proc.SessionID)
		sessionGone := errors.Is(err, sessionstore.ErrNotFound) || (err == nil && sess.Status == sessionstore.SessionTerminated)
		if !sessionGone {
			continue
		}
		if check(proc.Pid) {
			continue
		}
		if err := m.store.UpdateProcessStatus(proc.ID, sessionstore.ProcessCrashed, &now); err != nil {
			m.log.WithError(err).WithField("processId", proc.ID).Warn("cleanupOrphanedProcesses: mark crashed failed")
		}
	}
}

// GetSessionStatistics aggregates counts across the store; returns nil on
// query failure (logged).
func (m *Manager) GetSessionStatistics() *Statistics {
	counts, err := m.store.CountSessionsByStatus()
	if err != nil {
		m.log.WithError(err).Warn("getSessionStatistics: count by status failed")
		return nil
	}
	recoverable, err := m.store.CountRecoverableSessions()
	if err != nil {
		m.log.WithError(err).Warn("getSessionStatistics: recoverable count failed")
		return nil
	}
	idle, err := m.store.CountIdleActiveSessions(m.clock.Now().Add(-statsIdleThreshold))
	if err != nil {
		m.log.WithError(err).Warn("getSessionStatistics: idle count failed")
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return &Statistics{
		CountsByStatus:   counts,
		RecoverableCount: recoverable,
		IdleCount:        idle,
		ActiveCacheSize:  len(m.activeCache),
		TokenMapSize:     len(m.tokenMap),
	}
}

// Cleanup stops the periodic ticker and all scheduled idle timeouts, and
// empties the caches. It performs no store writes.
func (m *Manager) Cleanup() {
	close(m.tickerStop)
	m.wg.Wait()
	m.idle.stop()

	m.mu.Lock()
	m.activeCache = make(map[string]*sessionstore.Session)
	m.tokenMap = make(map[string]string)
	m.mu.Unlock()
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(cleanupTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.PerformSessionCleanup()
		case <-m.tickerStop:
			return
		}
	}
}

func (m *Manager) mustLive(id string) (*sessionstore.Session, error) {
	sess, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, sessionstore.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("session: lookup: %w", err)
	}
	if sess.Status == sessionstore.SessionTerminated {
		return nil, ErrTerminated
	}
	return sess, nil
}

func (m *Manager) touchCache(id string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.activeCache[id]; ok {
		sess.LastActivityAt = now
	}
}

func (m *Manager) rearmIdle(sess *sessionstore.Session, now time.Time) {
	if sess.AutoCleanup {
		m.idle.arm(sess.ID, now, time.Duration(sess.MaxIdleTime)*time.Minute)
	}
}
