package sessionstore

import (
	"database/sql"
	"fmt"
	"time"
)

// SessionStatus mirrors the session lifecycle state machine from the
// session manager.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionTerminated SessionStatus = "terminated"
)

// TerminalSize is the serialized shape of a session's PTY dimensions.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// HistoryEntry is one bounded shellHistory record.
type HistoryEntry struct {
	Command   string    `json:"command"`
	Timestamp time.Time `json:"timestamp"`
}

// maxShellHistory bounds Session.ShellHistory to the last N commands.
const maxShellHistory = 100

// Session is the persisted record for one terminal session.
type Session struct {
	ID               string
	WorkspaceID      string
	RecoveryToken    string
	SessionName      string
	IsDefaultSession bool
	SessionType      string

	ShellPid int
	SocketID *string
	Status   SessionStatus

	CurrentWorkingDir string
	EnvironmentVars   map[string]string
	TerminalSize      TerminalSize
	LastCommand       string
	ShellHistory      []HistoryEntry

	SessionTimeout *int
	MaxIdleTime    int
	AutoCleanup    bool
	CanRecover     bool

	CreatedAt      time.Time
	LastActivityAt time.Time
	EndedAt        *time.Time
}

// InsertSession writes a newly constructed Session row.
func (s *Store) InsertSession(sess *Session) error {
	env, err := json.Marshal(sess.EnvironmentVars)
	if err != nil {
		return fmt.Errorf("marshal environmentVars: %w", err)
	}
	size, err := json.Marshal(sess.TerminalSize)
	if err != nil {
		return fmt.Errorf("marshal terminalSize: %w", err)
	}
	hist, err := json.Marshal(sess.ShellHistory)
	if err != nil {
		return fmt.Errorf("marshal shellHistory: %w", err)
	}

	_, err = s.db.Exec(`INSERT INTO sessions (
		id, workspace_id, recovery_token, session_name, is_default_session, session_type,
		shell_pid, socket_id, status, current_working_dir, environment_vars, terminal_size,
		last_command, shell_history, session_timeout, max_idle_time, auto_cleanup, can_recover,
		created_at, last_activity_at, ended_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.WorkspaceID, sess.RecoveryToken, sess.SessionName, sess.IsDefaultSession, sess.SessionType,
		sess.ShellPid, sess.SocketID, string(sess.Status), sess.CurrentWorkingDir, string(env), string(size),
		sess.LastCommand, string(hist), sess.SessionTimeout, sess.MaxIdleTime, sess.AutoCleanup, sess.CanRecover,
		sess.CreatedAt.UTC(), sess.LastActivityAt.UTC(), sess.EndedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func scanSession(row interface {
	Scan(dest ...any) error
}) (*Session, error) {
	var sess Session
	var status, env, size, hist string
	var socketID sql.NullString
	var endedAt sql.NullTime

	if err := row.Scan(
		&sess.ID, &sess.WorkspaceID, &sess.RecoveryToken, &sess.SessionName, &sess.IsDefaultSession, &sess.SessionType,
		&sess.ShellPid, &socketID, &status, &sess.CurrentWorkingDir, &env, &size,
		&sess.LastCommand, &hist, &sess.SessionTimeout, &sess.MaxIdleTime, &sess.AutoCleanup, &sess.CanRecover,
		&sess.CreatedAt, &sess.LastActivityAt, &endedAt,
	); err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	if socketID.Valid {
		sess.SocketID = &socketID.String
	}
	if endedAt.Valid {
		sess.EndedAt = &endedAt.Time
	}
	if env != "" {
		if err := json.Unmarshal([]byte(env), &sess.EnvironmentVars); err != nil {
			return nil, fmt.Errorf("unmarshal environmentVars: %w", err)
		}
	}
	if size != "" {
		if err := json.Unmarshal([]byte(size), &sess.TerminalSize); err != nil {
			return nil, fmt.Errorf("unmarshal terminalSize: %w", err)
		}
	}
	if hist != "" {
		if err := json.Unmarshal([]byte(hist), &sess.ShellHistory); err != nil {
			return nil, fmt.Errorf("unmarshal shellHistory: %w", err)
		}
	}
	return &sess, nil
}

const sessionColumns = `id, workspace_id, recovery_token, session_name, is_default_session, session_type,
		shell_pid, socket_id, status, current_working_dir, environment_vars, terminal_size,
		last_command, shell_history, session_timeout, max_idle_time, auto_cleanup, can_recover,
		created_at, last_activity_at, ended_at`

// GetSession reads a session by id. Returns ErrNotFound if absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE id = ?", id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// GetSessionByRecoveryToken reads a session by its recovery token. Returns
// ErrNotFound if absent.
func (s *Store) GetSessionByRecoveryToken(token string) (*Session, error) {
	row := s.db.QueryRow("SELECT "+sessionColumns+" FROM sessions WHERE recovery_token = ?", token)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session by recovery token: %w", err)
	}
	return sess, nil
}

// ListSessionsByStatus returns all sessions whose status is in statuses,
// ordered newest-created first.
func (s *Store) ListSessionsByStatus(statuses ...SessionStatus) ([]*Session, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := "SELECT " + sessionColumns + " FROM sessions WHERE status IN (" + joinPlaceholders(placeholders) + ") ORDER BY created_at DESC"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions by status: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// ListRecoverableSessions returns sessions for workspaceId in {active,paused}
// with canRecover set, most-recently-active first.
func (s *Store) ListRecoverableSessions(workspaceID string) ([]*Session, error) {
	rows, err := s.db.Query("SELECT "+sessionColumns+` FROM sessions
		WHERE workspace_id = ? AND status IN (?, ?) AND can_recover = 1
		ORDER BY last_activity_at DESC`, workspaceID, string(SessionActive), string(SessionPaused))
	if err != nil {
		return nil, fmt.Errorf("list recoverable sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// SessionPatch is the typed sum of updatable Session fields applied by
// UpdateSessionState; a nil pointer field or a nil EnvironmentVars map means
// unset, so only explicitly set fields are written.
type SessionPatch struct {
	CurrentWorkingDir *string
	EnvironmentVars   map[string]string
	TerminalSize      *TerminalSize
	LastCommand       *string
}

// UpdateSessionState applies patch to the session, appends LastCommand (if
// set) to the bounded shellHistory, and refreshes lastActivityAt.
func (s *Store) UpdateSessionState(id string, patch SessionPatch, now time.Time) error {
	sess, err := s.GetSession(id)
	if err != nil {
		return err
	}

	if patch.CurrentWorkingDir != nil {
		sess.CurrentWorkingDir = *patch.CurrentWorkingDir
	}
	if patch.EnvironmentVars != nil {
		sess.EnvironmentVars = patch.EnvironmentVars
	}
	if patch.TerminalSize != nil {
		sess.TerminalSize = *patch.TerminalSize
	}
	if patch.LastCommand != nil {
		sess.LastCommand = *patch.LastCommand
		sess.ShellHistory = append(sess.ShellHistory, HistoryEntry{Command: *patch.LastCommand, Timestamp: now})
		if len(sess.ShellHistory) > maxShellHistory {
			sess.ShellHistory = sess.ShellHistory[len(sess.ShellHistory)-maxShellHistory:]
		}
	}
	sess.LastActivityAt = now

	env, err := json.Marshal(sess.EnvironmentVars)
	if err != nil {
		return fmt.Errorf("marshal environmentVars: %w", err)
	}
	size, err := json.Marshal(sess.TerminalSize)
	if err != nil {
		return fmt.Errorf("marshal terminalSize: %w", err)
	}
	hist, err := json.Marshal(sess.ShellHistory)
	if err != nil {
		return fmt.Errorf("marshal shellHistory: %w", err)
	}

	_, err = s.db.Exec(`UPDATE sessions SET current_working_dir=?, environment_vars=?, terminal_size=?,
		last_command=?, shell_history=?, last_activity_at=? WHERE id=?`,
		sess.CurrentWorkingDir, string(env), string(size), sess.LastCommand, string(hist), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// AttachSocket sets socketId and status=active, bumping activity.
func (s *Store) AttachSocket(id, socketID string, now time.Time) error {
	_, err := s.db.Exec("UPDATE sessions SET socket_id=?, status=?, last_activity_at=? WHERE id=?",
		socketID, string(SessionActive), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("attach socket: %w", err)
	}
	return nil
}

// DetachSocket clears socketId and sets status=paused, bumping activity.
func (s *Store) DetachSocket(id string, now time.Time) error {
	_, err := s.db.Exec("UPDATE sessions SET socket_id=NULL, status=?, last_activity_at=? WHERE id=?",
		string(SessionPaused), now.UTC(), id)
	if err != nil {
		return fmt.Errorf("detach socket: %w", err)
	}
	return nil
}

// TerminateSession sets status=terminated, endedAt=now, clears socketId and
// canRecover. A session that is already terminated is left unchanged.
func (s *Store) TerminateSession(id string, now time.Time) error {
	_, err := s.db.Exec(`UPDATE sessions SET status=?, ended_at=?, socket_id=NULL, can_recover=0 WHERE id=? AND status<>?`,
		string(SessionTerminated), now.UTC(), id, string(SessionTerminated))
	if err != nil {
		return fmt.Errorf("terminate session: %w", err)
	}
	return nil
}

// UpdateShellPid persists a new PID for a recovered session.
func (s *Store) UpdateShellPid(id string, pid int) error {
	_, err := s.db.Exec("UPDATE sessions SET shell_pid=? WHERE id=?", pid, id)
	if err != nil {
		return fmt.Errorf("update shell pid: %w", err)
	}
	return nil
}

// BulkTerminateActive marks every row with status=active as terminated
// (restart reconciliation); returns the number of rows affected.
func (s *Store) BulkTerminateActive(now time.Time) (int64, error) {
	res, err := s.db.Exec(`UPDATE sessions SET status=?, ended_at=?, socket_id=NULL, can_recover=0 WHERE status=?`,
		string(SessionTerminated), now.UTC(), string(SessionActive))
	if err != nil {
		return 0, fmt.Errorf("bulk terminate active sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredSessions deletes sessions matching the cleanup coordinator's
// retention predicate: terminated and ended more than maxAge ago, or paused
// and idle longer than maxAge.
func (s *Store) DeleteExpiredSessions(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE
		(status=? AND ended_at < ?) OR (status=? AND last_activity_at < ?)`,
		string(SessionTerminated), cutoff.UTC(), string(SessionPaused), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

// SessionStatusCounts is a status -> count aggregation.
type SessionStatusCounts map[SessionStatus]int

// CountSessionsByStatus groups all sessions by status.
func (s *Store) CountSessionsByStatus() (SessionStatusCounts, error) {
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count sessions by status: %w", err)
	}
	defer rows.Close()

	counts := make(SessionStatusCounts)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// CountRecoverableSessions counts non-terminated sessions with canRecover
// set, across all workspaces.
func (s *Store) CountRecoverableSessions() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status IN (?, ?) AND can_recover = 1`,
		string(SessionActive), string(SessionPaused)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recoverable sessions: %w", err)
	}
	return n, nil
}

// CountIdleActiveSessions counts active sessions whose lastActivityAt is
// older than cutoff.
func (s *Store) CountIdleActiveSessions(cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sessions WHERE status = ? AND last_activity_at < ?`,
		string(SessionActive), cutoff.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count idle active sessions: %w", err)
	}
	return n, nil
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += "," + p
	}
	return out
}
