package sessionstore

import (
	"database/sql"
	"fmt"
	"time"
)

// ProcessStatus mirrors the supervisor's UserProcess lifecycle.
type ProcessStatus string

const (
	ProcessRunning ProcessStatus = "running"
	ProcessStopped ProcessStatus = "stopped"
	ProcessCrashed ProcessStatus = "crashed"
	ProcessKilled  ProcessStatus = "killed"
)

// UserProcess is the persisted record for one supervised child command.
type UserProcess struct {
	ID           string
	Pid          int
	Command      string
	Args         []string
	Cwd          string
	Status       ProcessStatus
	ExitCode     *int
	AutoRestart  bool
	RestartCount int
	SessionID    *string
	WorkspaceID  *string
	StartedAt    time.Time
	LastSeen     time.Time
	EndedAt      *time.Time
}

// InsertProcess writes a newly constructed UserProcess row.
func (s *Store) InsertProcess(p *UserProcess) error {
	args, err := json.Marshal(p.Args)
	if err != nil {
		return fmt.Errorf("marshal process args: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO user_processes (
		id, pid, command, args, cwd, status, exit_code, auto_restart, restart_count,
		session_id, workspace_id, started_at, last_seen, ended_at
	) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Pid, p.Command, string(args), p.Cwd, string(p.Status), p.ExitCode, p.AutoRestart, p.RestartCount,
		p.SessionID, p.WorkspaceID, p.StartedAt.UTC(), p.LastSeen.UTC(), p.EndedAt)
	if err != nil {
		return fmt.Errorf("insert process: %w", err)
	}
	return nil
}

func scanProcess(row interface{ Scan(dest ...any) error }) (*UserProcess, error) {
	var p UserProcess
	var status, args string
	var endedAt sql.NullTime

	if err := row.Scan(
		&p.ID, &p.Pid, &p.Command, &args, &p.Cwd, &status, &p.ExitCode, &p.AutoRestart, &p.RestartCount,
		&p.SessionID, &p.WorkspaceID, &p.StartedAt, &p.LastSeen, &endedAt,
	); err != nil {
		return nil, err
	}
	p.Status = ProcessStatus(status)
	if endedAt.Valid {
		p.EndedAt = &endedAt.Time
	}
	if args != "" {
		if err := json.Unmarshal([]byte(args), &p.Args); err != nil {
			return nil, fmt.Errorf("unmarshal process args: %w", err)
		}
	}
	return &p, nil
}

const processColumns = `id, pid, command, args, cwd, status, exit_code, auto_restart, restart_count,
		session_id, workspace_id, started_at, last_seen, ended_at`

// GetProcess reads a UserProcess by id. Returns ErrNotFound if absent.
func (s *Store) GetProcess(id string) (*UserProcess, error) {
	row := s.db.QueryRow("SELECT "+processColumns+" FROM user_processes WHERE id = ?", id)
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get process: %w", err)
	}
	return p, nil
}

// ListProcessesByStatus returns all rows whose status is in statuses.
func (s *Store) ListProcessesByStatus(statuses ...ProcessStatus) ([]*UserProcess, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := "SELECT " + processColumns + " FROM user_processes WHERE status IN (" + joinPlaceholders(placeholders) + ") ORDER BY started_at"
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes by status: %w", err)
	}
	defer rows.Close()

	var out []*UserProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ListAllProcesses returns every row, newest-started first.
func (s *Store) ListAllProcesses() ([]*UserProcess, error) {
	rows, err := s.db.Query("SELECT " + processColumns + " FROM user_processes ORDER BY started_at DESC")
	if err != nil {
		return nil, fmt.Errorf("list all processes: %w", err)
	}
	defer rows.Close()

	var out []*UserProcess
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("scan process: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProcessExit sets status, exitCode, and endedAt after a child exits
// or errors.
func (s *Store) UpdateProcessExit(id string, status ProcessStatus, exitCode *int, endedAt time.Time) error {
	_, err := s.db.Exec("UPDATE user_processes SET status=?, exit_code=?, ended_at=? WHERE id=?",
		string(status), exitCode, endedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("update process exit: %w", err)
	}
	return nil
}

// UpdateProcessStatus sets status and, if non-nil, endedAt, without
// touching exitCode (used by stopProcess/restartProcess and the session
// manager's cleanupOrphanedProcesses).
func (s *Store) UpdateProcessStatus(id string, status ProcessStatus, endedAt *time.Time) error {
	_, err := s.db.Exec("UPDATE user_processes SET status=?, ended_at=? WHERE id=?", string(status), endedAt, id)
	if err != nil {
		return fmt.Errorf("update process status: %w", err)
	}
	return nil
}

// TouchProcess bumps lastSeen for a still-alive tracked process.
func (s *Store) TouchProcess(id string, now time.Time) error {
	_, err := s.db.Exec("UPDATE user_processes SET last_seen=? WHERE id=?", now.UTC(), id)
	if err != nil {
		return fmt.Errorf("touch process: %w", err)
	}
	return nil
}

// UpdateRestartCount sets restartCount after a supervised restart.
func (s *Store) UpdateRestartCount(id string, restartCount int) error {
	_, err := s.db.Exec("UPDATE user_processes SET restart_count=? WHERE id=?", restartCount, id)
	if err != nil {
		return fmt.Errorf("update restart count: %w", err)
	}
	return nil
}

// BulkMarkStopped marks every running row as stopped (supervisor shutdown).
func (s *Store) BulkMarkStopped(now time.Time) (int64, error) {
	res, err := s.db.Exec("UPDATE user_processes SET status=?, ended_at=? WHERE status=?",
		string(ProcessStopped), now.UTC(), string(ProcessRunning))
	if err != nil {
		return 0, fmt.Errorf("bulk mark processes stopped: %w", err)
	}
	return res.RowsAffected()
}

// DeleteDeadProcesses deletes rows in {stopped,crashed,killed} ended before
// cutoff.
func (s *Store) DeleteDeadProcesses(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM user_processes WHERE status IN (?,?,?) AND ended_at < ?`,
		string(ProcessStopped), string(ProcessCrashed), string(ProcessKilled), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete dead processes: %w", err)
	}
	return res.RowsAffected()
}

// MarkOrphanedCrashed marks as crashed every running process row whose
// sessionId equals sessionID.
func (s *Store) MarkOrphanedCrashed(sessionID string, endedAt time.Time) error {
	_, err := s.db.Exec(`UPDATE user_processes SET status=?, ended_at=? WHERE session_id=? AND status=?`,
		string(ProcessCrashed), endedAt.UTC(), sessionID, string(ProcessRunning))
	if err != nil {
		return fmt.Errorf("mark orphaned processes crashed: %w", err)
	}
	return nil
}
