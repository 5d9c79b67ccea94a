// Package supervisor implements the process supervisor (C6): an
// independent tracker of long-running user commands with liveness
// monitoring, auto-restart, and probe-only reconciliation across restarts.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/outpostlabs/sessiond/sessionstore"
)

var (
	// ErrNotFound is returned when a tracked process id has no row.
	ErrNotFound = errors.New("supervisor: not found")
	// ErrNoPID is returned by TrackProcess when the spawned child yields no PID.
	ErrNoPID = errors.New("supervisor: spawned process has no PID")
)

const (
	monitorInterval   = 10 * time.Second
	gracefulWait      = 5 * time.Second
	deadProcessMaxAge = 24 * time.Hour
	// cleanupEvery ticks the internal dead-process sweep less often than
	// the liveness probe; the cleanup coordinator (C7) additionally sweeps
	// with its own 7-day retention window independently of this one.
	cleanupEvery = 60 // monitor ticks, i.e. ~10 minutes at monitorInterval
)

// Clock abstracts time for tests.
type Clock interface{ Now() time.Time }

// SystemClock is the production Clock.
type SystemClock struct{}

// Now returns the current wall-clock time.
func (SystemClock) Now() time.Time { return time.Now() }

// TrackOptions describes a command to spawn and supervise.
type TrackOptions struct {
	Command     string
	Args        []string
	Cwd         string
	Env         map[string]string // nil means inherit os.Environ()
	AutoRestart bool
	SessionID   *string
	WorkspaceID *string
}

type liveProcess struct {
	cmd       *exec.Cmd
	record    *sessionstore.UserProcess
	startTime time.Time
}

// Supervisor is the C6 process tracker.
type Supervisor struct {
	store *sessionstore.Store
	clock Clock
	log   *logrus.Entry

	mu        sync.Mutex
	processes map[string]*liveProcess // UserProcess.ID -> live handle

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Supervisor over store.
func New(store *sessionstore.Store, clock Clock, log *logrus.Entry) *Supervisor {
	if clock == nil {
		clock = SystemClock{}
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Supervisor{
		store:     store,
		clock:     clock,
		log:       log.WithField("component", "supervisor.Supervisor"),
		processes: make(map[string]*liveProcess),
	}
}

// IsProcessAlive satisfies session.PidAlive, letting the session manager
// reconcile orphaned rows without this package depending on session.
func (s *Supervisor) IsProcessAlive(pid int) bool {
	return isProcessRunning(pid)
}

// Start reconciles running rows against the OS and begins the monitoring
// loop.
func (s *Supervisor) Start() error {
	if err := s.restoreProcesses(); err != nil {
		s.log.WithError(err).Warn("start: restoreProcesses failed")
	}
	s.stopCh = make(chan struct{})
	s.wg.Add(1)
	go s.monitorLoop()
	return nil
}

// TrackProcess spawns command with args, persists a running row, and wires
// exit/error handlers.
func (s *Supervisor) TrackProcess(opts TrackOptions) (*sessionstore.UserProcess, error) {
	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Cwd
	if opts.Env != nil {
		env := os.Environ()
		for k, v := range opts.Env {
			env = append(env, k+"="+v)
		}
		cmd.Env = env
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	setProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", opts.Command, err)
	}
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return nil, ErrNoPID
	}

	now := s.clock.Now()
	record := &sessionstore.UserProcess{
		ID:          uuid.NewString(),
		Pid:         cmd.Process.Pid,
		Command:     opts.Command,
		Args:        opts.Args,
		Cwd:         opts.Cwd,
		Status:      sessionstore.ProcessRunning,
		AutoRestart: opts.AutoRestart,
		SessionID:   opts.SessionID,
		WorkspaceID: opts.WorkspaceID,
		StartedAt:   now,
		LastSeen:    now,
	}
	if err := s.store.InsertProcess(record); err != nil {
		_ = cmd.Process.Kill()
		return nil, fmt.Errorf("supervisor: persist process: %w", err)
	}

	lp := &liveProcess{cmd: cmd, record: record, startTime: now}
	s.mu.Lock()
	s.processes[record.ID] = lp
	s.mu.Unlock()

	s.wg.Add(1)
	go s.waitForExit(record.ID, lp)

	return record, nil
}

func (s *Supervisor) waitForExit(id string, lp *liveProcess) {
	defer s.wg.Done()
	err := lp.cmd.Wait()

	s.mu.Lock()
	delete(s.processes, id)
	s.mu.Unlock()

	now := s.clock.Now()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			status := sessionstore.ProcessStopped
			if code != 0 {
				status = sessionstore.ProcessCrashed
			}
			if uerr := s.store.UpdateProcessExit(id, status, &code, now); uerr != nil {
				s.log.WithError(uerr).WithField("processId", id).Warn("waitForExit: persist exit failed")
			}
			if status == sessionstore.ProcessCrashed && lp.record.AutoRestart {
				if _, rerr := s.RestartProcess(id); rerr != nil {
					s.log.WithError(rerr).WithField("processId", id).Warn("waitForExit: auto-restart failed")
				}
			}
			return
		}
		if uerr := s.store.UpdateProcessExit(id, sessionstore.ProcessCrashed, nil, now); uerr != nil {
			s.log.WithError(uerr).WithField("processId", id).Warn("waitForExit: persist error-exit failed")
		}
		return
	}

	code := 0
	if uerr := s.store.UpdateProcessExit(id, sessionstore.ProcessStopped, &code, now); uerr != nil {
		s.log.WithError(uerr).WithField("processId", id).Warn("waitForExit: persist clean-exit failed")
	}
}

// StopProcess signals a graceful stop, escalating to a hard kill after 5s
// if the process is still tracked in memory.
func (s *Supervisor) StopProcess(id string) error {
	s.mu.Lock()
	lp, ok := s.processes[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	signalErr := lp.cmd.Process.Signal(syscall.SIGTERM)

	go func() {
		time.Sleep(gracefulWait)
		s.mu.Lock()
		_, stillTracked := s.processes[id]
		s.mu.Unlock()
		if stillTracked {
			_ = lp.cmd.Process.Kill()
		}
	}()

	now := s.clock.Now()
	if err := s.store.UpdateProcessStatus(id, sessionstore.ProcessKilled, &now); err != nil {
		return fmt.Errorf("supervisor: persist stop: %w", err)
	}
	return signalErr
}

// RestartProcess stops the current child (graceful) and spawns a new
// tracked row with the same command/args/cwd/ownership/autoRestart, with
// restartCount bumped from the old row.
func (s *Supervisor) RestartProcess(id string) (*sessionstore.UserProcess, error) {
	old, err := s.store.GetProcess(id)
	if err != nil {
		return nil, fmt.Errorf("supervisor: restart: %w", err)
	}

	s.mu.Lock()
	if lp, ok := s.processes[id]; ok {
		_ = lp.cmd.Process.Signal(syscall.SIGTERM)
		delete(s.processes, id)
	}
	s.mu.Unlock()

	now := s.clock.Now()
	if err := s.store.UpdateProcessStatus(id, sessionstore.ProcessStopped, &now); err != nil {
		s.log.WithError(err).WithField("processId", id).Warn("restartProcess: mark old stopped failed")
	}

	newRec, err := s.TrackProcess(TrackOptions{
		Command:     old.Command,
		Args:        old.Args,
		Cwd:         old.Cwd,
		AutoRestart: old.AutoRestart,
		SessionID:   old.SessionID,
		WorkspaceID: old.WorkspaceID,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: restart spawn: %w", err)
	}

	newRec.RestartCount = old.RestartCount + 1
	if err := s.store.UpdateRestartCount(newRec.ID, newRec.RestartCount); err != nil {
		s.log.WithError(err).WithField("processId", newRec.ID).Warn("restartProcess: persist restart count failed")
	}
	return newRec, nil
}

// checkProcessHealth scans every running row and marks any whose PID the OS
// no longer reports as crashed.
func (s *Supervisor) checkProcessHealth() {
	running, err := s.store.ListProcessesByStatus(sessionstore.ProcessRunning)
	if err != nil {
		s.log.WithError(err).Warn("checkProcessHealth: list failed")
		return
	}
	now := s.clock.Now()
	for _, p := range running {
		if isProcessRunning(p.Pid) {
			if err := s.store.TouchProcess(p.ID, now); err != nil {
				s.log.WithError(err).WithField("processId", p.ID).Warn("checkProcessHealth: touch failed")
			}
			continue
		}
		if err := s.store.UpdateProcessExit(p.ID, sessionstore.ProcessCrashed, nil, now); err != nil {
			s.log.WithError(err).WithField("processId", p.ID).Warn("checkProcessHealth: mark crashed failed")
			continue
		}
		s.mu.Lock()
		delete(s.processes, p.ID)
		s.mu.Unlock()
	}
}

// cleanupDeadProcesses deletes rows in {stopped,crashed,killed} older than
// 24h, the supervisor's own backstop independent of the cleanup
// coordinator's 7-day sweep.
func (s *Supervisor) cleanupDeadProcesses() {
	cutoff := s.clock.Now().Add(-deadProcessMaxAge)
	n, err := s.store.DeleteDeadProcesses(cutoff)
	if err != nil {
		s.log.WithError(err).Warn("cleanupDeadProcesses: delete failed")
		return
	}
	if n > 0 {
		s.log.WithField("count", n).Info("cleanupDeadProcesses: deleted stale process rows")
	}
}

// restoreProcesses probes every running row's PID on start. A dead PID is
// marked crashed (and auto-restarted if configured); a live PID is kept
// without re-attaching an OS process handle — monitoring proceeds via probe
// only, per the supervisor restart-reconciliation design.
func (s *Supervisor) restoreProcesses() error {
	running, err := s.store.ListProcessesByStatus(sessionstore.ProcessRunning)
	if err != nil {
		return fmt.Errorf("supervisor: restoreProcesses: list failed: %w", err)
	}

	restored, crashed := 0, 0
	now := s.clock.Now()
	for _, p := range running {
		if isProcessRunning(p.Pid) {
			restored++
			continue
		}
		crashed++
		if err := s.store.UpdateProcessExit(p.ID, sessionstore.ProcessCrashed, nil, now); err != nil {
			s.log.WithError(err).WithField("processId", p.ID).Warn("restoreProcesses: mark crashed failed")
			continue
		}
		if p.AutoRestart {
			if _, err := s.RestartProcess(p.ID); err != nil {
				s.log.WithError(err).WithField("processId", p.ID).Warn("restoreProcesses: auto-restart failed")
			}
		}
	}
	s.log.WithFields(logrus.Fields{"restored": restored, "crashed": crashed}).Info("restoreProcesses: reconciled running rows")
	return nil
}

// Stop cancels monitoring, bulk-marks all running rows as stopped, and
// clears the in-memory map.
func (s *Supervisor) Stop() error {
	if s.stopCh != nil {
		close(s.stopCh)
	}
	s.wg.Wait()

	s.mu.Lock()
	s.processes = make(map[string]*liveProcess)
	s.mu.Unlock()

	if _, err := s.store.BulkMarkStopped(s.clock.Now()); err != nil {
		return fmt.Errorf("supervisor: stop: bulk mark stopped: %w", err)
	}
	return nil
}

// GetProcesses reads every tracked row.
func (s *Supervisor) GetProcesses() ([]*sessionstore.UserProcess, error) {
	return s.store.ListAllProcesses()
}

// GetStatus reads a single row by id.
func (s *Supervisor) GetStatus(id string) (*sessionstore.UserProcess, error) {
	p, err := s.store.GetProcess(id)
	if errors.Is(err, sessionstore.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

func (s *Supervisor) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	ticks := 0
	for {
		select {
		case <-ticker.C:
			s.checkProcessHealth()
			ticks++
			if ticks%cleanupEvery == 0 {
				s.cleanupDeadProcesses()
			}
		case <-s.stopCh:
			return
		}
	}
}
