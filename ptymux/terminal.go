// Package ptymux is the PTY multiplexer (C5): it owns the OS-level shell
// processes behind sessions, fans their output out to connected sockets and
// to per-session scrollback, and reconciles socket (re)connection against
// the session store.
package ptymux

import (
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"

	"github.com/creack/pty"
)

// terminal wraps one spawned shell under a PTY.
type terminal struct {
	ptmx     *os.File
	cmd      *exec.Cmd
	mu       sync.Mutex
	closed   bool
	doneCh   chan struct{}
	doneOnce sync.Once
	usePgrp  bool
}

// spawnTerminal starts shell with args under a PTY of the given size, in
// cwd, with env overlaid onto the inherited environment.
func spawnTerminal(shell string, args []string, cwd string, env map[string]string, cols, rows uint16) (*terminal, error) {
	cmd := exec.Command(shell, args...)
	if cwd != "" {
		cmd.Dir = cwd
	}

	overridden := make(map[string]bool, len(env))
	for k := range env {
		overridden[k] = true
	}
	finalEnv := make([]string, 0, len(os.Environ())+len(env)+1)
	for _, kv := range os.Environ() {
		idx := -1
		for i, c := range kv {
			if c == '=' {
				idx = i
				break
			}
		}
		if idx > 0 && !overridden[kv[:idx]] {
			finalEnv = append(finalEnv, kv)
		}
	}
	for k, v := range env {
		finalEnv = append(finalEnv, k+"="+v)
	}
	finalEnv = append(finalEnv, "TERM=xterm-256color")
	cmd.Env = finalEnv

	// Setpgid lets Close kill the whole process group; it can fail with
	// "operation not permitted" under sandboxed macOS, so it is Linux-only.
	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}

	t := &terminal{
		ptmx:    ptmx,
		cmd:     cmd,
		doneCh:  make(chan struct{}),
		usePgrp: usePgrp,
	}
	go t.wait()
	return t, nil
}

// wait reaps the shell process and signals Done as soon as it exits, whether
// that exit was spontaneous (the shell's own "exit") or forced by Close.
func (t *terminal) wait() {
	_ = t.cmd.Wait()
	t.doneOnce.Do(func() { close(t.doneCh) })
}

func (t *terminal) Read(p []byte) (int, error) { return t.ptmx.Read(p) }

func (t *terminal) Write(p []byte) (int, error) { return t.ptmx.Write(p) }

func (t *terminal) Resize(cols, rows uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Pid returns the shell process id, or 0 if not started.
func (t *terminal) Pid() int {
	if t.cmd == nil || t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// Close kills the shell (process group on Linux) and releases the PTY.
// Idempotent. The wait goroutine started by spawnTerminal reaps the process
// and closes Done; Close does not block on that.
func (t *terminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	if t.ptmx != nil {
		_ = t.ptmx.Close()
	}
	if t.cmd != nil && t.cmd.Process != nil {
		pid := t.cmd.Process.Pid
		if t.usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = t.cmd.Process.Kill()
		}
	}
	return nil
}

// Done is closed once the shell process has exited, whether from Close or on
// its own.
func (t *terminal) Done() <-chan struct{} { return t.doneCh }
