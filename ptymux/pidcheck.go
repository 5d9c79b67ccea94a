package ptymux

import "syscall"

// isPidAlive reports whether the OS still has a process running at pid,
// used by the periodic sweep to find rows whose PTY died without
// watchShellExit observing it (e.g. a hard kill of the whole process group).
func isPidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}
