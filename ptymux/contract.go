package ptymux

import (
	"os"
	"runtime"
)

// Default PTY dimensions when a caller doesn't specify one.
const (
	defaultCols = 80
	defaultRows = 30
)

const (
	replayBanner        = "\r\n\x1b[2m--- scrollback replay ---\x1b[0m\r\n"
	replayClosingBanner = "\r\n\x1b[2m--- end replay ---\x1b[0m\r\n"
)

// resolveShellCommand fills in the spawn contract's default shell when the
// caller didn't pin one: bash --login everywhere but Windows, where it's
// powershell.exe.
func resolveShellCommand(shell string, args []string) (string, []string) {
	if shell != "" {
		return shell, args
	}
	if runtime.GOOS == "windows" {
		return "powershell.exe", nil
	}
	return "bash", []string{"--login"}
}

func resolveSize(cols, rows uint16) (uint16, uint16) {
	if cols == 0 {
		cols = defaultCols
	}
	if rows == 0 {
		rows = defaultRows
	}
	return cols, rows
}

// contractEnv builds the spawn contract's environment overlay — HOME, USER,
// SHELL, an augmented PATH, and a colored PS1 — with overlay applied last so
// a recovered session's saved env (or an explicit caller override) wins.
func contractEnv(overlay map[string]string) map[string]string {
	path := os.Getenv("PATH")
	if path != "" {
		path += ":"
	}
	env := map[string]string{
		"HOME":  "/home/claude",
		"USER":  "claude",
		"SHELL": "/bin/bash",
		"PATH":  path + "/home/claude/.local/bin",
		"PS1":   "\\[\\033[01;32m\\]\\u@\\h\\[\\033[00m\\]:\\[\\033[01;34m\\]\\w\\[\\033[00m\\]\\$ ",
	}
	for k, v := range overlay {
		env[k] = v
	}
	return env
}
