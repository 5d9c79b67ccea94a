package transport

import jsoniter "github.com/json-iterator/go"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// TerminalSize is the recovered-state size carried by terminal-recovered.
type TerminalSize struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

// RecoveredState describes what a recovered session is being restored with.
type RecoveredState struct {
	CurrentDir   string            `json:"currentDir"`
	EnvVars      map[string]string `json:"envVars,omitempty"`
	TerminalSize TerminalSize      `json:"terminalSize"`
}

// Message is the terminal WebSocket envelope exchanged with clients, per
// the full event taxonomy: received types are create-terminal,
// terminal-input, terminal-resize, kill-terminal, get-terminal-info; emitted
// types are terminal-created, terminal-resumed, terminal-recovered,
// terminal-output, terminal-killed, terminal-info, terminal-error.
type Message struct {
	Type string `json:"type"`

	WorkspaceID   string `json:"workspaceId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	SessionName   string `json:"sessionName,omitempty"`
	RecoveryToken string `json:"recoveryToken,omitempty"`

	RecoveredState *RecoveredState `json:"recoveredState,omitempty"`

	Data string `json:"data,omitempty"`
	Cols uint16 `json:"cols,omitempty"`
	Rows uint16 `json:"rows,omitempty"`

	Error string `json:"error,omitempty"`
}
